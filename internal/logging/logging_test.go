package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerStampsServiceAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "debug", Service: "tokenecon"}, &buf)
	child := Component(logger, "oracle")
	child.Debug().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not json: %v", err)
	}
	if entry["service"] != "tokenecon" {
		t.Fatalf("service field missing: %#v", entry)
	}
	if entry["component"] != "oracle" {
		t.Fatalf("component field missing: %#v", entry)
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "not-a-level"}, &buf)
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at info level, got %q", buf.String())
	}
	logger.Info().Msg("shown")
	if buf.Len() == 0 {
		t.Fatal("info should be written")
	}
}
