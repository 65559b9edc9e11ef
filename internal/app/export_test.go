package app

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"token-economy/internal/market"
)

func testPoints(n int) []market.PricePoint {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]market.PricePoint, n)
	for i := range points {
		points[i] = market.PricePoint{
			Timestamp: at.Add(time.Duration(i) * time.Minute),
			PriceUSD:  decimal.NewFromInt(int64(10 + i)),
			Source:    market.SourceProviderA,
		}
	}
	return points
}

func TestDownsampleKeepsEndpoints(t *testing.T) {
	rows := buildRows(testPoints(101), decimal.RequireFromString("0.3"))
	got := downsampleRows(rows, 11)
	if len(got) != 11 {
		t.Fatalf("len = %d", len(got))
	}
	if !got[0].Point.Timestamp.Equal(rows[0].Point.Timestamp) || !got[10].Point.Timestamp.Equal(rows[100].Point.Timestamp) {
		t.Fatal("downsampling must keep the first and last rows")
	}
	if same := downsampleRows(rows, 500); len(same) != len(rows) {
		t.Fatalf("short series should be untouched, got %d", len(same))
	}
}

func TestWriteRowsCSV(t *testing.T) {
	points := testPoints(2)
	points = append([]market.PricePoint{{
		Timestamp: points[0].Timestamp.Add(-time.Minute),
		PriceUSD:  decimal.RequireFromString("0.0001"),
		Source:    market.SourceFallback,
	}}, points...)
	rows := buildRows(points, decimal.RequireFromString("0.3"))

	var buf bytes.Buffer
	if err := writeRowsCSV(&buf, rows); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("records = %d", len(records))
	}
	if records[1][2] != "fallback" || records[1][3] != "" {
		t.Fatalf("fallback row before any real price = %v", records[1])
	}
	// 0.3*11 + 0.7*10
	if records[3][3] != "10.3" {
		t.Fatalf("smoothed = %q", records[3][3])
	}
}

func TestWriteRowsPNG(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRowsPNG(&buf, buildRows(testPoints(10), decimal.RequireFromString("0.3"))); err != nil {
		t.Fatalf("render png: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Fatal("output is not a png")
	}
}
