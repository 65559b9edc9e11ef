package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAddRejectsInvalidJobs(t *testing.T) {
	s := New(Options{}, zerolog.Nop())
	if err := s.Add(Job{Name: "zero", Tick: func(context.Context, time.Time) error { return nil }}); err == nil {
		t.Fatal("zero interval should be rejected")
	}
	if err := s.Add(Job{Name: "nil", Interval: time.Second}); err == nil {
		t.Fatal("nil tick should be rejected")
	}
}

func TestRunWithoutJobs(t *testing.T) {
	if err := New(Options{}, zerolog.Nop()).Run(context.Background()); err == nil {
		t.Fatal("run without jobs should fail")
	}
}

func TestRunExecutesJobsUntilCancelled(t *testing.T) {
	s := New(Options{}, zerolog.Nop())
	var fast, failing atomic.Int32

	_ = s.Add(Job{Name: "fast", Interval: 10 * time.Millisecond, RunAtStart: true, Tick: func(context.Context, time.Time) error {
		fast.Add(1)
		return nil
	}})
	_ = s.Add(Job{Name: "failing", Interval: 10 * time.Millisecond, Tick: func(context.Context, time.Time) error {
		failing.Add(1)
		return errors.New("boom")
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if fast.Load() < 3 {
		t.Fatalf("fast job ran %d times", fast.Load())
	}
	if failing.Load() < 2 {
		t.Fatalf("failing job should keep running, ran %d times", failing.Load())
	}
}

func TestNextTickAligns(t *testing.T) {
	job := Job{Interval: time.Minute, AlignToStart: true}
	now := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	if got := nextTick(now, job); !got.Equal(time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC)) {
		t.Fatalf("next tick = %s", got)
	}
}
