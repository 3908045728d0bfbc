package controller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type recordingTerminator struct {
	reason atomic.Value
	calls  atomic.Int32
}

func (r *recordingTerminator) Terminate(reason string) {
	r.calls.Add(1)
	r.reason.Store(reason)
}

func TestWatch_WallClockDeadlineFires(t *testing.T) {
	term := &recordingTerminator{}
	Watch(context.Background(), time.Now().Add(10*time.Millisecond), nil, nil, term)

	if term.calls.Load() != 1 {
		t.Fatalf("expected exactly one Terminate call, got %d", term.calls.Load())
	}
	if got := term.reason.Load(); got != "wall_clock_time" {
		t.Fatalf("expected wall_clock_time, got %v", got)
	}
}

func TestWatch_MemoryBreachFiresBeforeDeadline(t *testing.T) {
	term := &recordingTerminator{}
	mem := make(chan struct{}, 1)
	mem <- struct{}{}

	Watch(context.Background(), time.Now().Add(time.Hour), mem, nil, term)

	if got := term.reason.Load(); got != "memory" {
		t.Fatalf("expected memory, got %v", got)
	}
}

func TestWatch_CPUAlarmFiresBeforeDeadline(t *testing.T) {
	term := &recordingTerminator{}
	cpu := make(chan struct{}, 1)
	cpu <- struct{}{}

	Watch(context.Background(), time.Now().Add(time.Hour), nil, cpu, term)

	if got := term.reason.Load(); got != "cpu_time" {
		t.Fatalf("expected cpu_time, got %v", got)
	}
}

func TestWatch_CtxDoneStopsWithoutTerminating(t *testing.T) {
	term := &recordingTerminator{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	Watch(ctx, time.Now().Add(time.Hour), nil, nil, term)

	if term.calls.Load() != 0 {
		t.Fatalf("expected no Terminate call once ctx is done, got %d", term.calls.Load())
	}
}
