package runner

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fnDrainer func() error

func (f fnDrainer) Drain() error { return f() }

func TestRunStopsOnContextCancel(t *testing.T) {
	drained := false
	r := NewLifecycleRunner(fnDrainer(func() error {
		drained = true
		return nil
	}), Hooks{}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	for r.State() != StateRunning {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run never returned")
	}
	if !drained {
		t.Fatalf("drainer not invoked")
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %d", r.State())
	}
}

func TestStartHookFailureAbortsRun(t *testing.T) {
	boom := errors.New("boom")
	r := NewLifecycleRunner(nil, Hooks{OnStart: func() error { return boom }}, time.Second)
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %d", r.State())
	}
}

func TestDrainTimeout(t *testing.T) {
	r := NewLifecycleRunner(fnDrainer(func() error {
		time.Sleep(time.Second)
		return nil
	}), Hooks{}, 10*time.Millisecond)

	r.setState(StateRunning)
	if err := r.stop(); err == nil {
		t.Fatalf("expected drain timeout")
	}
}
