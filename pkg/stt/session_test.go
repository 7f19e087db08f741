package stt

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/elara/pkg/errorsx"
	"github.com/harunnryd/elara/pkg/frames"
	"github.com/harunnryd/elara/pkg/mic"
	"github.com/harunnryd/elara/pkg/resilience"
)

type fakeProvider struct {
	out      chan frames.Frame
	startErr error
	starts   atomic.Int32
	sent     atomic.Int32
	closed   atomic.Bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{out: make(chan frames.Frame, 32)}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Start(ctx context.Context) error {
	p.starts.Add(1)
	return p.startErr
}

func (p *fakeProvider) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *fakeProvider) SendAudio(frames.AudioFrame) error {
	p.sent.Add(1)
	return nil
}

func (p *fakeProvider) Results() <-chan frames.Frame { return p.out }

func (p *fakeProvider) transcript(text string, final bool) {
	meta := map[string]string{frames.MetaIsFinal: "false"}
	if final {
		meta[frames.MetaIsFinal] = "true"
	}
	p.out <- frames.NewTextFrame("s1", 1, text, meta)
}

func (p *fakeProvider) utteranceEnd() {
	p.out <- frames.NewControlFrame("s1", 2, frames.ControlFlush, map[string]string{
		frames.MetaReason: "utterance_end",
	})
}

type fakeSource struct {
	ch     chan []byte
	closed sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan []byte, 8)}
}

func (s *fakeSource) Start(ctx context.Context) error { return nil }

func (s *fakeSource) Read(p []byte) (int, error) {
	b, ok := <-s.ch
	if !ok {
		return 0, io.EOF
	}
	return copy(p, b), nil
}

func (s *fakeSource) Close() error {
	s.closed.Do(func() { close(s.ch) })
	return nil
}

func newTestSession(p StreamingSTT, src mic.Source, lease *mic.Lease) *Session {
	return NewSession(p, src, lease, Config{SessionID: "s1", SampleRate: 16000},
		resilience.NewRetryPolicy(2, time.Millisecond),
		resilience.NewCircuitBreaker(3, time.Minute), nil)
}

func waitEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no transcription event")
		return Event{}
	}
}

func TestSessionJoinsFinalsOnUtteranceEnd(t *testing.T) {
	p := newFakeProvider()
	s := newTestSession(p, newFakeSource(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	p.transcript("hello", true)
	p.transcript("world", true)
	p.utteranceEnd()

	ev := waitEvent(t, s)
	if !ev.Final || ev.Text != "hello world" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSessionForwardsPartials(t *testing.T) {
	p := newFakeProvider()
	s := newTestSession(p, newFakeSource(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	p.transcript("hel", false)
	ev := waitEvent(t, s)
	if ev.Final || ev.Text != "hel" {
		t.Fatalf("unexpected partial: %+v", ev)
	}

	p.transcript("first part", true)
	p.transcript("sec", false)
	ev = waitEvent(t, s)
	if ev.Final || ev.Text != "first part sec" {
		t.Fatalf("partial should include buffered finals: %+v", ev)
	}
}

func TestSessionStartUnavailableAfterRetries(t *testing.T) {
	p := newFakeProvider()
	p.startErr = errors.New("dial failed")
	lease := mic.NewLease()
	s := newTestSession(p, newFakeSource(), lease)

	err := s.Start(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errorsx.Reason(err) != errorsx.ReasonSTTUnavailable {
		t.Fatalf("unexpected reason %q", errorsx.Reason(err))
	}
	if got := p.starts.Load(); got != 3 {
		t.Fatalf("expected 3 start attempts, got %d", got)
	}
	if lease.Holder() != "" {
		t.Fatalf("lease not released on failure, holder %q", lease.Holder())
	}
}

func TestSessionMicBusy(t *testing.T) {
	lease := mic.NewLease()
	lease.TryAcquire("wakeword")
	s := newTestSession(newFakeProvider(), newFakeSource(), lease)

	err := s.Start(context.Background())
	if !errors.Is(err, ErrMicBusy) {
		t.Fatalf("expected ErrMicBusy, got %v", err)
	}
}

func TestSessionStopDiscardsPartialAndReleasesLease(t *testing.T) {
	p := newFakeProvider()
	lease := mic.NewLease()
	s := newTestSession(p, newFakeSource(), lease)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	p.transcript("never finished", true)
	time.Sleep(20 * time.Millisecond)

	s.Stop()
	s.Stop()

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event after stop: %+v", ev)
	default:
	}
	if !p.closed.Load() {
		t.Fatalf("provider not closed")
	}
	if lease.Holder() != "" {
		t.Fatalf("lease not released, holder %q", lease.Holder())
	}
}

func TestSessionPauseStopsAudioForwarding(t *testing.T) {
	p := newFakeProvider()
	src := newFakeSource()
	s := newTestSession(p, src, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	src.ch <- []byte{1, 2}
	deadline := time.After(time.Second)
	for p.sent.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("audio never forwarded")
		case <-time.After(2 * time.Millisecond):
		}
	}

	s.Pause()
	src.ch <- []byte{3, 4}
	src.ch <- []byte{5, 6}
	time.Sleep(50 * time.Millisecond)
	if got := p.sent.Load(); got != 1 {
		t.Fatalf("paused session forwarded audio: sent=%d", got)
	}
}
