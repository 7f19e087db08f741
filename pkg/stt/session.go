package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/elara/pkg/errorsx"
	"github.com/harunnryd/elara/pkg/frames"
	"github.com/harunnryd/elara/pkg/mic"
	"github.com/harunnryd/elara/pkg/redact"
	"github.com/harunnryd/elara/pkg/resilience"
)

// ErrUnavailable is returned when the provider cannot be reached after
// retries, or while its circuit breaker is open.
var ErrUnavailable = errors.New("speech recognition unavailable")

// ErrMicBusy is returned when another component holds the microphone.
var ErrMicBusy = errors.New("microphone busy")

const leaseOwner = "stt"

// Event is one transcription result. Partial events carry the utterance so
// far; a final event carries the whole joined utterance.
type Event struct {
	Text  string
	Final bool
}

// Session runs one live transcription: it owns the microphone lease, pumps
// captured audio into the provider and folds provider results into
// utterances. Finals are buffered and joined when the provider signals the
// utterance ended.
type Session struct {
	provider StreamingSTT
	source   mic.Source
	lease    *mic.Lease
	cfg      Config
	retry    resilience.RetryPolicy
	breaker  *resilience.CircuitBreaker
	log      *slog.Logger

	events chan Event
	seq    *frames.SeqGen

	mu      sync.Mutex
	running bool
	paused  bool
	finals  []string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSession(provider StreamingSTT, source mic.Source, lease *mic.Lease, cfg Config, retry resilience.RetryPolicy, breaker *resilience.CircuitBreaker, log *slog.Logger) *Session {
	if lease == nil {
		lease = mic.NewLease()
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 0)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		provider: provider,
		source:   source,
		lease:    lease,
		cfg:      cfg,
		retry:    retry,
		breaker:  breaker,
		log:      log,
		events:   make(chan Event, 32),
		seq:      frames.NewSeqGen(),
	}
}

// Events returns the transcription event channel. It stays open across
// Start/Stop cycles.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Running reports whether a transcription is live.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start begins transcribing. No-op when already running.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if !s.lease.TryAcquire(leaseOwner) {
		return errorsx.Wrap(fmt.Errorf("%w: held by %s", ErrMicBusy, s.lease.Holder()), errorsx.ReasonMicBusy)
	}
	if !s.breaker.Allow() {
		s.lease.Release(leaseOwner)
		return errorsx.Wrap(ErrUnavailable, errorsx.ReasonSTTUnavailable)
	}

	ctx, cancel := context.WithCancel(ctx)
	err := s.retry.Do(func() error {
		return s.provider.Start(ctx)
	})
	if err != nil {
		cancel()
		s.breaker.OnError(err)
		s.lease.Release(leaseOwner)
		return errorsx.Wrap(fmt.Errorf("%w: %v", ErrUnavailable, err), errorsx.ReasonSTTUnavailable)
	}
	s.breaker.OnSuccess()

	if err := s.source.Start(ctx); err != nil {
		cancel()
		_ = s.provider.Close()
		s.lease.Release(leaseOwner)
		return err
	}

	s.mu.Lock()
	s.running = true
	s.paused = false
	s.finals = nil
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.pumpAudio(ctx)
	go s.pumpResults(ctx)
	s.log.Info("transcription started", "provider", s.provider.Name())
	return nil
}

// Stop ends the transcription synchronously, discarding any partial
// utterance. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	_ = s.provider.Close()
	_ = s.source.Close()
	s.wg.Wait()

	s.mu.Lock()
	s.finals = nil
	s.mu.Unlock()
	s.lease.Release(leaseOwner)
	s.log.Info("transcription stopped")
}

// Pause stops feeding audio to the provider, e.g. while the assistant is
// speaking. Capture continues so the stream stays warm.
func (s *Session) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume continues feeding audio after Pause.
func (s *Session) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *Session) pumpAudio(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 3200)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := s.source.Read(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.log.Warn("mic read failed", "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if paused {
			continue
		}
		f := frames.NewAudioFrame(s.cfg.SessionID, s.seq.Next("mic"), buf[:n], s.cfg.SampleRate, 1, nil)
		if err := s.provider.SendAudio(f); err != nil {
			if ctx.Err() == nil {
				s.log.Warn("send audio failed", "error", err)
			}
			return
		}
	}
}

func (s *Session) pumpResults(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.provider.Results():
			if !ok {
				return
			}
			s.handleResult(f)
		}
	}
}

func (s *Session) handleResult(f frames.Frame) {
	switch v := f.(type) {
	case frames.TextFrame:
		s.mu.Lock()
		if v.IsFinal() {
			s.finals = append(s.finals, v.Text())
			s.mu.Unlock()
			return
		}
		partial := strings.TrimSpace(strings.Join(append(append([]string{}, s.finals...), v.Text()), " "))
		s.mu.Unlock()
		s.emit(Event{Text: partial})
	case frames.ControlFrame:
		if v.Code() != frames.ControlFlush {
			return
		}
		reason := v.Meta()[frames.MetaReason]
		if reason != "utterance_end" && reason != "speech_final" {
			return
		}
		s.mu.Lock()
		utterance := strings.TrimSpace(strings.Join(s.finals, " "))
		s.finals = nil
		s.mu.Unlock()
		if utterance == "" {
			return
		}
		s.log.Info("utterance complete", "text", redact.Clip(redact.Text(utterance)))
		s.emit(Event{Text: utterance, Final: true})
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("transcription event dropped", "final", ev.Final)
	}
}
