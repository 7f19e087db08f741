package wakeword

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/harunnryd/elara/pkg/errorsx"
	"github.com/harunnryd/elara/pkg/frames"
	"github.com/harunnryd/elara/pkg/mic"
	"github.com/harunnryd/elara/pkg/stt"
)

// ErrMicBusy is returned when the microphone lease is held elsewhere.
var ErrMicBusy = errors.New("microphone busy")

const leaseOwner = "wakeword"

// Handlers receive wake phrase detections. Callbacks run on the listener's
// result goroutine.
type Handlers struct {
	OnStart func()
	OnStop  func()
}

// Listener transcribes ambient audio on its own STT stream and fires when a
// final transcript contains the start or stop phrase. While paused it stops
// feeding audio and releases the microphone lease so a conversation session
// can take it.
type Listener struct {
	provider  stt.StreamingSTT
	source    mic.Source
	lease     *mic.Lease
	matcher   *Matcher
	handlers  Handlers
	sessionID string
	rate      int
	log       *slog.Logger

	seq *frames.SeqGen

	mu      sync.Mutex
	running bool
	paused  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewListener(provider stt.StreamingSTT, source mic.Source, lease *mic.Lease, matcher *Matcher, handlers Handlers, sessionID string, sampleRate int, log *slog.Logger) *Listener {
	if lease == nil {
		lease = mic.NewLease()
	}
	if log == nil {
		log = slog.Default()
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Listener{
		provider:  provider,
		source:    source,
		lease:     lease,
		matcher:   matcher,
		handlers:  handlers,
		sessionID: sessionID,
		rate:      sampleRate,
		log:       log,
		seq:       frames.NewSeqGen(),
	}
}

// Start begins listening for the wake phrases. No-op when already running.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if !l.lease.TryAcquire(leaseOwner) {
		return errorsx.Wrap(fmt.Errorf("%w: held by %s", ErrMicBusy, l.lease.Holder()), errorsx.ReasonMicBusy)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := l.provider.Start(ctx); err != nil {
		cancel()
		l.lease.Release(leaseOwner)
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	if err := l.source.Start(ctx); err != nil {
		cancel()
		_ = l.provider.Close()
		l.lease.Release(leaseOwner)
		return err
	}

	l.mu.Lock()
	l.running = true
	l.paused = false
	l.ctx = ctx
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(2)
	go l.pumpAudio(ctx)
	go l.pumpResults(ctx)
	l.log.Info("wake word listener started", "provider", l.provider.Name())
	return nil
}

// Stop ends listening. Idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	cancel()
	_ = l.provider.Close()
	_ = l.source.Close()
	l.wg.Wait()
	l.lease.Release(leaseOwner)
	l.log.Info("wake word listener stopped")
}

// Pause hands the microphone to another component: the capture process is
// closed so the device is physically free, and the lease is released. The
// provider stream stays warm for Resume.
func (l *Listener) Pause() {
	l.mu.Lock()
	if l.paused || !l.running {
		l.mu.Unlock()
		return
	}
	l.paused = true
	l.mu.Unlock()
	_ = l.source.Close()
	l.lease.Release(leaseOwner)
}

// Resume reacquires the microphone, restarts capture and continues
// detection. Returns ErrMicBusy when something else still holds the lease.
func (l *Listener) Resume() error {
	l.mu.Lock()
	if !l.paused || !l.running {
		l.mu.Unlock()
		return nil
	}
	ctx := l.ctx
	l.mu.Unlock()

	if !l.lease.TryAcquire(leaseOwner) {
		return errorsx.Wrap(fmt.Errorf("%w: held by %s", ErrMicBusy, l.lease.Holder()), errorsx.ReasonMicBusy)
	}
	if err := l.source.Start(ctx); err != nil {
		l.lease.Release(leaseOwner)
		return err
	}
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()

	// The previous pump exited when its source closed.
	l.wg.Add(1)
	go l.pumpAudio(ctx)
	return nil
}

func (l *Listener) pumpAudio(ctx context.Context) {
	defer l.wg.Done()
	buf := make([]byte, 3200)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := l.source.Read(buf)
		if err != nil {
			l.mu.Lock()
			paused := l.paused
			l.mu.Unlock()
			if ctx.Err() == nil && !paused && !errors.Is(err, io.EOF) {
				l.log.Warn("wake word mic read failed", "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		l.mu.Lock()
		paused := l.paused
		l.mu.Unlock()
		if paused {
			continue
		}
		f := frames.NewAudioFrame(l.sessionID, l.seq.Next("wake"), buf[:n], l.rate, 1, nil)
		if err := l.provider.SendAudio(f); err != nil {
			if ctx.Err() == nil {
				l.log.Warn("wake word send audio failed", "error", err)
			}
			return
		}
	}
}

func (l *Listener) pumpResults(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-l.provider.Results():
			if !ok {
				return
			}
			tf, isText := f.(frames.TextFrame)
			if !isText || !tf.IsFinal() {
				continue
			}
			l.mu.Lock()
			paused := l.paused
			l.mu.Unlock()
			if paused {
				continue
			}
			switch l.matcher.Match(tf.Text()) {
			case DetectionStart:
				l.log.Info("wake phrase detected")
				if l.handlers.OnStart != nil {
					l.handlers.OnStart()
				}
			case DetectionStop:
				l.log.Info("stop phrase detected")
				if l.handlers.OnStop != nil {
					l.handlers.OnStop()
				}
			}
		}
	}
}
