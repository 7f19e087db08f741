package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/elara/pkg/errorsx"
	"github.com/harunnryd/elara/pkg/frames"
	"github.com/harunnryd/elara/pkg/resilience"
)

// ErrSynthesisFailed is returned when the provider reports an error or its
// stream dies mid-utterance.
var ErrSynthesisFailed = errors.New("speech synthesis failed")

// Sink receives synthesized audio in playback order.
type Sink interface {
	Enqueue(frames.AudioFrame) error
	Finish()
	Drain()
}

// Coordinator turns one utterance of text into ordered audio on the sink.
// Provider chunks are renumbered into a fresh contiguous sequence so the
// sink's ordering check holds regardless of provider numbering.
type Coordinator struct {
	provider StreamingTTS
	sink     Sink
	cfg      Config
	log      *slog.Logger
	seq      *frames.SeqGen

	mu      sync.Mutex
	started bool
}

func NewCoordinator(provider StreamingTTS, sink Sink, cfg Config, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		provider: provider,
		sink:     sink,
		cfg:      cfg,
		log:      log,
		seq:      frames.NewSeqGen(),
	}
}

// Start connects the provider. No-op when already started.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if err := c.provider.Start(ctx); err != nil {
		if resilience.IsRateLimit(err) {
			return errorsx.Wrap(err, errorsx.ReasonTTSRateLimit)
		}
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	c.started = true
	return nil
}

// Close shuts the provider down.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	return c.provider.Close()
}

// Speak synthesizes text and blocks until all audio reached the sink or ctx
// was cancelled. Cancellation flushes the provider and drains the sink.
func (c *Coordinator) Speak(ctx context.Context, text string) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return errorsx.Wrap(fmt.Errorf("%w: not started", ErrSynthesisFailed), errorsx.ReasonTTSSynthesis)
	}

	c.seq.Reset("speak")
	if err := c.provider.SendText(text); err != nil {
		return errorsx.Wrap(fmt.Errorf("%w: %v", ErrSynthesisFailed, err), errorsx.ReasonTTSSynthesis)
	}

	for {
		select {
		case <-ctx.Done():
			c.Cancel()
			return ctx.Err()
		case f, ok := <-c.provider.Results():
			if !ok {
				return errorsx.Wrap(fmt.Errorf("%w: provider stream closed", ErrSynthesisFailed), errorsx.ReasonTTSSynthesis)
			}
			done, err := c.handleFrame(f)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// Cancel aborts the in-flight utterance: the provider stops generating and
// everything pending on the sink is discarded.
func (c *Coordinator) Cancel() {
	c.provider.Flush()
	c.sink.Drain()
	c.seq.Reset("speak")
}

func (c *Coordinator) handleFrame(f frames.Frame) (bool, error) {
	switch v := f.(type) {
	case frames.AudioFrame:
		out := frames.NewAudioFrameFromPool(c.cfg.SessionID, c.seq.Next("speak"), v.RawPayload(), v.Rate(), v.Channels(), nil)
		frames.ReleaseAudioFrame(v)
		if err := c.sink.Enqueue(out); err != nil {
			return false, errorsx.Wrap(fmt.Errorf("%w: %v", ErrSynthesisFailed, err), errorsx.ReasonTTSSynthesis)
		}
		return false, nil
	case frames.ControlFrame:
		if v.Code() == frames.ControlAudioEnd {
			c.sink.Finish()
			return true, nil
		}
		return false, nil
	case frames.SystemFrame:
		if v.Name() == "synthesis_error" {
			return false, errorsx.Wrap(fmt.Errorf("%w: %s", ErrSynthesisFailed, v.Meta()[frames.MetaReason]), errorsx.ReasonTTSSynthesis)
		}
		return false, nil
	default:
		return false, nil
	}
}
