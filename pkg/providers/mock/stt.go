package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/elara/pkg/frames"
	"github.com/harunnryd/elara/pkg/stt"
)

type STTConfig struct {
	SessionID         string
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	EmitUtteranceEnd  bool
	StartErr          error
}

// StreamingSTT fakes a transcription vendor: the first audio it receives
// triggers the configured transcript sequence.
type StreamingSTT struct {
	cfg     STTConfig
	out     chan frames.Frame
	mu      sync.Mutex
	started bool
	emitted bool
	seq     uint64
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if s.cfg.StartErr != nil {
		return s.cfg.StartErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *StreamingSTT) SendAudio(frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	if s.emitted {
		s.mu.Unlock()
		return nil
	}
	s.emitted = true
	s.mu.Unlock()

	if s.cfg.EmitInterim && s.cfg.InterimTranscript != "" {
		s.emit(frames.NewTextFrame(s.cfg.SessionID, s.nextSeq(), s.cfg.InterimTranscript, map[string]string{
			frames.MetaSource:  "stt",
			frames.MetaIsFinal: "false",
		}))
	}
	s.emit(frames.NewTextFrame(s.cfg.SessionID, s.nextSeq(), s.cfg.Transcript, map[string]string{
		frames.MetaSource:  "stt",
		frames.MetaIsFinal: "true",
	}))
	if s.cfg.EmitUtteranceEnd {
		s.emit(frames.NewControlFrame(s.cfg.SessionID, s.nextSeq(), frames.ControlFlush, map[string]string{
			frames.MetaSource: "stt",
			frames.MetaReason: "utterance_end",
		}))
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) emit(f frames.Frame) {
	select {
	case s.out <- f:
	default:
	}
}

func (s *StreamingSTT) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
