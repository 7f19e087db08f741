package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/elara/pkg/frames"
	"github.com/harunnryd/elara/pkg/tts"
)

type TTSConfig struct {
	SessionID  string
	SampleRate int
	Channels   int
	ChunkCount int
	ChunkBytes int
	StartErr   error
}

// StreamingTTS fakes a synthesis vendor: each SendText produces a run of
// silent chunks followed by an audio-end control frame.
type StreamingTTS struct {
	cfg     TTSConfig
	out     chan frames.Frame
	mu      sync.Mutex
	started bool
	seq     uint64
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.ChunkCount <= 0 {
		cfg.ChunkCount = 3
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 320
	}
	return &StreamingTTS{cfg: cfg, out: make(chan frames.Frame, 64)}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Start(ctx context.Context) error {
	if s.cfg.StartErr != nil {
		return s.cfg.StartErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *StreamingTTS) SendText(text string) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	s.mu.Unlock()
	if text == "" {
		return nil
	}

	for i := 0; i < s.cfg.ChunkCount; i++ {
		pcm := make([]byte, s.cfg.ChunkBytes)
		s.emit(frames.NewAudioFrame(s.cfg.SessionID, s.nextSeq(), pcm, s.cfg.SampleRate, s.cfg.Channels, nil))
	}
	s.emit(frames.NewControlFrame(s.cfg.SessionID, s.nextSeq(), frames.ControlAudioEnd, nil))
	return nil
}

func (s *StreamingTTS) Flush() {
drainLoop:
	for {
		select {
		case f := <-s.out:
			frames.ReleaseAudioFrame(f)
		default:
			break drainLoop
		}
	}
}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

func (s *StreamingTTS) emit(f frames.Frame) {
	select {
	case s.out <- f:
	default:
	}
}

func (s *StreamingTTS) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
