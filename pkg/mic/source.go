package mic

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// Source captures raw PCM from the microphone in fixed-size frames.
type Source interface {
	Start(ctx context.Context) error
	// Read fills p with captured PCM. Blocks until data is available or the
	// source stops.
	Read(p []byte) (int, error)
	Close() error
}

// CommandSource captures audio by spawning a capture process (ffmpeg on
// macOS, arecord on Linux) writing s16le PCM to stdout. A shell override
// replaces the default command entirely.
type CommandSource struct {
	SampleRate int
	Channels   int
	Override   string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
}

func NewCommandSource(sampleRate, channels int, override string) *CommandSource {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return &CommandSource{SampleRate: sampleRate, Channels: channels, Override: override}
}

func (s *CommandSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(s.Override) != "" {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-lc", s.Override)
	} else if runtime.GOOS == "darwin" {
		args := []string{
			"-hide_banner",
			"-loglevel", "error",
			"-f", "avfoundation",
			"-i", "none:0",
			"-ac", fmt.Sprintf("%d", s.Channels),
			"-ar", fmt.Sprintf("%d", s.SampleRate),
			"-f", "s16le",
			"-",
		}
		cmd = exec.CommandContext(ctx, "ffmpeg", args...)
	} else {
		args := []string{
			"-q",
			"-f", "S16_LE",
			"-c", fmt.Sprintf("%d", s.Channels),
			"-r", fmt.Sprintf("%d", s.SampleRate),
			"-t", "raw",
		}
		cmd = exec.CommandContext(ctx, "arecord", args...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		return err
	}
	s.cmd = cmd
	s.stdout = stdout
	s.reader = bufio.NewReaderSize(stdout, 64*1024)
	return nil
}

func (s *CommandSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	r := s.reader
	s.mu.Unlock()
	if r == nil {
		return 0, io.EOF
	}
	return r.Read(p)
}

func (s *CommandSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	err := s.cmd.Wait()
	s.cmd = nil
	s.stdout = nil
	s.reader = nil
	if err != nil && strings.Contains(err.Error(), "killed") {
		return nil
	}
	return err
}
