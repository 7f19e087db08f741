package audio

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// OutputDevice plays raw s16le PCM.
type OutputDevice interface {
	Start() error
	Write(p []byte) error
	Close() error
}

// CommandDevice plays audio through a child process reading PCM on stdin
// (ffplay on macOS, aplay on Linux). A shell override replaces the default
// command entirely.
type CommandDevice struct {
	SampleRate int
	Channels   int
	Override   string

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func NewCommandDevice(sampleRate, channels int, override string) *CommandDevice {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if channels <= 0 {
		channels = 1
	}
	return &CommandDevice{SampleRate: sampleRate, Channels: channels, Override: override}
}

func (d *CommandDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return nil
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(d.Override) != "" {
		cmd = exec.Command("/bin/sh", "-lc", d.Override)
	} else if runtime.GOOS == "darwin" {
		chLayout := "mono"
		if d.Channels == 2 {
			chLayout = "stereo"
		}
		// ffplay does not accept ffmpeg-style `-ac`; use `-ch_layout`.
		cmd = exec.Command("ffplay",
			"-hide_banner",
			"-loglevel", "error",
			"-nostats",
			"-nodisp",
			"-f", "s16le",
			"-ch_layout", chLayout,
			"-ar", fmt.Sprintf("%d", d.SampleRate),
			"-i", "-",
		)
	} else {
		cmd = exec.Command("aplay",
			"-q",
			"-f", "S16_LE",
			"-c", fmt.Sprintf("%d", d.Channels),
			"-r", fmt.Sprintf("%d", d.SampleRate),
			"-t", "raw",
		)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return err
	}
	d.cmd = cmd
	d.stdin = stdin
	return nil
}

func (d *CommandDevice) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	d.mu.Lock()
	stdin := d.stdin
	d.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("output device is not running")
	}
	_, err := stdin.Write(p)
	return err
}

func (d *CommandDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd == nil {
		return nil
	}
	if d.stdin != nil {
		_ = d.stdin.Close()
	}
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	_ = d.cmd.Wait()
	d.cmd = nil
	d.stdin = nil
	return nil
}
