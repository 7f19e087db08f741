package audio

import (
	"fmt"
	"os"
)

// PlayFile plays a raw PCM file through a one-shot output device, bypassing
// the playback queue so cue sounds never disturb response chunk ordering.
func PlayFile(path string, sampleRate, channels int, override string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read cue: %w", err)
	}
	dev := NewCommandDevice(sampleRate, channels, override)
	if err := dev.Start(); err != nil {
		return err
	}
	defer dev.Close()
	return dev.Write(data)
}
