package audio

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/elara/pkg/errorsx"
	"github.com/harunnryd/elara/pkg/frames"
)

type fakeDevice struct {
	mu     sync.Mutex
	writes [][]byte
	delay  time.Duration
}

func (d *fakeDevice) Start() error { return nil }
func (d *fakeDevice) Close() error { return nil }

func (d *fakeDevice) Write(p []byte) error {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	d.writes = append(d.writes, append([]byte(nil), p...))
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) snapshot() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.writes))
	copy(out, d.writes)
	return out
}

type queueEvents struct {
	complete chan struct{}
	pressure chan int
}

func newQueueEvents() *queueEvents {
	return &queueEvents{
		complete: make(chan struct{}, 4),
		pressure: make(chan int, 4),
	}
}

func (e *queueEvents) OnPlaybackComplete()    { e.complete <- struct{}{} }
func (e *queueEvents) OnBufferPressure(n int) { e.pressure <- n }

func chunk(seq uint64, b byte) frames.AudioFrame {
	return frames.NewAudioFrame("s1", seq, []byte{b, b}, 24000, 1, nil)
}

func TestQueuePlaysInOrderAndCompletes(t *testing.T) {
	dev := &fakeDevice{}
	ev := newQueueEvents()
	q := NewPlaybackQueue(dev, 8, 6, nil)
	q.SetListener(ev)
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Close()

	for i := uint64(1); i <= 3; i++ {
		if err := q.Enqueue(chunk(i, byte(i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	q.Finish()

	select {
	case <-ev.complete:
	case <-time.After(time.Second):
		t.Fatalf("playback never completed")
	}

	writes := dev.snapshot()
	if len(writes) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(writes))
	}
	for i, w := range writes {
		want := []byte{byte(i + 1), byte(i + 1)}
		if !bytes.Equal(w, want) {
			t.Fatalf("write %d = %v, want %v", i, w, want)
		}
	}
}

func TestQueueRejectsOutOfOrder(t *testing.T) {
	q := NewPlaybackQueue(&fakeDevice{}, 8, 6, nil)
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Close()

	q.Pause()
	if err := q.Enqueue(chunk(2, 1)); err != nil {
		t.Fatalf("enqueue seq 2: %v", err)
	}
	err := q.Enqueue(chunk(1, 2))
	if !errors.Is(err, ErrOutOfOrderChunk) {
		t.Fatalf("expected ErrOutOfOrderChunk, got %v", err)
	}
	if errorsx.Reason(err) != errorsx.ReasonOutOfOrderChunk {
		t.Fatalf("unexpected reason %q", errorsx.Reason(err))
	}
	if err := q.Enqueue(chunk(2, 3)); !errors.Is(err, ErrOutOfOrderChunk) {
		t.Fatalf("expected duplicate seq rejected, got %v", err)
	}
}

func TestQueueDrainDiscardsAndResetsSequence(t *testing.T) {
	dev := &fakeDevice{delay: 20 * time.Millisecond}
	ev := newQueueEvents()
	q := NewPlaybackQueue(dev, 16, 12, nil)
	q.SetListener(ev)
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Close()

	for i := uint64(1); i <= 6; i++ {
		if err := q.Enqueue(chunk(i, byte(i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	q.Drain()

	if !q.Idle() {
		t.Fatalf("expected idle queue after drain")
	}
	select {
	case <-ev.complete:
		t.Fatalf("drained stream must not signal completion")
	default:
	}

	// A fresh stream can start over at seq 1.
	if err := q.Enqueue(chunk(1, 9)); err != nil {
		t.Fatalf("enqueue after drain: %v", err)
	}
}

func TestQueueBufferPressureFiresOnce(t *testing.T) {
	ev := newQueueEvents()
	q := NewPlaybackQueue(&fakeDevice{}, 8, 3, nil)
	q.SetListener(ev)
	// No worker running so the buffer fills.
	q.Pause()

	for i := uint64(1); i <= 5; i++ {
		if err := q.Enqueue(chunk(i, byte(i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	select {
	case n := <-ev.pressure:
		if n < 3 {
			t.Fatalf("pressure below high water: %d", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("pressure never signalled")
	}
	select {
	case <-ev.pressure:
		t.Fatalf("pressure signalled twice while above high water")
	default:
	}
}
