package audio

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/harunnryd/elara/pkg/errorsx"
	"github.com/harunnryd/elara/pkg/frames"
)

// ErrOutOfOrderChunk is returned when a chunk arrives with a sequence number
// at or below the last accepted one.
var ErrOutOfOrderChunk = errors.New("audio chunk out of order")

// ErrQueueClosed is returned after Close.
var ErrQueueClosed = errors.New("playback queue closed")

// Listener receives playback lifecycle notifications. Callbacks run outside
// the queue lock and must not block for long.
type Listener interface {
	OnPlaybackComplete()
	OnBufferPressure(queued int)
}

type noopListener struct{}

func (noopListener) OnPlaybackComplete()  {}
func (noopListener) OnBufferPressure(int) {}

// PlaybackQueue buffers ordered audio chunks and feeds them to an output
// device from a single worker. Enqueue blocks when the buffer is full.
// Playback of one stream ends either with an end-of-stream marker, which
// fires OnPlaybackComplete after the last chunk plays, or with Drain, which
// discards everything pending.
type PlaybackQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	buf       []frames.AudioFrame
	capacity  int
	highWater int
	lastSeq   uint64
	endMark   bool
	playing   bool
	paused    bool
	draining  bool
	closed    bool
	pressured bool

	device   OutputDevice
	listener Listener
	log      *slog.Logger
	workerWG sync.WaitGroup
}

func NewPlaybackQueue(device OutputDevice, capacity, highWater int, log *slog.Logger) *PlaybackQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if highWater <= 0 || highWater > capacity {
		highWater = capacity * 3 / 4
	}
	if log == nil {
		log = slog.Default()
	}
	q := &PlaybackQueue{
		capacity:  capacity,
		highWater: highWater,
		device:    device,
		listener:  noopListener{},
		log:       log,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetListener installs the lifecycle listener. Call before Start.
func (q *PlaybackQueue) SetListener(l Listener) {
	if l == nil {
		l = noopListener{}
	}
	q.mu.Lock()
	q.listener = l
	q.mu.Unlock()
}

// Start launches the playback worker.
func (q *PlaybackQueue) Start() error {
	if err := q.device.Start(); err != nil {
		return err
	}
	q.workerWG.Add(1)
	go q.worker()
	return nil
}

// Enqueue adds a chunk for playback. It blocks while the buffer is full and
// rejects chunks whose sequence does not advance past the last accepted one.
func (q *PlaybackQueue) Enqueue(f frames.AudioFrame) error {
	q.mu.Lock()
	for len(q.buf) >= q.capacity && !q.closed && !q.draining {
		q.cond.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.draining {
		q.mu.Unlock()
		frames.ReleaseAudioFrame(f)
		return nil
	}
	if f.Seq() <= q.lastSeq {
		q.mu.Unlock()
		frames.ReleaseAudioFrame(f)
		return errorsx.Wrap(ErrOutOfOrderChunk, errorsx.ReasonOutOfOrderChunk)
	}
	q.lastSeq = f.Seq()
	q.buf = append(q.buf, f)
	queued := len(q.buf)
	pressure := false
	if queued >= q.highWater && !q.pressured {
		q.pressured = true
		pressure = true
	} else if queued < q.highWater {
		q.pressured = false
	}
	l := q.listener
	q.cond.Broadcast()
	q.mu.Unlock()

	if pressure {
		l.OnBufferPressure(queued)
	}
	return nil
}

// Finish marks the end of the current stream. OnPlaybackComplete fires after
// every queued chunk has played.
func (q *PlaybackQueue) Finish() {
	q.mu.Lock()
	q.endMark = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Pause stops pulling chunks from the buffer. Already queued audio stays.
func (q *PlaybackQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume continues playback after Pause.
func (q *PlaybackQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Drain discards all pending audio and blocks until the worker is idle. The
// sequence counter resets so a new stream can start over. No completion
// notification fires for a drained stream.
func (q *PlaybackQueue) Drain() {
	q.mu.Lock()
	q.draining = true
	for _, f := range q.buf {
		frames.ReleaseAudioFrame(f)
	}
	q.buf = nil
	q.endMark = false
	q.cond.Broadcast()
	for q.playing {
		q.cond.Wait()
	}
	q.lastSeq = 0
	q.draining = false
	q.pressured = false
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of queued chunks.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Idle reports whether nothing is queued or playing.
func (q *PlaybackQueue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) == 0 && !q.playing && !q.endMark
}

// Close stops the worker and closes the device.
func (q *PlaybackQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, f := range q.buf {
		frames.ReleaseAudioFrame(f)
	}
	q.buf = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	q.workerWG.Wait()
	return q.device.Close()
}

func (q *PlaybackQueue) worker() {
	defer q.workerWG.Done()
	for {
		q.mu.Lock()
		for !q.closed && (q.paused || (len(q.buf) == 0 && !q.endMark)) {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.buf) == 0 && q.endMark {
			q.endMark = false
			q.lastSeq = 0
			q.pressured = false
			l := q.listener
			q.cond.Broadcast()
			q.mu.Unlock()
			l.OnPlaybackComplete()
			continue
		}
		f := q.buf[0]
		q.buf = q.buf[1:]
		q.playing = true
		q.cond.Broadcast()
		q.mu.Unlock()

		if err := q.device.Write(f.RawPayload()); err != nil {
			q.log.Error("playback write failed", "seq", f.Seq(), "error", err)
		}
		frames.ReleaseAudioFrame(f)

		q.mu.Lock()
		q.playing = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}
