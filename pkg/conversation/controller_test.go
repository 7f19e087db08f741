package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/elara/pkg/chatlog"
	"github.com/harunnryd/elara/pkg/frames"
	"github.com/harunnryd/elara/pkg/stt"
	"github.com/harunnryd/elara/pkg/tasks"
	"github.com/harunnryd/elara/pkg/transport"
)

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

type chatCall struct {
	messages []transport.ChatMessage
	cont     bool
}

type fakeBackend struct {
	recv chan frames.Frame

	mu       sync.Mutex
	chats    []chatCall
	complete int
	sendErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{recv: make(chan frames.Frame, 32)}
}

func (b *fakeBackend) Recv() <-chan frames.Frame { return b.recv }

func (b *fakeBackend) SendChat(messages []transport.ChatMessage, cont bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.chats = append(b.chats, chatCall{
		messages: append([]transport.ChatMessage(nil), messages...),
		cont:     cont,
	})
	return nil
}

func (b *fakeBackend) SendPlaybackComplete() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.complete++
	return nil
}

func (b *fakeBackend) Status() transport.Status {
	return transport.Status{State: transport.StateConnected}
}

func (b *fakeBackend) chatCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chats)
}

func (b *fakeBackend) lastChat() chatCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chats[len(b.chats)-1]
}

func (b *fakeBackend) completeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete
}

type fakeQueue struct {
	mu       sync.Mutex
	pending  int
	enqueued int
	finishes int
	drains   int
}

func (q *fakeQueue) Enqueue(frames.AudioFrame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending++
	q.enqueued++
	return nil
}

func (q *fakeQueue) Finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finishes++
	q.pending = 0
}

func (q *fakeQueue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drains++
	q.pending = 0
}

func (q *fakeQueue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending == 0
}

func (q *fakeQueue) counts() (enqueued, finishes, drains int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueued, q.finishes, q.drains
}

type fakeSpeaker struct {
	mu      sync.Mutex
	started bool
	spoken  []string
	cancels int
	block   chan struct{}
}

func (s *fakeSpeaker) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *fakeSpeaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
		}
	}
	return nil
}

func (s *fakeSpeaker) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
}

func (s *fakeSpeaker) Close() error { return nil }

func (s *fakeSpeaker) spokenTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

func (s *fakeSpeaker) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

type fakeTranscriber struct {
	mu       sync.Mutex
	running  bool
	paused   bool
	startErr error
	stops    int
	events   chan stt.Event
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{events: make(chan stt.Event, 8)}
}

func (f *fakeTranscriber) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	f.paused = false
	return nil
}

func (f *fakeTranscriber) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
}

func (f *fakeTranscriber) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeTranscriber) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

func (f *fakeTranscriber) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTranscriber) Events() <-chan stt.Event { return f.events }

func (f *fakeTranscriber) isPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

type fakeWake struct {
	mu      sync.Mutex
	pauses  int
	resumes int
}

func (w *fakeWake) Start(context.Context) error { return nil }
func (w *fakeWake) Stop()                       {}

func (w *fakeWake) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pauses++
}

func (w *fakeWake) Resume() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resumes++
	return nil
}

func (w *fakeWake) counts() (pauses, resumes int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pauses, w.resumes
}

type recordingSink struct {
	NoopSink

	mu     sync.Mutex
	finals []chatlog.Message
	errs   []error
}

func (s *recordingSink) OnMessageReceived(m chatlog.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finals = append(s.finals, m)
}

func (s *recordingSink) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) finalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finals)
}

func (s *recordingSink) lastFinal() chatlog.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finals[len(s.finals)-1]
}

func (s *recordingSink) errCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

type fixture struct {
	backend *fakeBackend
	queue   *fakeQueue
	stt     *fakeTranscriber
	speaker *fakeSpeaker
	wake    *fakeWake
	sink    *recordingSink
	ctrl    *Controller
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		backend: newFakeBackend(),
		queue:   &fakeQueue{},
		stt:     newFakeTranscriber(),
		speaker: &fakeSpeaker{},
		wake:    &fakeWake{},
		sink:    &recordingSink{},
	}
	if opts.SessionID == "" {
		opts.SessionID = "test-session"
	}
	f.ctrl = NewController(Deps{
		Backend:  f.backend,
		Queue:    f.queue,
		Registry: tasks.NewRegistry(context.Background(), nil),
		STT:      f.stt,
		TTS:      f.speaker,
		Wake:     f.wake,
		Sink:     f.sink,
	}, opts)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start controller: %v", err)
	}
	t.Cleanup(f.ctrl.Close)
	return f
}

func (f *fixture) textChunk(seq uint64, text string, final bool) {
	meta := map[string]string{frames.MetaIsFinal: "false"}
	if final {
		meta[frames.MetaIsFinal] = "true"
	}
	f.backend.recv <- frames.NewTextFrame("s1", seq, text, meta)
}

func TestVoiceTurnFlow(t *testing.T) {
	f := newFixture(t, Options{AutoSubmit: true})
	f.stt.Start(context.Background())

	f.stt.events <- stt.Event{Text: "hello there", Final: true}
	waitFor(t, "chat sent", func() bool { return f.backend.chatCount() == 1 })

	call := f.backend.lastChat()
	if call.cont {
		t.Fatalf("first submission should not ask for continuation")
	}
	last := call.messages[len(call.messages)-1]
	if last.Role != "user" || last.Content != "hello there" {
		t.Fatalf("unexpected submission: %+v", last)
	}
	if f.ctrl.State() != StateAwaitingReply {
		t.Fatalf("expected awaiting_reply, got %s", f.ctrl.State())
	}

	f.textChunk(1, "Hi", false)
	f.textChunk(2, "Hi there.", true)
	waitFor(t, "final reply", func() bool { return f.sink.finalCount() == 1 })
	if got := f.sink.lastFinal().Content; got != "Hi there." {
		t.Fatalf("unexpected reply text %q", got)
	}

	f.backend.recv <- frames.NewAudioFrame("s1", 1, []byte{0, 0}, 24000, 1, nil)
	waitFor(t, "audio enqueued", func() bool {
		enq, _, _ := f.queue.counts()
		return enq == 1
	})
	waitFor(t, "speaking state", func() bool { return f.ctrl.State() == StateSpeaking })
	if !f.stt.isPaused() {
		t.Fatalf("transcription should pause while audio plays")
	}

	f.backend.recv <- frames.NewControlFrame("s1", 2, frames.ControlAudioEnd, nil)
	waitFor(t, "queue finished", func() bool {
		_, fin, _ := f.queue.counts()
		return fin == 1
	})

	f.ctrl.OnPlaybackComplete()
	waitFor(t, "playback complete sent", func() bool { return f.backend.completeCount() == 1 })
	waitFor(t, "back to listening", func() bool { return f.ctrl.State() == StateListening })
	if f.stt.isPaused() {
		t.Fatalf("transcription should resume after playback")
	}
}

func TestTextOnlyReplyFinishesTurn(t *testing.T) {
	f := newFixture(t, Options{})
	f.stt.Start(context.Background())

	if err := f.ctrl.SendMessage("hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if f.ctrl.State() != StateAwaitingReply {
		t.Fatalf("expected awaiting_reply, got %s", f.ctrl.State())
	}

	f.textChunk(1, "Hello.", true)
	waitFor(t, "turn finished", func() bool { return f.ctrl.State() == StateListening })
}

func TestSendFailureDegradesToIdle(t *testing.T) {
	f := newFixture(t, Options{})
	f.backend.sendErr = transport.ErrNotConnected

	if err := f.ctrl.SendMessage("hi"); err == nil {
		t.Fatalf("expected send error")
	}
	if f.ctrl.State() != StateIdle {
		t.Fatalf("expected idle after send failure, got %s", f.ctrl.State())
	}
	if f.sink.errCount() == 0 {
		t.Fatalf("sink should see the failure")
	}
}

func TestBargeInAsksForContinuation(t *testing.T) {
	f := newFixture(t, Options{})

	f.textChunk(1, "Let me explain", false)
	waitFor(t, "partial reply", func() bool { return len(f.ctrl.History()) == 1 })

	if err := f.ctrl.SendMessage("actually, stop"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if f.backend.chatCount() != 1 {
		t.Fatalf("expected one chat call, got %d", f.backend.chatCount())
	}
	call := f.backend.lastChat()
	if !call.cont {
		t.Fatalf("barge-in should ask the server to continue the reply")
	}
	_, _, drains := f.queue.counts()
	if drains == 0 {
		t.Fatalf("pending audio should be drained on barge-in")
	}
	if f.speaker.cancelCount() == 0 {
		t.Fatalf("local synthesis should be cancelled on barge-in")
	}

	history := f.ctrl.History()
	if len(history) != 2 {
		t.Fatalf("expected partial reply plus user message, got %d entries", len(history))
	}
	if history[0].Role != chatlog.RoleAssistant || !history[0].Final {
		t.Fatalf("interrupted reply should be kept and finalized: %+v", history[0])
	}
	if history[1].Content != "actually, stop" {
		t.Fatalf("unexpected user entry: %+v", history[1])
	}
}

func TestLocalSynthesisSpeaksReply(t *testing.T) {
	f := newFixture(t, Options{LocalTTS: true})
	f.stt.Start(context.Background())
	f.speaker.block = make(chan struct{})

	if err := f.ctrl.SendMessage("hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.textChunk(1, "Good morning.", true)
	waitFor(t, "speaker invoked", func() bool { return len(f.speaker.spokenTexts()) == 1 })
	if got := f.speaker.spokenTexts()[0]; got != "Good morning." {
		t.Fatalf("unexpected spoken text %q", got)
	}

	waitFor(t, "speaking state", func() bool { return f.ctrl.State() == StateSpeaking })
	if !f.stt.isPaused() {
		t.Fatalf("transcription should pause while the assistant speaks")
	}

	close(f.speaker.block)
	f.ctrl.OnPlaybackComplete()
	waitFor(t, "back to listening", func() bool { return f.ctrl.State() == StateListening })
	if f.stt.isPaused() {
		t.Fatalf("transcription should resume after playback")
	}
}

func TestStopAllIsSynchronousAndIdempotent(t *testing.T) {
	f := newFixture(t, Options{LocalTTS: true})
	f.stt.Start(context.Background())
	f.speaker.block = make(chan struct{})

	f.textChunk(1, "A very long story.", true)
	waitFor(t, "speak task live", func() bool { return f.ctrl.registry.Running(speakTask) })

	f.ctrl.StopAll()
	if f.ctrl.registry.Len() != 0 {
		t.Fatalf("tasks still live after stop: %d", f.ctrl.registry.Len())
	}
	if f.ctrl.State() != StateIdle {
		t.Fatalf("expected idle after stop, got %s", f.ctrl.State())
	}
	if f.stt.Running() {
		t.Fatalf("transcription still running after stop")
	}
	_, _, drains := f.queue.counts()
	if drains == 0 {
		t.Fatalf("queue not drained on stop")
	}
	_, resumes := f.wake.counts()
	if resumes == 0 {
		t.Fatalf("wake word listener not resumed on stop")
	}

	f.ctrl.StopAll()
	if f.ctrl.State() != StateIdle {
		t.Fatalf("second stop changed state to %s", f.ctrl.State())
	}
}

func TestToggleSTT(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.ctrl.ToggleSTT(); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if !f.stt.Running() {
		t.Fatalf("transcription not started")
	}
	if f.ctrl.State() != StateListening {
		t.Fatalf("expected listening, got %s", f.ctrl.State())
	}
	pauses, _ := f.wake.counts()
	if pauses != 1 {
		t.Fatalf("wake word listener should pause, pauses=%d", pauses)
	}

	if err := f.ctrl.ToggleSTT(); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if f.stt.Running() {
		t.Fatalf("transcription still running")
	}
	if f.ctrl.State() != StateIdle {
		t.Fatalf("expected idle, got %s", f.ctrl.State())
	}
	_, resumes := f.wake.counts()
	if resumes == 0 {
		t.Fatalf("wake word listener should resume")
	}
}

func TestToggleSTTUnavailableReturnsToIdle(t *testing.T) {
	f := newFixture(t, Options{})
	f.stt.startErr = stt.ErrUnavailable

	if err := f.ctrl.ToggleSTT(); err == nil {
		t.Fatalf("expected start failure")
	}
	if f.ctrl.State() != StateIdle {
		t.Fatalf("expected idle, got %s", f.ctrl.State())
	}
	pauses, resumes := f.wake.counts()
	if pauses != 1 || resumes == 0 {
		t.Fatalf("wake word listener should pause then resume, pauses=%d resumes=%d", pauses, resumes)
	}
}
