package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/elara/pkg/chatlog"
	"github.com/harunnryd/elara/pkg/frames"
	"github.com/harunnryd/elara/pkg/metrics"
	"github.com/harunnryd/elara/pkg/redact"
	"github.com/harunnryd/elara/pkg/stt"
	"github.com/harunnryd/elara/pkg/tasks"
	"github.com/harunnryd/elara/pkg/transport"
)

const speakTask = "speak"

// Backend is the server connection the controller talks through.
type Backend interface {
	Recv() <-chan frames.Frame
	SendChat(messages []transport.ChatMessage, continueResponse bool) error
	SendPlaybackComplete() error
	Status() transport.Status
}

// Playback is the ordered audio sink for response audio.
type Playback interface {
	Enqueue(f frames.AudioFrame) error
	Finish()
	Drain()
	Idle() bool
}

// Speaker synthesizes reply text locally.
type Speaker interface {
	Start(ctx context.Context) error
	Speak(ctx context.Context, text string) error
	Cancel()
	Close() error
}

// Transcriber is a live speech-to-text session.
type Transcriber interface {
	Start(ctx context.Context) error
	Stop()
	Pause()
	Resume()
	Running() bool
	Events() <-chan stt.Event
}

// WakeListener detects the wake phrases while the conversation is idle.
type WakeListener interface {
	Start(ctx context.Context) error
	Stop()
	Pause()
	Resume() error
}

// Deps are the controller's collaborators. STT, TTS and Wake are optional.
type Deps struct {
	Backend   Backend
	Queue     Playback
	Registry  *tasks.Registry
	Assembler *chatlog.Assembler
	STT       Transcriber
	TTS       Speaker
	Wake      WakeListener
	Sink      EventSink
	Observer  metrics.Observer
	Log       *slog.Logger
}

type Options struct {
	SessionID  string
	AutoSubmit bool
	LocalTTS   bool
}

// Controller drives one conversation: it routes server frames into the
// message log and the playback queue, feeds transcription results back as
// submissions, and keeps the phase machine honest. All public methods are
// safe for concurrent use.
type Controller struct {
	backend   Backend
	queue     Playback
	registry  *tasks.Registry
	assembler *chatlog.Assembler
	stt       Transcriber
	tts       Speaker
	wake      WakeListener
	sink      EventSink
	obs       metrics.Observer
	fsm       *stateMachine
	log       *slog.Logger
	opts      Options

	mu         sync.Mutex
	ttsEnabled bool
	firstAudio bool
	firstChunk bool

	playbackDone chan struct{}
	turnFailed   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(deps Deps, opts Options) *Controller {
	if deps.Sink == nil {
		deps.Sink = NoopSink{}
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Assembler == nil {
		deps.Assembler = chatlog.NewAssembler(nil)
	}
	c := &Controller{
		backend:      deps.Backend,
		queue:        deps.Queue,
		registry:     deps.Registry,
		assembler:    deps.Assembler,
		stt:          deps.STT,
		tts:          deps.TTS,
		wake:         deps.Wake,
		sink:         deps.Sink,
		obs:          deps.Observer,
		log:          deps.Log,
		opts:         opts,
		ttsEnabled:   opts.LocalTTS,
		playbackDone: make(chan struct{}, 4),
		turnFailed:   make(chan struct{}, 4),
	}
	c.fsm = newStateMachine(func(change StateChange) {
		c.sink.OnStateChanged(change)
	})
	c.assembler.SetHandlers(c.onReplyChunk, c.onReplyFinal)
	return c
}

// State returns the current conversation phase.
func (c *Controller) State() State {
	return c.fsm.State()
}

// Start launches the event loop and optional collaborators.
func (c *Controller) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.tts != nil && c.ttsEnabled {
		if err := c.tts.Start(c.ctx); err != nil {
			c.log.Warn("local synthesis unavailable", "error", err)
			c.sink.OnError(err)
			c.mu.Lock()
			c.ttsEnabled = false
			c.mu.Unlock()
		}
	}
	if c.wake != nil {
		if err := c.wake.Start(c.ctx); err != nil {
			c.log.Warn("wake word listener unavailable", "error", err)
			c.sink.OnError(err)
		}
	}

	c.wg.Add(1)
	go c.loop(c.ctx)
	return nil
}

// Close tears everything down.
func (c *Controller) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.registry.CancelAll()
	if c.stt != nil && c.stt.Running() {
		c.stt.Stop()
	}
	if c.wake != nil {
		c.wake.Stop()
	}
	if c.tts != nil {
		_ = c.tts.Close()
	}
	c.wg.Wait()
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()

	var sttEvents <-chan stt.Event
	if c.stt != nil {
		sttEvents = c.stt.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-c.backend.Recv():
			if !ok {
				return
			}
			c.handleFrame(f)
		case ev := <-sttEvents:
			c.handleTranscript(ev)
		case <-c.playbackDone:
			c.handlePlaybackComplete()
		case <-c.turnFailed:
			c.finishTurn("turn failed")
		}
	}
}

func (c *Controller) handleFrame(f frames.Frame) {
	switch v := f.(type) {
	case frames.AudioFrame:
		c.onResponseAudio(v)
	case frames.TextFrame:
		c.assembler.OnChunk(v.Text(), v.IsFinal())
	case frames.ControlFrame:
		if v.Code() == frames.ControlAudioEnd {
			c.queue.Finish()
		}
	case frames.SystemFrame:
		c.onSystemFrame(v)
	}
}

func (c *Controller) onResponseAudio(v frames.AudioFrame) {
	c.mu.Lock()
	first := !c.firstAudio
	c.firstAudio = true
	c.mu.Unlock()

	if first {
		c.record("first_audio")
		if c.stt != nil && c.stt.Running() {
			c.stt.Pause()
		}
		if err := c.fsm.Transition(StateSpeaking, "first audio chunk"); err != nil {
			c.log.Debug("unexpected audio", "state", c.fsm.State())
		}
	}
	if err := c.queue.Enqueue(v); err != nil {
		c.log.Warn("audio chunk rejected", "seq", v.Seq(), "error", err)
	}
}

func (c *Controller) onSystemFrame(v frames.SystemFrame) {
	switch v.Name() {
	case "connected", "disconnected":
		c.record("transport_" + v.Name())
		c.sink.OnConnectionStatus(c.backend.Status())
		if v.Name() == "disconnected" {
			switch c.fsm.State() {
			case StateSending, StateAwaitingReply, StateSpeaking:
				c.registry.CancelAll()
				c.queue.Drain()
				c.finishTurn("connection lost")
			}
		}
	case "server_error":
		c.sink.OnError(errors.New(v.Meta()[frames.MetaReason]))
	}
}

func (c *Controller) onReplyChunk(m chatlog.Message) {
	c.mu.Lock()
	first := !c.firstChunk
	c.firstChunk = true
	c.mu.Unlock()
	if first {
		c.record("first_chunk")
	}
	c.sink.OnMessageChunk(m)
}

func (c *Controller) onReplyFinal(m chatlog.Message) {
	c.mu.Lock()
	first := !c.firstChunk
	c.firstChunk = true
	ttsOn := c.ttsEnabled && c.tts != nil
	c.mu.Unlock()
	if first {
		c.record("first_chunk")
	}
	c.sink.OnMessageReceived(m)

	if ttsOn {
		// Local synthesis bypasses the server audio path, so the speaking
		// transition and the mic pause happen here instead of onResponseAudio.
		if c.stt != nil && c.stt.Running() {
			c.stt.Pause()
		}
		if err := c.fsm.Transition(StateSpeaking, "local synthesis"); err != nil {
			c.log.Debug("unexpected synthesis start", "state", c.fsm.State())
		}
		text := m.Content
		_, err := c.registry.Start(speakTask, func(ctx context.Context) error {
			err := c.tts.Speak(ctx, text)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				c.sink.OnError(err)
				c.notifyTurnFailed()
			}
			return err
		})
		if err != nil {
			c.log.Warn("speak task rejected", "error", err)
		}
		return
	}

	// Text-only reply: the turn is over unless server audio is in flight.
	if c.fsm.State() == StateAwaitingReply && c.queue.Idle() {
		c.finishTurn("reply complete")
	}
}

func (c *Controller) handleTranscript(ev stt.Event) {
	c.sink.OnSTTInputText(ev.Text, ev.Final)
	if !ev.Final {
		return
	}
	c.record("stt_final")
	if c.opts.AutoSubmit {
		c.sink.OnAutoSubmit(ev.Text)
		if err := c.SendMessage(ev.Text); err != nil {
			c.log.Warn("auto submit failed", "error", err)
		}
	}
}

// OnPlaybackComplete implements the playback queue listener.
func (c *Controller) OnPlaybackComplete() {
	select {
	case c.playbackDone <- struct{}{}:
	default:
	}
}

// OnBufferPressure implements the playback queue listener.
func (c *Controller) OnBufferPressure(queued int) {
	c.log.Debug("playback buffer pressure", "queued", queued)
}

func (c *Controller) notifyTurnFailed() {
	select {
	case c.turnFailed <- struct{}{}:
	default:
	}
}

func (c *Controller) handlePlaybackComplete() {
	c.record("playback_complete")
	if err := c.backend.SendPlaybackComplete(); err != nil {
		if !errors.Is(err, transport.ErrNotConnected) {
			c.log.Warn("playback complete notify failed", "error", err)
		}
	}
	c.finishTurn("playback complete")
}

func (c *Controller) finishTurn(reason string) {
	c.mu.Lock()
	c.firstAudio = false
	c.firstChunk = false
	c.mu.Unlock()

	if c.stt != nil && c.stt.Running() {
		c.stt.Resume()
		_ = c.fsm.Transition(StateListening, reason)
		return
	}
	_ = c.fsm.Transition(StateIdle, reason)
}

// SendMessage submits user text, interrupting any reply still playing. The
// submission carries the whole history; when it cuts off a streaming reply
// the server is asked to continue that reply instead of restarting.
func (c *Controller) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	c.interruptReply()
	c.assembler.AppendUser(text)
	cont := c.assembler.ConsumeInterrupted()

	if err := c.fsm.Transition(StateSending, "user message"); err != nil {
		c.log.Debug("send from unexpected state", "state", c.fsm.State())
	}
	c.log.Info("sending message", "text", redact.Clip(redact.Text(text)), "continue", cont)

	if err := c.backend.SendChat(c.history(), cont); err != nil {
		c.sink.OnError(err)
		c.finishTurn("send failed")
		return err
	}
	c.record("chat_sent")
	_ = c.fsm.Transition(StateAwaitingReply, "message sent")
	return nil
}

// interruptReply stops an in-flight reply: local synthesis is cancelled and
// pending audio discarded, keeping whatever text already arrived.
func (c *Controller) interruptReply() {
	interrupted := c.assembler.Interrupt()
	if err := c.registry.Cancel(speakTask); err != nil && !errors.Is(err, tasks.ErrNotFound) {
		c.log.Warn("cancel speak task", "error", err)
	}
	if c.tts != nil {
		c.tts.Cancel()
	}
	c.queue.Drain()
	if interrupted {
		c.log.Info("reply interrupted")
	}
	c.mu.Lock()
	c.firstAudio = false
	c.firstChunk = false
	c.mu.Unlock()
}

// ToggleSTT starts or stops transcription. Starting takes the microphone
// from the wake word listener; failures degrade back to Idle.
func (c *Controller) ToggleSTT() error {
	if c.stt == nil {
		return errors.New("transcription not configured")
	}
	if c.stt.Running() {
		c.stt.Stop()
		c.sink.OnSTTStateChanged(false)
		if c.fsm.State() == StateListening {
			_ = c.fsm.Transition(StateIdle, "transcription off")
		}
		c.resumeWake()
		return nil
	}

	if c.wake != nil {
		c.wake.Pause()
	}
	if err := c.stt.Start(c.ctx); err != nil {
		c.sink.OnError(err)
		c.resumeWake()
		_ = c.fsm.Transition(StateIdle, "transcription unavailable")
		return err
	}
	c.sink.OnSTTStateChanged(true)
	_ = c.fsm.Transition(StateListening, "transcription on")
	return nil
}

// ToggleTTS flips local synthesis. Disabling it mid-reply cuts the audio.
func (c *Controller) ToggleTTS() error {
	if c.tts == nil {
		return errors.New("synthesis not configured")
	}
	c.mu.Lock()
	enable := !c.ttsEnabled
	c.mu.Unlock()

	if enable {
		if err := c.tts.Start(c.ctx); err != nil {
			c.sink.OnError(err)
			return err
		}
	} else {
		if err := c.registry.Cancel(speakTask); err != nil && !errors.Is(err, tasks.ErrNotFound) {
			c.log.Warn("cancel speak task", "error", err)
		}
		c.tts.Cancel()
		c.queue.Drain()
		if c.fsm.State() == StateSpeaking {
			c.finishTurn("synthesis off")
		}
	}

	c.mu.Lock()
	c.ttsEnabled = enable
	c.mu.Unlock()
	c.sink.OnTTSStateChanged(enable)
	return nil
}

// StopAll halts everything in flight and returns once the system is idle:
// no tasks, no queued audio, no live transcription. Safe to call repeatedly.
func (c *Controller) StopAll() {
	c.record("stop_all")
	c.registry.CancelAll()
	if c.tts != nil {
		c.tts.Cancel()
	}
	c.queue.Drain()
	c.assembler.Interrupt()
	if c.stt != nil && c.stt.Running() {
		c.stt.Stop()
		c.sink.OnSTTStateChanged(false)
	}
	c.mu.Lock()
	c.firstAudio = false
	c.firstChunk = false
	c.mu.Unlock()
	_ = c.fsm.Transition(StateIdle, "stop all")
	c.resumeWake()
}

// ClearChat wipes the conversation history.
func (c *Controller) ClearChat() {
	c.StopAll()
	c.assembler.Clear()
}

// History returns a copy of the conversation so far.
func (c *Controller) History() []chatlog.Message {
	return c.assembler.Log().Snapshot()
}

func (c *Controller) resumeWake() {
	if c.wake == nil {
		return
	}
	if err := c.wake.Resume(); err != nil {
		c.log.Warn("wake word resume failed", "error", err)
	}
}

func (c *Controller) history() []transport.ChatMessage {
	msgs := c.assembler.Log().Snapshot()
	out := make([]transport.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, transport.ChatMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return out
}

func (c *Controller) record(name string) {
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{"session_id": c.opts.SessionID},
	})
}
