package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/elara/pkg/metrics"
)

// TurnLatencyObserver correlates the events of one conversational turn and
// logs the end-to-end breakdown once the assistant finishes speaking.
//
// Events are keyed by session_id and arrive in this order on a healthy turn:
// stt_final, chat_sent, first_chunk, first_audio, playback_complete.
type TurnLatencyObserver struct {
	mu    sync.Mutex
	turns map[string]*turnTrace
	log   *slog.Logger
}

type turnTrace struct {
	sttFinal   time.Time
	chatSent   time.Time
	firstChunk time.Time
	firstAudio time.Time
	done       time.Time
	turnID     string
}

func NewTurnLatencyObserver(log *slog.Logger) *TurnLatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &TurnLatencyObserver{
		turns: make(map[string]*turnTrace),
		log:   log,
	}
}

func (o *TurnLatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ""
	if ev.Tags != nil {
		sessionID = ev.Tags["session_id"]
	}
	if sessionID == "" {
		return
	}
	switch ev.Name {
	case "stt_final", "chat_sent", "first_chunk", "first_audio", "playback_complete":
	default:
		return
	}
	o.mu.Lock()
	t := o.turns[sessionID]
	if t == nil {
		t = &turnTrace{}
		o.turns[sessionID] = t
	}
	switch ev.Name {
	case "stt_final":
		if t.sttFinal.IsZero() {
			t.sttFinal = ev.Time
		}
		if t.turnID == "" && ev.Tags != nil {
			t.turnID = ev.Tags["turn_id"]
		}
	case "chat_sent":
		if t.chatSent.IsZero() {
			t.chatSent = ev.Time
		}
	case "first_chunk":
		if t.firstChunk.IsZero() {
			t.firstChunk = ev.Time
		}
	case "first_audio":
		if t.firstAudio.IsZero() {
			t.firstAudio = ev.Time
		}
	case "playback_complete":
		t.done = ev.Time
	}
	if !t.done.IsZero() {
		o.logTurnLocked(sessionID, t)
		delete(o.turns, sessionID)
	}
	o.mu.Unlock()
}

func (o *TurnLatencyObserver) logTurnLocked(sessionID string, t *turnTrace) {
	o.log.Info("turn latency",
		"session_id", sessionID,
		"turn_id", t.turnID,
		"send_ms", durationMs(t.sttFinal, t.chatSent),
		"first_chunk_ms", durationMs(t.chatSent, t.firstChunk),
		"first_audio_ms", durationMs(t.chatSent, t.firstAudio),
		"turn_ms", durationMs(t.sttFinal, t.done),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
