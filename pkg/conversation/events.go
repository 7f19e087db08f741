package conversation

import (
	"github.com/harunnryd/elara/pkg/chatlog"
	"github.com/harunnryd/elara/pkg/transport"
)

// EventSink receives everything a frontend needs to render the
// conversation. Callbacks run on the controller's goroutines and must not
// block.
type EventSink interface {
	// OnMessageChunk fires for each partial assistant reply update. The
	// message carries the whole reply so far.
	OnMessageChunk(m chatlog.Message)
	// OnMessageReceived fires once per completed assistant reply.
	OnMessageReceived(m chatlog.Message)
	// OnConnectionStatus fires on transport state changes.
	OnConnectionStatus(s transport.Status)
	// OnStateChanged fires on conversation phase transitions.
	OnStateChanged(change StateChange)
	// OnSTTStateChanged reports whether transcription is live.
	OnSTTStateChanged(enabled bool)
	// OnTTSStateChanged reports whether local synthesis is enabled.
	OnTTSStateChanged(enabled bool)
	// OnSTTInputText carries the transcript so far for display.
	OnSTTInputText(text string, final bool)
	// OnAutoSubmit fires when a final transcript is submitted on the
	// user's behalf.
	OnAutoSubmit(text string)
	// OnError reports recoverable failures.
	OnError(err error)
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) OnMessageChunk(chatlog.Message)      {}
func (NoopSink) OnMessageReceived(chatlog.Message)   {}
func (NoopSink) OnConnectionStatus(transport.Status) {}
func (NoopSink) OnStateChanged(StateChange)          {}
func (NoopSink) OnSTTStateChanged(bool)              {}
func (NoopSink) OnTTSStateChanged(bool)              {}
func (NoopSink) OnSTTInputText(string, bool)         {}
func (NoopSink) OnAutoSubmit(string)                 {}
func (NoopSink) OnError(error)                       {}

var _ EventSink = NoopSink{}
