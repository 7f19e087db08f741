package chatlog

import "sync"

// Assembler folds streamed reply chunks into the log. Chunks are cumulative:
// each one carries the entire reply text so far, so the trailing assistant
// message is replaced rather than appended to. Exactly one final message per
// reply ends up in the log.
type Assembler struct {
	log *Log

	mu          sync.Mutex
	open        bool
	interrupted bool
	onChunk     func(Message)
	onFinal     func(Message)
}

func NewAssembler(log *Log) *Assembler {
	if log == nil {
		log = NewLog()
	}
	return &Assembler{log: log}
}

// SetHandlers installs chunk and final callbacks. Call before use; callbacks
// run on the caller's goroutine.
func (a *Assembler) SetHandlers(onChunk, onFinal func(Message)) {
	a.mu.Lock()
	a.onChunk = onChunk
	a.onFinal = onFinal
	a.mu.Unlock()
}

// Log returns the underlying history.
func (a *Assembler) Log() *Log {
	return a.log
}

// OnChunk ingests one streamed reply chunk.
func (a *Assembler) OnChunk(text string, final bool) {
	m := NewMessage(RoleAssistant, text, final)
	a.log.ReplaceLast(m)
	stored, _ := a.log.Last()

	a.mu.Lock()
	a.open = !final
	if final {
		a.interrupted = false
	}
	onChunk, onFinal := a.onChunk, a.onFinal
	a.mu.Unlock()

	if final {
		if onFinal != nil {
			onFinal(stored)
		}
		return
	}
	if onChunk != nil {
		onChunk(stored)
	}
}

// AppendUser records a user submission.
func (a *Assembler) AppendUser(content string) Message {
	m := NewMessage(RoleUser, content, true)
	a.log.Append(m)
	return m
}

// Interrupt closes an in-flight reply early, keeping the partial text. It
// returns true when there was a partial reply; the next submission should
// then ask the server to continue it.
func (a *Assembler) Interrupt() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return false
	}
	a.open = false
	a.interrupted = true
	if last, ok := a.log.Last(); ok && last.Role == RoleAssistant && !last.Final {
		last.Final = true
		a.log.ReplaceLast(last)
	}
	return true
}

// ConsumeInterrupted reports whether the previous reply was cut short and
// clears the flag.
func (a *Assembler) ConsumeInterrupted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.interrupted
	a.interrupted = false
	return v
}

// Clear wipes the history and any interruption state.
func (a *Assembler) Clear() {
	a.log.Clear()
	a.mu.Lock()
	a.open = false
	a.interrupted = false
	a.mu.Unlock()
}
