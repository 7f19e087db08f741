package chatlog

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Final     bool
	CreatedAt time.Time
}

func NewMessage(role Role, content string, final bool) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Final:     final,
		CreatedAt: time.Now(),
	}
}

// Log holds the ordered conversation history. All reads return copies.
type Log struct {
	mu       sync.Mutex
	messages []Message
}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Append(m Message) {
	l.mu.Lock()
	l.messages = append(l.messages, m)
	l.mu.Unlock()
}

// ReplaceLast swaps the trailing message when it matches role, otherwise
// appends. Used for streamed replies where each chunk carries the whole text
// so far.
func (l *Log) ReplaceLast(m Message) {
	l.mu.Lock()
	if n := len(l.messages); n > 0 && l.messages[n-1].Role == m.Role && !l.messages[n-1].Final {
		m.ID = l.messages[n-1].ID
		m.CreatedAt = l.messages[n-1].CreatedAt
		l.messages[n-1] = m
	} else {
		l.messages = append(l.messages, m)
	}
	l.mu.Unlock()
}

// Snapshot returns a copy of the history.
func (l *Log) Snapshot() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Last returns the trailing message, if any.
func (l *Log) Last() (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.messages) == 0 {
		return Message{}, false
	}
	return l.messages[len(l.messages)-1], true
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// Clear drops the whole history.
func (l *Log) Clear() {
	l.mu.Lock()
	l.messages = nil
	l.mu.Unlock()
}
