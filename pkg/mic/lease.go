package mic

import "sync"

// Lease arbitrates exclusive microphone access between the wake word
// listener and the transcription session. Only one holder at a time.
type Lease struct {
	mu     sync.Mutex
	holder string
}

func NewLease() *Lease {
	return &Lease{}
}

// TryAcquire grants the lease to owner if it is free or already held by
// owner. It never blocks.
func (l *Lease) TryAcquire(owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" && l.holder != owner {
		return false
	}
	l.holder = owner
	return true
}

// Release frees the lease if owner holds it.
func (l *Lease) Release(owner string) {
	l.mu.Lock()
	if l.holder == owner {
		l.holder = ""
	}
	l.mu.Unlock()
}

// Holder returns the current owner, or "" when free.
func (l *Lease) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
