package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	p := NewRetryPolicy(3, time.Millisecond)
	err := p.Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustsAndReturnsLastError(t *testing.T) {
	attempts := 0
	p := NewRetryPolicy(2, time.Millisecond)
	boom := errors.New("boom")
	if err := p.Do(func() error {
		attempts++
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnRateLimit(t *testing.T) {
	attempts := 0
	p := NewRetryPolicy(5, time.Millisecond)
	err := p.Do(func() error {
		attempts++
		return RateLimitError{Provider: "tts", Message: "429"}
	})
	if !IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("rate limit should not be retried, attempts=%d", attempts)
	}
}
