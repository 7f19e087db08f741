package resilience

import "time"

// RetryPolicy retries transient failures a bounded number of times with a
// fixed pause between attempts. Rate-limit errors are not retried; hammering
// a throttling vendor only extends the penalty.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn up to MaxRetries+1 times and returns the last error.
func (r RetryPolicy) Do(fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == r.MaxRetries || IsRateLimit(err) {
			return err
		}
		time.Sleep(r.Backoff)
	}
}
