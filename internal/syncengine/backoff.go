package syncengine

import "time"

// ReconnectPolicy decides the delay before reconnect attempt n (1-based) and
// whether another attempt is allowed at all.
type ReconnectPolicy interface {
	Next(attempt int) (time.Duration, bool)
}

// ExponentialBackoff doubles the delay per attempt from Base up to Max.
// MaxAttempts <= 0 means unbounded.
type ExponentialBackoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Next returns the delay for the given attempt, or false when attempts are
// exhausted.
func (b ExponentialBackoff) Next(attempt int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}

	delay := b.Base
	if delay <= 0 {
		delay = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max, true
		}
	}
	if delay > max {
		delay = max
	}
	return delay, true
}
