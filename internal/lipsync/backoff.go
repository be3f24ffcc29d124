package lipsync

import (
	"context"
	"time"
)

// backoff doubles the wait after every call, capped at maximum.
type backoff struct {
	current time.Duration
	maximum time.Duration
}

func newBackoff(initial, maximum time.Duration) *backoff {
	if maximum < initial {
		maximum = initial
	}

	return &backoff{current: initial, maximum: maximum}
}

func (b *backoff) next() time.Duration {
	wait := b.current

	b.current *= 2
	if b.current > b.maximum || b.current <= 0 {
		b.current = b.maximum
	}

	return wait
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
