package merchsync

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultBaseRetryDelay = time.Second
	defaultMaxRetryDelay  = 5 * time.Minute
)

// RetryDelay returns how long an item waits after its attempts-th failure.
// Listed delays are used in order. Past the end of the list the last listed
// delay, or base when the list is empty, doubles for every further attempt,
// never exceeding ceiling.
func RetryDelay(delays []time.Duration, attempts int, base, ceiling time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts <= len(delays) {
		return delays[attempts-1]
	}
	if base <= 0 {
		base = defaultBaseRetryDelay
	}
	if ceiling <= 0 {
		ceiling = defaultMaxRetryDelay
	}

	start, steps := base, attempts
	if n := len(delays); n > 0 && delays[n-1] > 0 {
		start, steps = delays[n-1], attempts-n+1
	}
	if start >= ceiling {
		return ceiling
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     start,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         ceiling,
	}
	var d time.Duration
	for i := 0; i < steps && d < ceiling; i++ {
		d = b.NextBackOff()
	}
	return min(d, ceiling)
}
