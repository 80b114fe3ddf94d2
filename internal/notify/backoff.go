package notify

import (
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// resettableBackoff is the reconnect schedule: capped exponential delays with
// jitter, optionally bounded. reset starts the sequence over after a
// connection proved stable.
type resettableBackoff struct {
	cfg       Config
	onAttempt func()

	mu    sync.Mutex
	chain retry.Backoff
}

func newResettableBackoff(cfg Config, onAttempt func()) *resettableBackoff {
	b := &resettableBackoff{cfg: cfg, onAttempt: onAttempt}
	b.chain = b.fresh()
	return b
}

func (b *resettableBackoff) fresh() retry.Backoff {
	next := retry.NewExponential(b.cfg.BaseDelay)
	next = retry.WithJitterPercent(jitterPercent, next)
	next = retry.WithCappedDuration(b.cfg.MaxDelay, next)
	if b.cfg.MaxAttempts > 0 {
		next = retry.WithMaxRetries(b.cfg.MaxAttempts, next)
	}
	return next
}

func (b *resettableBackoff) reset() {
	b.mu.Lock()
	b.chain = b.fresh()
	b.mu.Unlock()
}

// Next implements retry.Backoff.
func (b *resettableBackoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	d, stop := b.chain.Next()
	b.mu.Unlock()

	if !stop && b.onAttempt != nil {
		b.onAttempt()
	}
	return d, stop
}
