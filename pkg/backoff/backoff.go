package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Backoff implements exponential backoff with jitter, capped at a maximum
// duration.
type Backoff struct {
	// retries is the maximum number of retries.
	retries    int
	minBackoff time.Duration
	maxBackoff time.Duration

	// attempts is the number of retries so far.
	attempts    int
	lastBackoff time.Duration
}

// New creates a new backoff.
//
// Set 'retries' to zero to retry forever.
func New(retries int, minBackoff time.Duration, maxBackoff time.Duration) *Backoff {
	return &Backoff{
		retries:    retries,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// Wait blocks until the next retry. Returns false if the number of retries has
// been reached or the context is cancelled, so the caller should stop.
func (b *Backoff) Wait(ctx context.Context) bool {
	if b.retries != 0 && b.attempts >= b.retries {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	b.attempts++

	b.lastBackoff = b.nextWait()

	timer := time.NewTimer(b.lastBackoff)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Attempts returns the number of retries so far.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset discards the retry history.
func (b *Backoff) Reset() {
	b.attempts = 0
	b.lastBackoff = 0
}

func (b *Backoff) nextWait() time.Duration {
	backoff := b.minBackoff
	if b.lastBackoff != 0 {
		backoff = b.lastBackoff * 2
	}
	if b.maxBackoff != 0 && backoff > b.maxBackoff {
		backoff = b.maxBackoff
	}

	// Up to 10% jitter.
	jitter := 1.0 + (rand.Float64() * 0.1)
	return time.Duration(float64(backoff) * jitter)
}
