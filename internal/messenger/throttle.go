package messenger

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle serializes outgoing calls: at most one in flight, and call starts
// at least `spacing` apart. One Throttle is shared by every sender in the
// process.
type Throttle struct {
	slot    chan struct{}
	limiter *rate.Limiter
}

// NewThrottle creates a throttle with the given minimum spacing.
func NewThrottle(spacing time.Duration) *Throttle {
	limit := rate.Inf
	if spacing > 0 {
		limit = rate.Every(spacing)
	}
	return &Throttle{
		slot:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Do waits for its turn and runs fn. It returns ctx.Err() without calling
// fn if the context ends first.
func (t *Throttle) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case t.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.slot }()

	if err := t.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The wait would outlast the deadline.
		return context.DeadlineExceeded
	}
	return fn(ctx)
}
