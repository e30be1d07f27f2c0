package fetch

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// newLimiter paces outbound requests of one batch. Zero or negative rps disables pacing (nil limiter).
// The burst matches the per-second rate so a short batch is not serialised needlessly.
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// waitTurn blocks until the limiter admits one request or ctx ends
func waitTurn(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return ctx.Err()
	}
	return l.Wait(ctx)
}
