package notify

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited throttles a Sender so bulk runs (rain-day reschedules, broadcasts)
// stay under the provider's rate limit.
type Limited struct {
	next    Sender
	limiter *rate.Limiter
}

func NewLimited(next Sender, ratePerSec int) *Limited {
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)}
}

func (l *Limited) Send(ctx context.Context, to, message string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.next.Send(ctx, to, message)
}
