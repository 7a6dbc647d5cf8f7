package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/poolwatch/poolwatch/internal/errs"
)

// Policy describes the exponential backoff applied between attempts.
// Delay for attempt n (1-indexed) is
// BaseDelay * Multiplier^(n-1) * (1 + U[0,1)*Jitter).
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	Jitter     float64
}

// Delay computes the backoff before retry attempt n (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	d *= 1 + rand.Float64()*p.Jitter
	return time.Duration(d)
}

// Do runs op, retrying transient failures per the policy. Non-transient
// error kinds surface immediately. A RateLimit error carrying a Retry-After
// hint sleeps exactly that long instead of the computed backoff.
func Do(ctx context.Context, p Policy, component, operation string, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}

		kind := errs.KindOf(err)
		if !kind.Transient() || attempt >= p.MaxRetries {
			return err
		}

		delay := p.Delay(attempt + 1)
		if kind == errs.KindRateLimit {
			if ra := errs.RetryAfterOf(err); ra > 0 {
				delay = ra
			}
		}

		log.Debug().
			Str("component", component).
			Str("operation", operation).
			Str("error_type", kind.String()).
			Int("retry_count", attempt+1).
			Dur("backoff", delay).
			Msg("retrying after transient failure")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
