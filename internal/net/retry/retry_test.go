package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolwatch/poolwatch/internal/errs"
)

func TestDoRetriesTransientKinds(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 1, Jitter: 0}

	calls := 0
	err := Do(context.Background(), p, "client", "ohlcv", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.Ef(errs.KindServerError, "client", "ohlcv", "upstream 502")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonTransient(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: time.Millisecond, Multiplier: 1}

	calls := 0
	err := Do(context.Background(), p, "client", "pool", func(ctx context.Context) error {
		calls++
		return errs.Ef(errs.KindValidation, "client", "pool", "404")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "validation errors never retry")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestDoStopsOnCircuitOpen(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: time.Millisecond, Multiplier: 1}

	calls := 0
	err := Do(context.Background(), p, "client", "pools", func(ctx context.Context) error {
		calls++
		return errs.Ef(errs.KindCircuitOpen, "api", "execute", "circuit open")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "an open breaker fails the pass immediately")
}

func TestDoExhaustsRetries(t *testing.T) {
	p := Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 1}

	calls := 0
	err := Do(context.Background(), p, "client", "trades", func(ctx context.Context) error {
		calls++
		return errs.Ef(errs.KindTimeout, "client", "trades", "deadline")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestDoHonorsRetryAfter(t *testing.T) {
	p := Policy{MaxRetries: 1, BaseDelay: time.Millisecond, Multiplier: 1}

	calls := 0
	start := time.Now()
	err := Do(context.Background(), p, "client", "pools", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &errs.Error{Kind: errs.KindRateLimit, RetryAfter: 50 * time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDoRespectsContext(t *testing.T) {
	p := Policy{MaxRetries: 10, BaseDelay: 50 * time.Millisecond, Multiplier: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := Do(ctx, p, "client", "pools", func(ctx context.Context) error {
		return errs.Ef(errs.KindConnection, "client", "pools", "refused")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: 0}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 1, Jitter: 0.2}
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 120*time.Millisecond)
	}
}
