package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolwatch/poolwatch/internal/errs"
)

func serverError() error {
	return errs.Ef(errs.KindServerError, "client", "pools", "upstream 500")
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	var transitions []string
	b := New(Config{
		Name:             "api",
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		OnStateChange: func(name, from, to string) {
			transitions = append(transitions, from+">"+to)
		},
	})

	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return serverError() })
		require.Error(t, err)
		assert.Equal(t, errs.KindServerError, errs.KindOf(err))
	}
	assert.Equal(t, "open", b.State())
	assert.Contains(t, transitions, "closed>open")

	// Open: calls fail fast, the wrapped fn never runs.
	ran := false
	err := b.Execute(func() error { ran = true; return nil })
	require.Error(t, err)
	assert.Equal(t, errs.KindCircuitOpen, errs.KindOf(err))
	assert.False(t, ran)
}

func TestBreakerIgnoresNonCountedKinds(t *testing.T) {
	b := New(Config{Name: "api", FailureThreshold: 2, RecoveryTimeout: time.Minute})

	for i := 0; i < 10; i++ {
		err := b.Execute(func() error {
			return errs.Ef(errs.KindValidation, "client", "pool", "404")
		})
		require.Error(t, err)
	}
	assert.Equal(t, "closed", b.State(), "client errors never open the breaker")
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := New(Config{Name: "api", FailureThreshold: 3, RecoveryTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return serverError() })
	}
	require.NoError(t, b.Execute(func() error { return nil }))
	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return serverError() })
	}
	assert.Equal(t, "closed", b.State(), "the streak restarts after a success")
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New(Config{Name: "api", FailureThreshold: 1, RecoveryTimeout: 30 * time.Millisecond})

	_ = b.Execute(func() error { return serverError() })
	assert.Equal(t, "open", b.State())

	time.Sleep(50 * time.Millisecond)

	// Recovery timeout elapsed: a single probe is admitted; its success
	// closes the breaker.
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, "closed", b.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := New(Config{Name: "api", FailureThreshold: 1, RecoveryTimeout: 30 * time.Millisecond})

	_ = b.Execute(func() error { return serverError() })
	time.Sleep(50 * time.Millisecond)

	err := b.Execute(func() error { return serverError() })
	require.Error(t, err)
	assert.Equal(t, "open", b.State())
}
