package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
)

func TestFromStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusTooManyRequests, KindRateLimit},
		{http.StatusUnauthorized, KindAuthentication},
		{http.StatusForbidden, KindAuthentication},
		{http.StatusInternalServerError, KindServerError},
		{http.StatusBadGateway, KindServerError},
		{http.StatusNotFound, KindValidation},
		{http.StatusBadRequest, KindValidation},
		{http.StatusOK, KindUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, FromStatus(c.status), "status %d", c.status)
	}
}

func TestClassifyDriverErrors(t *testing.T) {
	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, Classify(fmt.Errorf("wrap: %w", context.DeadlineExceeded)))

	assert.Equal(t, KindDatabaseConstraint, Classify(&pq.Error{Code: "23505"}))
	assert.Equal(t, KindDatabaseConnection, Classify(&pq.Error{Code: "08006"}))
	assert.Equal(t, KindDatabaseLock, Classify(&pq.Error{Code: "40001"}))
	assert.Equal(t, KindDatabaseTimeout, Classify(&pq.Error{Code: "57014"}))

	assert.Equal(t, KindDatabaseConstraint, Classify(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.Equal(t, KindDatabaseLock, Classify(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.Equal(t, KindDatabaseLock, Classify(sqlite3.Error{Code: sqlite3.ErrLocked}))

	var netErr net.Error = &net.DNSError{IsTimeout: true}
	assert.Equal(t, KindTimeout, Classify(netErr))
	assert.Equal(t, KindConnection, Classify(&net.DNSError{}))

	assert.Equal(t, KindUnknown, Classify(errors.New("who knows")))
}

func TestKindPredicates(t *testing.T) {
	transient := []Kind{KindRateLimit, KindConnection, KindTimeout, KindServerError,
		KindDatabaseConnection, KindDatabaseTimeout, KindDatabaseLock}
	for _, k := range transient {
		assert.True(t, k.Transient(), k.String())
	}
	for _, k := range []Kind{KindValidation, KindParsing, KindAuthentication,
		KindConfiguration, KindCircuitOpen, KindDatabaseConstraint} {
		assert.False(t, k.Transient(), k.String())
	}

	for _, k := range []Kind{KindConnection, KindTimeout, KindServerError} {
		assert.True(t, k.CountsTowardBreaker(), k.String())
	}
	for _, k := range []Kind{KindRateLimit, KindValidation, KindCircuitOpen} {
		assert.False(t, k.CountsTowardBreaker(), k.String())
	}

	for _, k := range []Kind{KindAuthentication, KindConfiguration, KindSystemResource} {
		assert.True(t, k.Critical(), k.String())
	}
	assert.False(t, KindServerError.Critical())
}

func TestErrorWrappingAndKindOf(t *testing.T) {
	cause := errors.New("connection refused")
	err := E(KindConnection, "client", "pools", cause)

	assert.Equal(t, KindConnection, KindOf(err))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection")
	assert.Contains(t, err.Error(), "client/pools")

	wrapped := fmt.Errorf("collect: %w", err)
	assert.Equal(t, KindConnection, KindOf(wrapped))

	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestRetryAfterOf(t *testing.T) {
	err := &Error{Kind: KindRateLimit, RetryAfter: 30_000_000_000}
	assert.Equal(t, err.RetryAfter, RetryAfterOf(err))
	assert.Zero(t, RetryAfterOf(errors.New("plain")))
}
