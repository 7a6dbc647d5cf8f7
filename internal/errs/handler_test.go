package errs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolwatch/poolwatch/internal/models"
)

type recordingSink struct {
	alerts []models.SystemAlert
}

func (s *recordingSink) EmitAlert(ctx context.Context, alert models.SystemAlert) error {
	s.alerts = append(s.alerts, alert)
	return nil
}

func TestHandlerRateLimitRetriesThenAlerts(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(sink)
	err := &Error{Kind: KindRateLimit, Component: "client", Operation: "pools"}

	d := h.Handle(context.Background(), err, "client", "pools", 1, 3)
	assert.True(t, d.Retry)
	assert.True(t, d.Recovered)
	assert.Empty(t, sink.alerts)

	d = h.Handle(context.Background(), err, "client", "pools", 3, 3)
	assert.False(t, d.Retry)
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, models.AlertWarning, sink.alerts[0].Level)
}

func TestHandlerDuplicateIsSilentRecovery(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(sink)

	d := h.Handle(context.Background(),
		Ef(KindDatabaseConstraint, "storage", "insert_candles", "unique violation"),
		"storage", "insert_candles", 0, 0)
	assert.True(t, d.Recovered)
	assert.False(t, d.Retry)
	assert.Empty(t, sink.alerts, "dedup conflicts are the contract, not a fault")
}

func TestHandlerValidationIsPartialWithAlert(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(sink)

	d := h.Handle(context.Background(),
		Ef(KindValidation, "ohlcv_collector", "get_ohlcv", "dropped 3 of 10 rows"),
		"ohlcv_collector", "get_ohlcv", 0, 0)
	assert.True(t, d.Recovered)
	assert.True(t, d.PartialResult)
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, "ohlcv_collector", sink.alerts[0].CollectorType)
}

func TestHandlerCriticalFailsFast(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(sink)

	d := h.Handle(context.Background(),
		Ef(KindAuthentication, "client", "pools", "401"),
		"client", "pools", 0, 3)
	assert.False(t, d.Recovered)
	assert.False(t, d.Retry)
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, models.AlertCritical, sink.alerts[0].Level)
}

func TestHandlerClassifiesPlainErrors(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(sink)

	d := h.Handle(context.Background(), context.DeadlineExceeded, "client", "trades", 0, 3)
	// Timeouts route to the backoff strategy.
	assert.True(t, d.Retry)
}
