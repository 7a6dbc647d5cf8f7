package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolwatch/poolwatch/internal/collector"
	"github.com/poolwatch/poolwatch/internal/config"
	"github.com/poolwatch/poolwatch/internal/models"
	"github.com/poolwatch/poolwatch/internal/storage"
)

var testDBSeq int

func newTestTracker(t *testing.T, cfg config.HealthConfig) (*Tracker, storage.Store) {
	t.Helper()
	testDBSeq++
	dbCfg := config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             fmt.Sprintf("file:healthtest%d?mode=memory&cache=shared&_busy_timeout=5000", testDBSeq),
		MaxOpenConns:    2,
		MaxIdleConns:    2,
		QueryTimeout:    5 * time.Second,
		WriteQueueSize:  64,
		WriteFlushWait:  5 * time.Millisecond,
		WriteMaxRetries: 3,
	}
	st, err := storage.OpenSQLite(context.Background(), dbCfg, config.BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewTracker(st, cfg), st
}

func TestObserveRunFeedsMetrics(t *testing.T) {
	tr, _ := newTestTracker(t, config.Default().Health)

	tr.ObserveRun(&collector.Result{
		CollectorKey:  "top_pools_solana",
		Success:       true,
		RecordsStored: 42,
		Duration:      250 * time.Millisecond,
	})
	tr.ObserveRun(&collector.Result{
		CollectorKey: "top_pools_solana",
		Success:      false,
		Errors:       []string{"a", "b"},
		Duration:     100 * time.Millisecond,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(tr.runsTotal.WithLabelValues("top_pools_solana", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.runsTotal.WithLabelValues("top_pools_solana", "failure")))
	assert.Equal(t, 42.0, testutil.ToFloat64(tr.recordsTotal.WithLabelValues("top_pools_solana")))
	assert.Equal(t, 2.0, testutil.ToFloat64(tr.errorsTotal.WithLabelValues("top_pools_solana")))
}

func TestErrorBurstRaisesOneCriticalAlertPerWindow(t *testing.T) {
	cfg := config.Default().Health
	cfg.ErrorBurstThreshold = 3
	cfg.ErrorBurstWindow = 10 * time.Minute
	tr, st := newTestTracker(t, cfg)

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	fail := &collector.Result{CollectorKey: "trade_collector", Success: false}
	for i := 0; i < 2; i++ {
		tr.ObserveRun(fail)
		now = now.Add(time.Minute)
	}
	alerts, err := st.ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	assert.Empty(t, alerts, "below the burst threshold")

	tr.ObserveRun(fail)
	now = now.Add(time.Minute)

	alerts, err = st.ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertCritical, alerts[0].Level)
	assert.Equal(t, "trade_collector", alerts[0].CollectorType)

	// More failures inside the same window stay silent.
	for i := 0; i < 3; i++ {
		tr.ObserveRun(fail)
		now = now.Add(time.Minute)
	}
	alerts, err = st.ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestBreakerOpenAlertsOnce(t *testing.T) {
	tr, st := newTestTracker(t, config.Default().Health)

	tr.BreakerStateChanged("api", "closed", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(tr.breakerState.WithLabelValues("api")))

	alerts, err := st.ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertError, alerts[0].Level)
	assert.Equal(t, "api", alerts[0].CollectorType)

	// Recovery transitions move the gauge without alerting.
	tr.BreakerStateChanged("api", "open", "half-open")
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.breakerState.WithLabelValues("api")))
	tr.BreakerStateChanged("api", "half-open", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(tr.breakerState.WithLabelValues("api")))

	alerts, err = st.ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestRateLimitStreakAlert(t *testing.T) {
	cfg := config.Default().Health
	cfg.RateLimitRetryAlertAt = 3
	tr, st := newTestTracker(t, cfg)

	tr.RateLimitRetry()
	tr.RateLimitRetry()
	tr.Reset()
	tr.RateLimitRetry()
	tr.RateLimitRetry()

	alerts, err := st.ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	assert.Empty(t, alerts, "a success in between resets the streak")

	tr.RateLimitRetry()
	alerts, err = st.ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertWarning, alerts[0].Level)
	assert.Equal(t, "rate_limit", alerts[0].CollectorType)

	// The streak keeps counting past the alert point without re-alerting.
	tr.RateLimitRetry()
	alerts, err = st.ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestEmitAlertPersistsAndCounts(t *testing.T) {
	tr, st := newTestTracker(t, config.Default().Health)

	require.NoError(t, tr.EmitAlert(context.Background(), models.SystemAlert{
		Level:         models.AlertWarning,
		CollectorType: "client",
		Message:       "slow responses",
		Timestamp:     time.Now().UTC(),
	}))

	assert.Equal(t, 1.0, testutil.ToFloat64(tr.alertsTotal.WithLabelValues("warning")))
	alerts, err := st.ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "slow responses", alerts[0].Message)
}
