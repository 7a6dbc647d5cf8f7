package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/poolwatch/poolwatch/internal/collector"
	"github.com/poolwatch/poolwatch/internal/config"
	"github.com/poolwatch/poolwatch/internal/models"
	"github.com/poolwatch/poolwatch/internal/storage"
)

// Tracker is the operational nerve center: it persists alert rows (it is the
// handler's AlertSink), watches every collector run, escalates error bursts,
// and exports prometheus metrics.
type Tracker struct {
	store storage.Store
	cfg   config.HealthConfig
	now   func() time.Time

	mu            sync.Mutex
	errorTimes    []time.Time
	lastBurst     time.Time
	rateLimitHits int

	registry *prometheus.Registry

	runsTotal    *prometheus.CounterVec
	recordsTotal *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	alertsTotal  *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	errorsTotal  *prometheus.CounterVec
}

func NewTracker(store storage.Store, cfg config.HealthConfig) *Tracker {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	t := &Tracker{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		registry: reg,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poolwatch_collector_runs_total",
			Help: "Collection passes by collector and outcome.",
		}, []string{"collector", "outcome"}),
		recordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poolwatch_records_stored_total",
			Help: "Rows stored by collector.",
		}, []string{"collector"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "poolwatch_collector_run_seconds",
			Help:    "Collection pass duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"collector"}),
		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poolwatch_alerts_total",
			Help: "Alerts emitted by level.",
		}, []string{"level"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "poolwatch_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poolwatch_collector_errors_total",
			Help: "Collector errors by collector.",
		}, []string{"collector"}),
	}
	return t
}

// EmitAlert persists one alert row and counts it. Implements the error
// handler's sink contract.
func (t *Tracker) EmitAlert(ctx context.Context, alert models.SystemAlert) error {
	t.alertsTotal.WithLabelValues(string(alert.Level)).Inc()
	return t.store.InsertAlert(ctx, alert)
}

// ObserveRun ingests one finished collection pass: metrics first, then the
// error-burst policy.
func (t *Tracker) ObserveRun(res *collector.Result) {
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	t.runsTotal.WithLabelValues(res.CollectorKey, outcome).Inc()
	t.recordsTotal.WithLabelValues(res.CollectorKey).Add(float64(res.RecordsStored))
	t.runDuration.WithLabelValues(res.CollectorKey).Observe(res.Duration.Seconds())
	if n := len(res.Errors); n > 0 {
		t.errorsTotal.WithLabelValues(res.CollectorKey).Add(float64(n))
	}

	if !res.Success {
		t.recordError(res.CollectorKey)
	}
}

// recordError applies the burst policy: more than the threshold of failed
// passes inside the window raises one critical alert per window.
func (t *Tracker) recordError(collectorKey string) {
	now := t.now()
	window := t.cfg.ErrorBurstWindow
	if window <= 0 {
		window = 30 * time.Minute
	}

	t.mu.Lock()
	cutoff := now.Add(-window)
	kept := t.errorTimes[:0]
	for _, ts := range t.errorTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.errorTimes = append(kept, now)
	count := int64(len(t.errorTimes))
	burst := t.cfg.ErrorBurstThreshold > 0 &&
		count >= t.cfg.ErrorBurstThreshold &&
		t.lastBurst.Before(cutoff)
	if burst {
		t.lastBurst = now
	}
	t.mu.Unlock()

	if !burst {
		return
	}
	alert := models.SystemAlert{
		Level:         models.AlertCritical,
		CollectorType: collectorKey,
		Message:       "collector error burst",
		Timestamp:     now.UTC(),
		Metadata: map[string]interface{}{
			"failures_in_window": count,
			"window":             window.String(),
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.EmitAlert(ctx, alert); err != nil {
		log.Error().Err(err).Msg("error burst alert write failed")
	}
}

// BreakerStateChanged feeds the breaker gauge and raises an alert when a
// breaker opens. Wire it as the breaker's OnStateChange hook.
func (t *Tracker) BreakerStateChanged(name, from, to string) {
	var v float64
	switch to {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	t.breakerState.WithLabelValues(name).Set(v)

	if to != "open" {
		return
	}
	alert := models.SystemAlert{
		Level:         models.AlertError,
		CollectorType: name,
		Message:       "circuit breaker opened",
		Timestamp:     t.now().UTC(),
		Metadata:      map[string]interface{}{"from": from, "to": to},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.EmitAlert(ctx, alert); err != nil {
		log.Error().Err(err).Str("breaker", name).Msg("breaker alert write failed")
	}
}

// RateLimitRetry counts upstream 429 retries and alerts once the configured
// run-length is hit; a successful request resets the streak via Reset.
func (t *Tracker) RateLimitRetry() {
	t.mu.Lock()
	t.rateLimitHits++
	hits := t.rateLimitHits
	t.mu.Unlock()

	if t.cfg.RateLimitRetryAlertAt <= 0 || hits != t.cfg.RateLimitRetryAlertAt {
		return
	}
	alert := models.SystemAlert{
		Level:         models.AlertWarning,
		CollectorType: "rate_limit",
		Message:       "sustained upstream rate limiting",
		Timestamp:     t.now().UTC(),
		Metadata:      map[string]interface{}{"consecutive_429s": hits},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.EmitAlert(ctx, alert); err != nil {
		log.Error().Err(err).Msg("rate limit alert write failed")
	}
}

// Reset clears the rate-limit retry streak.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.rateLimitHits = 0
	t.mu.Unlock()
}

// Serve exposes /metrics until ctx ends. A blank listen address disables the
// endpoint entirely.
func (t *Tracker) Serve(ctx context.Context) error {
	if t.cfg.MetricsListen == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: t.cfg.MetricsListen, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", t.cfg.MetricsListen).Msg("metrics endpoint up")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
