package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/poolwatch/poolwatch/internal/storage"
)

// Result is the uniform outcome record every collector returns. The runner
// derives bookkeeping and health signals from it, never from collector
// internals.
type Result struct {
	CollectorKey     string                 `json:"collector_key"`
	Success          bool                   `json:"success"`
	RecordsCollected int                    `json:"records_collected"`
	RecordsStored    int                    `json:"records_stored"`
	RecordsSkipped   int                    `json:"records_skipped"`
	Errors           []string               `json:"errors,omitempty"`
	Duration         time.Duration          `json:"duration"`
	Timestamp        time.Time              `json:"timestamp"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// AddError records a non-fatal failure on the result.
func (r *Result) AddError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// SetMeta attaches one metadata field, allocating lazily.
func (r *Result) SetMeta(key string, value interface{}) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
}

// Collector is one scheduled collection task. Key doubles as the scheduler
// identity and the collection_metadata row key, so keys carry their network
// suffix (e.g. top_pools_solana).
type Collector interface {
	Key() string
	Collect(ctx context.Context) (*Result, error)
}

// Observer sees every finished run. The health tracker implements it.
type Observer interface {
	ObserveRun(res *Result)
}

// Runner wraps every collector invocation with the run timeout, bookkeeping
// writes, and observer fan-out. Callers schedule Runner.Run, never a raw
// Collect, so no code path can skip the metadata update.
type Runner struct {
	store     storage.Store
	timeout   time.Duration
	observers []Observer
	now       func() time.Time
}

// NewRunner builds a runner. timeout bounds a single collection pass;
// zero means no bound.
func NewRunner(store storage.Store, timeout time.Duration, observers ...Observer) *Runner {
	return &Runner{store: store, timeout: timeout, observers: observers, now: time.Now}
}

// Run executes one collection pass. The returned Result is never nil; the
// error mirrors Result.Success for callers that want to branch.
func (r *Runner) Run(ctx context.Context, c Collector) (*Result, error) {
	start := r.now()
	cctx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	res, err := c.Collect(cctx)
	if res == nil {
		res = &Result{CollectorKey: c.Key()}
	}
	if res.CollectorKey == "" {
		res.CollectorKey = c.Key()
	}
	res.Timestamp = start.UTC()
	res.Duration = r.now().Sub(start)
	if err != nil {
		res.Success = false
		res.AddError("%v", err)
	}

	r.record(ctx, res)
	for _, o := range r.observers {
		o.ObserveRun(res)
	}

	evt := log.Info()
	if !res.Success {
		evt = log.Warn()
	}
	evt.Str("collector", res.CollectorKey).
		Bool("success", res.Success).
		Int("collected", res.RecordsCollected).
		Int("stored", res.RecordsStored).
		Int("skipped", res.RecordsSkipped).
		Int("errors", len(res.Errors)).
		Dur("duration", res.Duration).
		Msg("collection pass finished")

	return res, err
}

// record writes the collection_metadata row. It runs on a fresh context so a
// timed-out pass still gets its bookkeeping.
func (r *Runner) record(ctx context.Context, res *Result) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	lastError := ""
	if len(res.Errors) > 0 {
		lastError = res.Errors[len(res.Errors)-1]
	}
	metaJSON := ""
	if len(res.Metadata) > 0 {
		if data, err := json.Marshal(res.Metadata); err == nil {
			metaJSON = string(data)
		}
	}
	if err := r.store.RecordRun(rctx, res.CollectorKey, res.Timestamp, res.Success, lastError, metaJSON); err != nil {
		log.Error().Err(err).Str("collector", res.CollectorKey).Msg("collection metadata update failed")
	}
}
