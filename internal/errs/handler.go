package errs

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/poolwatch/poolwatch/internal/models"
)

// Decision is the handler's recovery verdict for one failure.
type Decision struct {
	Recovered     bool
	Retry         bool
	RetryAfter    time.Duration
	PartialResult bool
	ShouldAlert   bool
	AlertLevel    models.AlertLevel
	Message       string
}

// Strategy decides recovery for one failure classification. New strategies
// register against the handler without touching its dispatch.
type Strategy interface {
	Name() string
	Decide(err *Error, attempt, maxRetries int) Decision
}

// AlertSink receives alert rows the handler decides to emit. The health
// tracker implements it; tests use a recording fake.
type AlertSink interface {
	EmitAlert(ctx context.Context, alert models.SystemAlert) error
}

// Handler is the central error dispatcher: classify, pick a strategy, log
// with derived severity, optionally alert.
type Handler struct {
	strategies map[Kind]Strategy
	fallback   Strategy
	sink       AlertSink
}

// NewHandler builds a handler with the default strategy set registered.
func NewHandler(sink AlertSink) *Handler {
	h := &Handler{
		strategies: make(map[Kind]Strategy),
		fallback:   failFastStrategy{},
		sink:       sink,
	}
	h.Register(rateLimitWaitStrategy{}, KindRateLimit)
	h.Register(retryBackoffStrategy{}, KindConnection, KindTimeout, KindServerError,
		KindDatabaseConnection, KindDatabaseTimeout, KindDatabaseLock)
	h.Register(partialSuccessStrategy{}, KindParsing, KindValidation)
	h.Register(skipDuplicateStrategy{}, KindDatabaseConstraint)
	h.Register(failFastStrategy{}, KindAuthentication, KindConfiguration,
		KindSystemResource, KindCircuitOpen)
	return h
}

// Register binds a strategy to one or more kinds.
func (h *Handler) Register(s Strategy, kinds ...Kind) {
	for _, k := range kinds {
		h.strategies[k] = s
	}
}

// Handle classifies err, runs the registered strategy, logs the outcome and
// emits an alert row when the decision calls for one.
func (h *Handler) Handle(ctx context.Context, err error, component, operation string, attempt, maxRetries int) Decision {
	ce := asClassified(err, component, operation)

	strategy, ok := h.strategies[ce.Kind]
	if !ok {
		strategy = h.fallback
	}
	decision := strategy.Decide(ce, attempt, maxRetries)

	h.logDecision(ce, decision, strategy.Name(), attempt, maxRetries)

	if decision.ShouldAlert && h.sink != nil {
		alert := models.SystemAlert{
			Level:         decision.AlertLevel,
			CollectorType: component,
			Message:       decision.Message,
			Timestamp:     time.Now().UTC(),
			Metadata: map[string]interface{}{
				"error_type": ce.Kind.String(),
				"operation":  operation,
				"attempt":    attempt,
			},
		}
		if sinkErr := h.sink.EmitAlert(ctx, alert); sinkErr != nil {
			log.Error().Err(sinkErr).Str("component", component).Msg("alert emission failed")
		}
	}

	return decision
}

func (h *Handler) logDecision(ce *Error, d Decision, strategy string, attempt, maxRetries int) {
	var evt *zerolog.Event
	switch severityOf(ce.Kind) {
	case "critical", "error":
		evt = log.Error()
	case "warning":
		evt = log.Warn()
	default:
		evt = log.Info()
	}
	if ce.Kind == KindUnknown {
		// Unclassified failures get the full chain for later triage.
		evt = log.Error().Stack()
	}
	evt.Err(ce).
		Str("component", ce.Component).
		Str("operation", ce.Operation).
		Str("error_type", ce.Kind.String()).
		Str("severity", severityOf(ce.Kind)).
		Str("strategy", strategy).
		Int("retry_count", attempt).
		Int("max_retries", maxRetries).
		Bool("recovered", d.Recovered).
		Msg(d.Message)
}

func severityOf(k Kind) string {
	switch {
	case k.Critical():
		return "critical"
	case k == KindServerError, k == KindCircuitOpen, k == KindDatabaseConnection:
		return "error"
	case k.Transient(), k == KindValidation, k == KindParsing:
		return "warning"
	case k == KindDatabaseConstraint:
		return "info"
	default:
		return "warning"
	}
}

func asClassified(err error, component, operation string) *Error {
	if ce, ok := err.(*Error); ok {
		if ce.Component == "" {
			ce.Component = component
		}
		if ce.Operation == "" {
			ce.Operation = operation
		}
		return ce
	}
	return &Error{
		Kind:      Classify(err),
		Component: component,
		Operation: operation,
		Err:       err,
	}
}

type rateLimitWaitStrategy struct{}

func (rateLimitWaitStrategy) Name() string { return "rate_limit_wait" }

func (rateLimitWaitStrategy) Decide(err *Error, attempt, maxRetries int) Decision {
	retry := attempt < maxRetries
	return Decision{
		Recovered:   retry,
		Retry:       retry,
		RetryAfter:  err.RetryAfter,
		ShouldAlert: !retry,
		AlertLevel:  models.AlertWarning,
		Message:     "rate limited by upstream",
	}
}

type retryBackoffStrategy struct{}

func (retryBackoffStrategy) Name() string { return "retry_with_backoff" }

func (retryBackoffStrategy) Decide(err *Error, attempt, maxRetries int) Decision {
	retry := attempt < maxRetries
	msg := "transient failure, retrying"
	if !retry {
		msg = "transient failure, retries exhausted"
	}
	return Decision{
		Recovered:   retry,
		Retry:       retry,
		ShouldAlert: !retry,
		AlertLevel:  models.AlertError,
		Message:     msg,
	}
}

type partialSuccessStrategy struct{}

func (partialSuccessStrategy) Name() string { return "partial_success" }

func (partialSuccessStrategy) Decide(err *Error, attempt, maxRetries int) Decision {
	// Parsing and validation failures never fail the pass; surviving rows
	// were already stored. The alert flags a batch bad enough to look at.
	return Decision{
		Recovered:     true,
		PartialResult: true,
		ShouldAlert:   true,
		AlertLevel:    models.AlertWarning,
		Message:       "rows dropped from batch",
	}
}

type skipDuplicateStrategy struct{}

func (skipDuplicateStrategy) Name() string { return "skip_duplicate" }

func (skipDuplicateStrategy) Decide(err *Error, attempt, maxRetries int) Decision {
	// Uniqueness conflicts are the dedup contract working as intended.
	return Decision{Recovered: true, Message: "duplicate row skipped"}
}

type failFastStrategy struct{}

func (failFastStrategy) Name() string { return "fail_fast" }

func (failFastStrategy) Decide(err *Error, attempt, maxRetries int) Decision {
	level := models.AlertError
	if err.Kind.Critical() {
		level = models.AlertCritical
	}
	return Decision{
		ShouldAlert: err.Kind != KindCircuitOpen || attempt == 0,
		AlertLevel:  level,
		Message:     "unrecoverable failure",
	}
}
