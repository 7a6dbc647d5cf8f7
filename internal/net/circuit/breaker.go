package circuit

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/poolwatch/poolwatch/internal/errs"
)

// Breaker wraps a gobreaker three-state machine around upstream or storage
// calls. Only error kinds that count toward the breaker (server-side and
// connection failures) register as failures; validation and client errors
// pass through without moving the state machine.
type Breaker struct {
	cb            *gobreaker.CircuitBreaker
	onStateChange func(name string, from, to gobreaker.State)
}

// Config sizes the trip and recovery behavior.
type Config struct {
	Name             string
	FailureThreshold uint32        // consecutive counted failures to open
	RecoveryTimeout  time.Duration // open -> half-open delay
	OnStateChange    func(name, from, to string)
}

// New builds a breaker. Half-open admits a single probe; probe success
// closes, probe failure re-opens with a fresh recovery timeout.
func New(cfg Config) *Breaker {
	b := &Breaker{}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !errs.KindOf(err).CountsTowardBreaker()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from.String(), to.String())
			}
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Execute runs fn under the breaker. While open it fails fast with a
// CircuitOpen classified error and fn is never invoked.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &errs.Error{
			Kind:      errs.KindCircuitOpen,
			Component: b.cb.Name(),
			Operation: "execute",
			Message:   "circuit open",
			Err:       err,
		}
	}
	return err
}

// State returns the current state name: closed, open or half-open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Counts exposes the underlying request counters for health reporting.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}
