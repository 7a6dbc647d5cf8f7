package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Limiter is the process-global two-tier pacer shared by every collector:
// a per-endpoint minimum inter-request delay on top of a global rolling
// 60-second window cap. A monthly call budget is tracked alongside with a
// soft warning at 80%.
type Limiter struct {
	mu           sync.Mutex
	endpoints    map[string]*rate.Limiter
	penaltyUntil map[string]time.Time
	window       []time.Time // admission times within the rolling window
	perEndpoint  time.Duration
	perMinuteCap int

	monthlyBudget int
	monthlyUsed   int
	monthStart    time.Time
	warned        bool
	onBudgetWarn  func(used, budget int)

	now func() time.Time
}

// Option tweaks limiter construction.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithBudgetWarning installs a callback fired once per month when usage
// crosses 80% of the monthly budget.
func WithBudgetWarning(fn func(used, budget int)) Option {
	return func(l *Limiter) { l.onBudgetWarn = fn }
}

// New builds a limiter. perEndpointDelay is the minimum spacing between two
// requests to the same endpoint key; perMinuteCap bounds admissions over any
// rolling 60s window; monthlyBudget of 0 disables budget tracking.
func New(perEndpointDelay time.Duration, perMinuteCap, monthlyBudget int, opts ...Option) *Limiter {
	l := &Limiter{
		endpoints:     make(map[string]*rate.Limiter),
		penaltyUntil:  make(map[string]time.Time),
		perEndpoint:   perEndpointDelay,
		perMinuteCap:  perMinuteCap,
		monthlyBudget: monthlyBudget,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.monthStart = monthOf(l.now())
	return l
}

func monthOf(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func (l *Limiter) endpointLimiter(endpoint string) *rate.Limiter {
	if lim, ok := l.endpoints[endpoint]; ok {
		return lim
	}
	rps := rate.Inf
	if l.perEndpoint > 0 {
		rps = rate.Every(l.perEndpoint)
	}
	lim := rate.NewLimiter(rps, 1)
	l.endpoints[endpoint] = lim
	return lim
}

// Acquire blocks until both tiers admit a call for endpoint, or ctx is
// cancelled. Admission consumes one unit of the monthly budget. Waiters are
// admitted in the order the shared mutex grants them, FIFO in practice per
// endpoint key.
func (l *Limiter) Acquire(ctx context.Context, endpoint string) error {
	for {
		l.mu.Lock()
		now := l.now()
		wait := l.globalWait(now)
		if until, ok := l.penaltyUntil[endpoint]; ok {
			if d := until.Sub(now); d > wait {
				wait = d
			}
		}
		if wait <= 0 {
			lim := l.endpointLimiter(endpoint)
			if lim.Allow() {
				l.admit(now, endpoint)
				l.mu.Unlock()
				return nil
			}
			res := lim.Reserve()
			wait = res.Delay()
			res.Cancel()
			if wait <= 0 {
				wait = time.Millisecond
			}
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// globalWait returns how long until the rolling window admits another call.
// Caller holds l.mu.
func (l *Limiter) globalWait(now time.Time) time.Duration {
	cutoff := now.Add(-time.Minute)
	trimmed := l.window[:0]
	for _, t := range l.window {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	l.window = trimmed
	if len(l.window) < l.perMinuteCap {
		return 0
	}
	return l.window[0].Add(time.Minute).Sub(now)
}

// admit records an admission against the rolling window and the monthly
// budget. Caller holds l.mu and has already drawn the endpoint token.
func (l *Limiter) admit(now time.Time, endpoint string) {
	l.window = append(l.window, now)
	delete(l.penaltyUntil, endpoint)

	if l.monthlyBudget <= 0 {
		return
	}
	if m := monthOf(now); m.After(l.monthStart) {
		l.monthStart = m
		l.monthlyUsed = 0
		l.warned = false
	}
	l.monthlyUsed++
	if !l.warned && float64(l.monthlyUsed) >= 0.8*float64(l.monthlyBudget) {
		l.warned = true
		log.Warn().
			Int("used", l.monthlyUsed).
			Int("budget", l.monthlyBudget).
			Msg("monthly API budget above 80%")
		if l.onBudgetWarn != nil {
			l.onBudgetWarn(l.monthlyUsed, l.monthlyBudget)
		}
	}
}

// Penalize pushes the next admission for endpoint out by retryAfter, as told
// by an upstream 429. A zero retryAfter falls back to the per-endpoint delay.
func (l *Limiter) Penalize(endpoint string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = l.perEndpoint
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(retryAfter)
	if cur, ok := l.penaltyUntil[endpoint]; !ok || until.After(cur) {
		l.penaltyUntil[endpoint] = until
	}
	log.Warn().
		Str("endpoint", endpoint).
		Dur("retry_after", retryAfter).
		Msg("rate limit penalty applied")
}

// Stats is a snapshot of limiter state for health reporting.
type Stats struct {
	WindowUsed    int       `json:"window_used"`
	PerMinuteCap  int       `json:"per_minute_cap"`
	MonthlyUsed   int       `json:"monthly_used"`
	MonthlyBudget int       `json:"monthly_budget"`
	MonthStart    time.Time `json:"month_start"`
}

// Snapshot returns current usage counters.
func (l *Limiter) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalWait(l.now())
	return Stats{
		WindowUsed:    len(l.window),
		PerMinuteCap:  l.perMinuteCap,
		MonthlyUsed:   l.monthlyUsed,
		MonthlyBudget: l.monthlyBudget,
		MonthStart:    l.monthStart,
	}
}
