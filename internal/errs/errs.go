package errs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Kind is the closed set of failure classifications. Every error crossing a
// component boundary is reduced to one of these before a recovery decision
// is made.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimit
	KindConnection
	KindTimeout
	KindAuthentication
	KindServerError
	KindParsing
	KindValidation
	KindDatabaseConstraint
	KindDatabaseConnection
	KindDatabaseTimeout
	KindDatabaseLock
	KindConfiguration
	KindSystemResource
	KindCircuitOpen
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindRateLimit:          "rate_limit",
	KindConnection:         "connection",
	KindTimeout:            "timeout",
	KindAuthentication:     "authentication",
	KindServerError:        "server_error",
	KindParsing:            "parsing",
	KindValidation:         "validation",
	KindDatabaseConstraint: "database_constraint",
	KindDatabaseConnection: "database_connection",
	KindDatabaseTimeout:    "database_timeout",
	KindDatabaseLock:       "database_lock",
	KindConfiguration:      "configuration",
	KindSystemResource:     "system_resource",
	KindCircuitOpen:        "circuit_open",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Transient reports whether the retry engine may re-attempt this kind.
func (k Kind) Transient() bool {
	switch k {
	case KindRateLimit, KindConnection, KindTimeout, KindServerError,
		KindDatabaseConnection, KindDatabaseTimeout, KindDatabaseLock:
		return true
	}
	return false
}

// CountsTowardBreaker reports whether the kind increments the circuit
// breaker failure count. Validation and 4xx client errors never trip it.
// Database connection and lock failures count so the storage breaker sees
// a struggling database the same way the API breaker sees a down upstream.
func (k Kind) CountsTowardBreaker() bool {
	switch k {
	case KindConnection, KindTimeout, KindServerError,
		KindDatabaseConnection, KindDatabaseTimeout, KindDatabaseLock:
		return true
	}
	return false
}

// Critical kinds abort or alert immediately and are never retried.
func (k Kind) Critical() bool {
	switch k {
	case KindAuthentication, KindConfiguration, KindSystemResource:
		return true
	}
	return false
}

// Error is a classified failure with enough context for the handler to log,
// decide recovery, and emit alerts.
type Error struct {
	Kind       Kind
	Component  string
	Operation  string
	Message    string
	Status     int           // HTTP status when applicable
	RetryAfter time.Duration // from a 429 Retry-After header, 0 if absent
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Component != "" {
		fmt.Fprintf(&b, " [%s/%s]", e.Component, e.Operation)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, component, operation string, err error) *Error {
	return &Error{Kind: kind, Component: component, Operation: operation, Err: err}
}

// Ef builds a classified error with a formatted message and no cause.
func Ef(kind Kind, component, operation, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Component: component, Operation: operation, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification from err, classifying plain errors on
// the fly. nil maps to KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Classify(err)
}

// RetryAfterOf returns the Retry-After hint carried by err, or 0.
func RetryAfterOf(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// FromStatus maps an upstream HTTP status to a kind.
func FromStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthentication
	case status >= 500:
		return KindServerError
	case status >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}

// Classify reduces an unclassified error to a Kind by inspecting driver and
// transport error types.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindTimeout
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return KindDatabaseConstraint
		case "08": // connection exception
			return KindDatabaseConnection
		case "40", "55": // serialization failure, object not available
			return KindDatabaseLock
		case "57": // operator intervention incl. query_canceled
			return KindDatabaseTimeout
		}
		return KindUnknown
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrConstraint:
			return KindDatabaseConstraint
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return KindDatabaseLock
		case sqlite3.ErrCantOpen:
			return KindDatabaseConnection
		}
		return KindUnknown
	}

	if errors.Is(err, sql.ErrConnDone) {
		return KindDatabaseConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnection
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}

	return KindUnknown
}
