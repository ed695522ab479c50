package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoTransport is returned when a manager is built without a transport.
	ErrNoTransport = errors.New("relay transport is required")
	// ErrUnknownRelay is returned for operations on an id not in the pool.
	ErrUnknownRelay = errors.New("unknown relay")
	// ErrAttemptInProgress is returned when a relay already has a connection
	// attempt in flight.
	ErrAttemptInProgress = errors.New("relay connection attempt already in progress")
	// ErrInvalidAddress is returned for relay addresses that cannot be parsed.
	ErrInvalidAddress = errors.New("invalid relay address")
	// ErrPoolFull is returned when a discovered relay would exceed MaxPoolSize.
	ErrPoolFull = errors.New("relay pool is full")
)

// ErrorType classifies relay failures.
type ErrorType uint8

const (
	// ErrorUnknown is used when no other type matches.
	ErrorUnknown ErrorType = iota
	// ErrorConnectionRefused means the relay refused or rejected the dial.
	ErrorConnectionRefused
	// ErrorConnectionTimeout means the dial or handshake timed out.
	ErrorConnectionTimeout
	// ErrorReservationFailed means the relay declined or lost a reservation.
	ErrorReservationFailed
	// ErrorReservationExpired means a reservation lapsed before renewal.
	ErrorReservationExpired
	// ErrorRelayOverloaded means the relay is at capacity.
	ErrorRelayOverloaded
	// ErrorRelayUnreachable means the relay could not be reached or no
	// eligible relay exists.
	ErrorRelayUnreachable
	// ErrorNetwork is a generic network failure.
	ErrorNetwork
	// ErrorAuthenticationFailed means the relay rejected our credentials.
	ErrorAuthenticationFailed
	// ErrorProtocol means the relay spoke an unexpected protocol.
	ErrorProtocol
)

// String returns the taxonomy name.
func (t ErrorType) String() string {
	switch t {
	case ErrorConnectionRefused:
		return "CONNECTION_REFUSED"
	case ErrorConnectionTimeout:
		return "CONNECTION_TIMEOUT"
	case ErrorReservationFailed:
		return "RESERVATION_FAILED"
	case ErrorReservationExpired:
		return "RESERVATION_EXPIRED"
	case ErrorRelayOverloaded:
		return "RELAY_OVERLOADED"
	case ErrorRelayUnreachable:
		return "RELAY_UNREACHABLE"
	case ErrorNetwork:
		return "NETWORK_ERROR"
	case ErrorAuthenticationFailed:
		return "AUTHENTICATION_FAILED"
	case ErrorProtocol:
		return "PROTOCOL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Error is a typed relay failure. Transports should return one so the type
// survives without message inspection.
type Error struct {
	ID         string
	Type       ErrorType
	Message    string
	Timestamp  time.Time
	RelayID    string
	RetryCount int
	Err        error
}

// NewError creates a typed error for transports to return.
func NewError(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

func (e *Error) Error() string {
	if e.RelayID == "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("relay %s: %s: %s", e.RelayID, e.Type, e.Message)
}

// Unwrap returns the underlying transport error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsType reports whether err carries a relay error of type t.
func IsType(err error, t ErrorType) bool {
	var re *Error
	return errors.As(err, &re) && re.Type == t
}

// typedError is implemented by transport errors that know their relay
// error type without being a *Error.
type typedError interface {
	RelayErrorType() ErrorType
}

// classificationRules is checked in order; the first keyword hit wins.
var classificationRules = []struct {
	errType  ErrorType
	keywords []string
}{
	{ErrorConnectionRefused, []string{"refused", "rejected"}},
	{ErrorConnectionTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ErrorReservationFailed, []string{"reservation"}},
	{ErrorRelayOverloaded, []string{"overload", "capacity"}},
	{ErrorRelayUnreachable, []string{"unreachable", "not found"}},
	{ErrorAuthenticationFailed, []string{"auth"}},
	{ErrorProtocol, []string{"protocol"}},
	{ErrorNetwork, []string{"network"}},
}

// ClassifyError maps a transport failure to the error taxonomy. Typed errors
// keep their type; message keywords are only a fallback for opaque errors.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Type
	}
	var te typedError
	if errors.As(err, &te) {
		return te.RelayErrorType()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorConnectionTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range classificationRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.errType
			}
		}
	}
	return ErrorUnknown
}

// errorRing keeps the most recent errors of one relay, oldest first.
type errorRing struct {
	buf   []Error
	limit int
}

func newErrorRing(limit int) *errorRing {
	return &errorRing{buf: make([]Error, 0, limit), limit: limit}
}

func (r *errorRing) push(e Error) {
	if len(r.buf) < r.limit {
		r.buf = append(r.buf, e)
		return
	}
	copy(r.buf, r.buf[1:])
	r.buf[len(r.buf)-1] = e
}

func (r *errorRing) snapshot() []Error {
	out := make([]Error, len(r.buf))
	copy(out, r.buf)
	return out
}
