// Package xerrors implements the typed error taxonomy shared by every
// subsystem of the message fabric: the bus, the transport adapter, the
// service registry, the subscription engine, and the hub itself all
// report failure through a single *Error type so that callers can branch
// on Kind and Retryable without type-asserting against package-private
// error types.
package xerrors

import "fmt"

// Kind classifies a failure for programmatic handling. See spec §7.
type Kind string

const (
	MethodNotFound       Kind = "method_not_found"
	InvalidRequest       Kind = "invalid_request"
	Serialization        Kind = "serialization"
	Timeout              Kind = "timeout"
	ConnectionLost       Kind = "connection_lost"
	TransportClosed      Kind = "transport_closed"
	BusBackpressure      Kind = "bus_backpressure"
	ServiceError         Kind = "service_error"
	SubscriptionRejected Kind = "subscription_rejected"
	Disconnected         Kind = "disconnected"
)

// retryable reports the default retry classification for a Kind per spec §7.
// ServiceError is handler-defined and defaults to non-retryable unless the
// handler explicitly marks its error retryable via WithRetryable.
var retryable = map[Kind]bool{
	MethodNotFound:       false,
	InvalidRequest:       false,
	Serialization:        false,
	Timeout:              true,
	ConnectionLost:       true,
	TransportClosed:      true,
	BusBackpressure:      true,
	ServiceError:         false,
	SubscriptionRejected: false,
	Disconnected:         false,
}

// Error is the typed error value the bus, transport, registry,
// subscription and hub packages report failures with; envelope
// construction and config loading return plain errors. Context carries a human-readable explanation; Cause, if
// set, is the underlying error that triggered it (unwrapped via errors.Is /
// errors.As through Unwrap).
type Error struct {
	Kind      Kind
	Context   string
	Cause     error
	retryable bool
}

// New creates an Error of the given kind with the default retry
// classification for that kind.
func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context, retryable: retryable[kind]}
}

// Wrap creates an Error of the given kind around an underlying cause.
func Wrap(kind Kind, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause, retryable: retryable[kind]}
}

// WithRetryable overrides the default retry classification. Used by
// ServiceError, whose retryability is handler-defined per spec §7.
func (e *Error) WithRetryable(r bool) *Error {
	e.retryable = r
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the operation that produced this error may
// reasonably be retried.
func (e *Error) Retryable() bool { return e.retryable }

// Is supports errors.Is comparisons by Kind, so callers can write
// errors.Is(err, xerrors.New(xerrors.Timeout, "")) or, more idiomatically,
// use Kind directly via KindOf.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// as is a tiny local shim so this package does not need to import the
// standard errors package's As with its generic-unfriendly signature in
// more than one place.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
