package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the Relay error taxonomy of spec §7. It classifies failures
// by cause rather than by Go type, so callers can branch on Kind() without
// type-asserting a concrete error.
type ErrorKind int

const (
	// KindRelay is the generic/unclassified relay fault.
	KindRelay ErrorKind = iota
	KindAuthorizationFailed
	KindEndpointNotFound
	KindEndpointAlreadyExists
	KindQuotaExceeded
	KindServerBusy
	KindConnectionLost
	KindTimeout
	// KindCancelled is a dedicated variant, distinct from KindTimeout, for
	// operations aborted via context cancellation.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthorizationFailed:
		return "AuthorizationFailed"
	case KindEndpointNotFound:
		return "EndpointNotFound"
	case KindEndpointAlreadyExists:
		return "EndpointAlreadyExists"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindServerBusy:
		return "ServerBusy"
	case KindConnectionLost:
		return "ConnectionLost"
	case KindTimeout:
		return "Timeout"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Relay"
	}
}

// Transient reports whether a kind is expected to succeed on retry.
// AuthorizationFailed, EndpointNotFound, EndpointAlreadyExists, and
// QuotaExceeded are not transient; everything else is.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindAuthorizationFailed, KindEndpointNotFound, KindEndpointAlreadyExists, KindQuotaExceeded:
		return false
	default:
		return true
	}
}

// RelayError is the error type surfaced by every public operation in this
// package. It always carries a TrackingContext so the message can be
// annotated with a trackable suffix.
type RelayError struct {
	Kind      ErrorKind
	Tracking  TrackingContext
	Message   string
	Transient bool
	Cause     error
}

// NewRelayError builds a RelayError, deriving Transient from kind.
func NewRelayError(kind ErrorKind, tc TrackingContext, message string, cause error) *RelayError {
	return &RelayError{Kind: kind, Tracking: tc, Message: message, Transient: kind.Transient(), Cause: cause}
}

func (e *RelayError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return e.Tracking.Suffix(msg)
}

func (e *RelayError) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, &RelayError{Kind: KindCancelled}) style matching
// on kind via a sentinel target built with the same kind.
func (e *RelayError) Is(target error) bool {
	var re *RelayError
	if errors.As(target, &re) {
		return re.Kind == e.Kind
	}
	return false
}

// MapUpgradeStatus maps an HTTP upgrade response status code to an error
// kind, per spec §6.4. 410 is not mapped here — it is success on the reject
// rendezvous path and KindRelay everywhere else, which callers decide based
// on context (see rendezvous.go).
func MapUpgradeStatus(status int) ErrorKind {
	switch status {
	case http.StatusUnauthorized:
		return KindAuthorizationFailed
	case http.StatusForbidden:
		return KindQuotaExceeded
	case http.StatusNotFound, http.StatusNoContent:
		return KindEndpointNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusConflict:
		return KindEndpointAlreadyExists
	case http.StatusServiceUnavailable:
		return KindServerBusy
	default:
		return KindRelay
	}
}

// IsTerminalForReconnect reports whether a control-connection failure
// should stop the reconnect loop rather than retry it. Only EndpointNotFound
// is terminal (spec §4.3); everything else, including auth and timeouts, is
// transient from the reconnect loop's point of view.
func IsTerminalForReconnect(err error) bool {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Kind == KindEndpointNotFound
	}
	return false
}
