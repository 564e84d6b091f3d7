package callsession

import "errors"

var (
	// ErrSessionTerminated is returned by operations attempted during or after
	// teardown. It is never escalated beyond the caller of that operation.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrNegotiationFailed wraps an error reported by the transport while
	// producing or applying a description.
	ErrNegotiationFailed = errors.New("negotiation failed")
	// ErrProtocolViolation is returned when the transport reports success but
	// produces no description.
	ErrProtocolViolation = errors.New("transport protocol violation")
	// ErrDeliveryFailed is returned for critical data channel messages that
	// could not be sent.
	ErrDeliveryFailed = errors.New("message delivery failed")
)
