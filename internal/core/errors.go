package core

import "errors"

var (
	ErrDeviceUnavailable  = errors.New("device unavailable")
	ErrNegotiationFailure = errors.New("negotiation failure")
	ErrSignalingDelivery  = errors.New("signaling delivery failure")
	ErrStaleMessage       = errors.New("stale signaling message")
	ErrMalformedSignal    = errors.New("malformed signaling message")
	ErrSessionClosed      = errors.New("session closed")
)
