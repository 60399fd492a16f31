// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxPeerIDLen = 64

var (
	ErrPeerIDEmpty   = errors.New("peer id empty")
	ErrPeerIDTooLong = errors.New("peer id too long")
)

// PeerID is an opaque, stable identifier of a participant.
type PeerID string

// NewPeerID is a tiny helper to mint a local identity when none is configured.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

func ParsePeerID(raw string) (PeerID, error) {
	if len(raw) == 0 {
		return "", ErrPeerIDEmpty
	}
	if len(raw) > MaxPeerIDLen {
		return "", ErrPeerIDTooLong
	}
	return PeerID(raw), nil
}

// Role is fixed when a session is created.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	}
	return "unknown"
}

type State int

const (
	StateNew State = iota
	StateOfferCreated
	StateOfferReceived
	StateAnswerCreated
	StateAnswerReceived
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateNew:            "new",
	StateOfferCreated:   "offer-created",
	StateOfferReceived:  "offer-received",
	StateAnswerCreated:  "answer-created",
	StateAnswerReceived: "answer-received",
	StateConnected:      "connected",
	StateDisconnected:   "disconnected",
	StateFailed:         "failed",
	StateClosed:         "closed",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions other than Closed can follow.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}
