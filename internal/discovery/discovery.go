// Package discovery implements the two peer-discovery roles: the Announcer
// makes this device findable by broadcasting a well-known marker, and the
// Seeker scans for devices broadcasting that marker and maintains an ordered,
// deduplicated candidate list.
//
// The two roles are mutually exclusive on one device at a time and share one
// Radio, the broadcast medium abstraction.
package discovery

import (
	"context"
	"errors"
	"fmt"
)

// PeerID identifies a remote device. Identity equality is by Addr; Name is a
// human-readable label and may be empty.
type PeerID struct {
	Addr string
	Name string
}

// Label returns the best human-readable handle for the peer.
func (p PeerID) Label() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Addr
}

// Candidate is one discovered device. Seen is the first-seen position within
// the current scan, starting at zero.
type Candidate struct {
	PeerID
	Seen int
}

// Enablement / permission failures. Starting either role first consults the
// Gate; denial surfaces immediately as one of these, never as a hang or a
// silent empty result.
var (
	ErrRadioDisabled     = errors.New("discovery: radio disabled")
	ErrPermissionDenied  = errors.New("discovery: permission denied")
	ErrAlreadyDiscovered = errors.New("discovery: already running")
)

// Error wraps a failure to start or run a discovery role.
type Error struct {
	Op  string // "announce" or "seek"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("discovery: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Gate is the externally supplied radio-enablement precondition. Enable
// returns nil once the radio is usable, ErrRadioDisabled on declined
// enablement, or ErrPermissionDenied when the capability is not granted.
// Implementations must return promptly, never block indefinitely.
type Gate interface {
	Enable(ctx context.Context) error
}

// AlwaysEnabled is a Gate for platforms where the radio needs no enablement.
type AlwaysEnabled struct{}

func (AlwaysEnabled) Enable(context.Context) error { return nil }
