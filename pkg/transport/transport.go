// Package transport implements both ends of the gamewire two-channel
// datagram transport: a reliable channel with selective-repeat ARQ, a bounded
// send window and skip-timer-bounded in-order delivery, and an unreliable
// channel that trades loss for minimum delay. The transport is strictly
// point-to-point; each Sender talks to exactly one Receiver.
package transport

import "errors"

var (
	// ErrAlreadyStarted is returned when Connect or Listen is called on an
	// endpoint that is already running.
	ErrAlreadyStarted = errors.New("transport already started")

	// ErrNotStarted is returned when an operation requires a running
	// endpoint.
	ErrNotStarted = errors.New("transport not started")
)
