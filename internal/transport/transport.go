// Package transport implements the live telemetry channels.
package transport

import (
	"context"

	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/telemetry"
)

const (
	NamePush = "push"
	NamePoll = "poll"
)

const (
	ErrTransport       = errors.ErrTransport
	ErrHandshake       = errors.ErrHandshake
	ErrHeartbeatMissed = errors.ErrHeartbeatMissed
)

// Sink receives what an adapter observes. Calls happen on the adapter's
// goroutine, in order.
type Sink interface {
	// Established reports that the channel is up, either because the
	// handshake was acknowledged or because the first snapshot arrived.
	Established()
	Snapshot(snap telemetry.Snapshot)
}

// Adapter is one concrete live channel.
type Adapter interface {
	Name() string
	// Run delivers into sink until ctx ends or the channel fails. It
	// returns nil only when ctx ended.
	Run(ctx context.Context, sink Sink) error
}

// Prober checks whether a channel could be established without
// delivering anything.
type Prober interface {
	Probe(ctx context.Context) error
}

// IsAuthFailure reports whether err means the backend rejected, or the
// session could not supply, the credential.
func IsAuthFailure(err error) bool {
	return errors.HasCode(err, errors.ErrUnauthorized) ||
		errors.HasCode(err, errors.ErrAuthExpired) ||
		errors.HasCode(err, errors.ErrNotAuthenticated)
}

// SinkFuncs adapts two functions to a Sink. Nil functions are skipped.
type SinkFuncs struct {
	OnEstablished func()
	OnSnapshot    func(telemetry.Snapshot)
}

func (s SinkFuncs) Established() {
	if s.OnEstablished != nil {
		s.OnEstablished()
	}
}

func (s SinkFuncs) Snapshot(snap telemetry.Snapshot) {
	if s.OnSnapshot != nil {
		s.OnSnapshot(snap)
	}
}
