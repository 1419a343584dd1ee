// Package datastore defines the contracts between the protocol engine and
// its two-stage store pipeline: a local store buffering probe output and a
// remote store forwarding that buffer to an external endpoint.
package datastore

import (
	"context"

	"codeberg.org/mutker/sensusd/internal/datum"
	"codeberg.org/mutker/sensusd/internal/errors"
)

const (
	ErrNotRunning     = errors.ErrNotRunning
	ErrAlreadyRunning = errors.ErrAlreadyRunning
)

// Context identifies the protocol a local store is started for. Persisted
// records are tagged with it.
type Context interface {
	ID() string
	Name() string
}

// Entry is a buffered datum with its arrival sequence number.
type Entry struct {
	Seq   int64
	Datum *datum.Datum
}

// Local buffers records from running probes.
type Local interface {
	Start(ctx context.Context, pc Context) error
	Stop(ctx context.Context) error
	Running() bool

	// Add accepts one record. It fails with ErrNotRunning outside the
	// running window.
	Add(ctx context.Context, d *datum.Datum) error

	// Pending returns up to limit buffered entries in arrival order.
	Pending(ctx context.Context, limit int) ([]Entry, error)
	// Ack discards every entry with a sequence number up to and including seq.
	Ack(ctx context.Context, seq int64) error
}

// Remote drains a Local store to an external endpoint.
type Remote interface {
	Start(ctx context.Context, upstream Local) error
	Stop(ctx context.Context) error
	Running() bool
}
