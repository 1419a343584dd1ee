package probe

import (
	"context"

	"codeberg.org/mutker/sensusd/internal/datum"
	"codeberg.org/mutker/sensusd/internal/logger"
)

// Source is the capability every probe variant implements. Start must
// return once the source is producing (or has failed to); long-running
// work belongs on goroutines the source owns and stops in Stop.
type Source interface {
	Start(ctx context.Context, emit Emitter) error
	Stop(ctx context.Context) error
}

// Emitter is the record channel from a running probe toward the local
// data store.
type Emitter interface {
	Emit(ctx context.Context, d *datum.Datum) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, d *datum.Datum) error

func (f EmitterFunc) Emit(ctx context.Context, d *datum.Datum) error {
	return f(ctx, d)
}

// Owner is the informational back-reference from a probe to the protocol
// that currently holds it.
type Owner interface {
	ID() string
	Name() string
	RemoveProbe(p *Probe) error
}

// Poller produces records when asked; wrapped by NewPolling.
type Poller interface {
	Poll(ctx context.Context) ([]*datum.Datum, error)
}

// Listener produces records as events arrive, blocking until ctx is done;
// wrapped by NewListening.
type Listener interface {
	Listen(ctx context.Context, emit Emitter) error
}

// Opener is implemented by pollers and listeners that need setup before
// their first poll or listen. A failing Open fails the probe start.
type Opener interface {
	Open(ctx context.Context) error
}

// Closer is implemented by pollers and listeners holding resources.
type Closer interface {
	Close() error
}

// logSetter is implemented by the built-in sources so they log through
// the probe's logger.
type logSetter interface {
	setLogger(log logger.Logger)
}

// doner is implemented by sources whose run loop can end on its own.
type doner interface {
	Done() <-chan struct{}
}
