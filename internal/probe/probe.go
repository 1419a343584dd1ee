// Package probe provides probes, the independent data-producing agents of
// a protocol, and the controllers that start and stop them.
//
// A probe is a named, enable-able wrapper around a Source. Its Controller
// owns the running state and keeps a failing source from affecting anything
// outside its own boundary. Two Source variants are provided: NewPolling
// calls a Poller on an interval and NewListening runs an event-driven
// Listener until stopped.
package probe

import (
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/sensusd/internal/logger"
	"codeberg.org/mutker/sensusd/internal/notify"
)

// Attribute names published on the notification bus.
const (
	AttrEnabled = "enabled"
	AttrRunning = "running"
)

// Probe is a named data producer. It is owned by at most one protocol.
type Probe struct {
	name       string
	kind       string
	enabled    atomic.Bool
	controller *Controller

	mu    sync.RWMutex
	owner Owner
	bus   *notify.Bus
}

// Option configures a Probe.
type Option func(*Probe)

// WithKind records the registry type the probe was built from.
func WithKind(kind string) Option {
	return func(p *Probe) {
		p.kind = kind
	}
}

// WithEnabled sets the initial enabled flag. Probes are enabled by default.
func WithEnabled(enabled bool) Option {
	return func(p *Probe) {
		p.enabled.Store(enabled)
	}
}

// WithLogger sets the logger used by the probe's controller and by the
// polling and listening sources.
func WithLogger(log logger.Logger) Option {
	return func(p *Probe) {
		p.controller.log = log
	}
}

// New wraps source as a probe called name.
func New(name string, source Source, opts ...Option) *Probe {
	p := &Probe{name: name, kind: name}
	p.enabled.Store(true)
	p.controller = newController(p, source, logger.Default().With("probe"))

	for _, opt := range opts {
		opt(p)
	}
	if l, ok := source.(logSetter); ok {
		l.setLogger(p.controller.log)
	}

	return p
}

func (p *Probe) Name() string { return p.name }

// Kind returns the registry type name, or the probe name for probes built
// directly with New.
func (p *Probe) Kind() string { return p.kind }

func (p *Probe) Enabled() bool { return p.enabled.Load() }

// SetEnabled changes whether the probe takes part in the next start
// sequence. It does not start or stop a running probe.
func (p *Probe) SetEnabled(enabled bool) {
	if p.enabled.Swap(enabled) != enabled {
		p.publish(AttrEnabled, enabled)
	}
}

// Controller returns the controller owning the probe's running state.
func (p *Probe) Controller() *Controller { return p.controller }

// Running is shorthand for Controller().Running().
func (p *Probe) Running() bool { return p.controller.Running() }

// Protocol returns the current owner, or nil.
func (p *Probe) Protocol() Owner {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.owner
}

// Attach records owner as the probe's protocol and bus as the channel for
// its change notifications. It is called by the owning protocol.
func (p *Probe) Attach(owner Owner, bus *notify.Bus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owner = owner
	p.bus = bus
}

// Detach clears the owner and bus if owner is still the current owner.
func (p *Probe) Detach(owner Owner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owner == owner {
		p.owner = nil
		p.bus = nil
	}
}

func (p *Probe) publish(attribute string, value any) {
	p.mu.RLock()
	bus := p.bus
	p.mu.RUnlock()

	if bus != nil {
		bus.Publish(notify.Change{Source: p.name, Attribute: attribute, Value: value})
	}
}
