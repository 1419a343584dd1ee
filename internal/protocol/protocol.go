// Package protocol implements the protocol execution engine: it owns a
// set of probes plus a local and a remote data store and brings them up
// and down as one lifecycle.
//
// Start runs probes first, then the local store, then the remote store.
// A probe failure is isolated to that probe; a store failure aborts the
// rest of the sequence and returns the protocol to stopped without rolling
// back what already started (see WithRollbackOnStartFailure). Stop is best
// effort: every running component is asked to stop, failures are reported
// and the sequence always completes.
//
// Every failure is logged with its stage and subject and published on the
// notification bus. Observers read protocol state through Snapshot or bus
// changes, never through the engine's own fields.
package protocol

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/sensusd/internal/datastore"
	"codeberg.org/mutker/sensusd/internal/datum"
	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/logger"
	"codeberg.org/mutker/sensusd/internal/notify"
	"codeberg.org/mutker/sensusd/internal/probe"
	"github.com/google/uuid"
)

// Attribute names published on the notification bus.
const (
	AttrName        = "name"
	AttrRunning     = "running"
	AttrState       = "state"
	AttrProbes      = "probes"
	AttrLocalStore  = "local_store"
	AttrRemoteStore = "remote_store"
	AttrFailure     = "failure"
)

// Scheduler is the process-level coordinator that runs start and stop
// sequences off the caller's goroutine.
type Scheduler interface {
	StartProtocol(p *Protocol)
	StopProtocol(p *Protocol)
}

// Protocol is a named probe set with its store pipeline.
type Protocol struct {
	id        string
	log       logger.Logger
	bus       *notify.Bus
	ownsBus   bool
	scheduler Scheduler
	rollback  bool
	stageWarn time.Duration

	// seqMu serializes start/stop sequences and configuration changes.
	seqMu sync.Mutex

	// mu guards the fields below for readers outside seqMu.
	mu       sync.RWMutex
	name     string
	probes   []*probe.Probe
	local    datastore.Local
	remote   datastore.Remote
	failures []Failure
	subs     []notify.Subscription

	state   atomic.Value // State
	running atomic.Bool
}

var (
	_ probe.Owner       = (*Protocol)(nil)
	_ probe.Emitter     = (*Protocol)(nil)
	_ datastore.Context = (*Protocol)(nil)
)

// Option configures a Protocol.
type Option func(*Protocol) error

// WithLogger sets the logger. Defaults to logger.Default().
func WithLogger(log logger.Logger) Option {
	return func(p *Protocol) error {
		p.log = log
		return nil
	}
}

// WithBus publishes changes on a shared bus instead of a private one.
func WithBus(bus *notify.Bus) Option {
	return func(p *Protocol) error {
		p.bus = bus
		p.ownsBus = false
		for _, pr := range p.probes {
			pr.Attach(p, bus)
		}
		return nil
	}
}

// WithScheduler sets the coordinator used by SetRunning.
func WithScheduler(s Scheduler) Option {
	return func(p *Protocol) error {
		p.scheduler = s
		return nil
	}
}

// WithProbes adds probes in order.
func WithProbes(probes ...*probe.Probe) Option {
	return func(p *Protocol) error {
		for _, pr := range probes {
			if err := p.AddProbe(pr); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithDefaultProbes adds one probe of every type in registry.
func WithDefaultProbes(registry *probe.Registry) Option {
	return func(p *Protocol) error {
		probes, err := registry.Default()
		if err != nil {
			return err
		}
		return WithProbes(probes...)(p)
	}
}

// WithLocalDataStore sets the local store.
func WithLocalDataStore(store datastore.Local) Option {
	return func(p *Protocol) error {
		return p.SetLocalDataStore(store)
	}
}

// WithRemoteDataStore sets the remote store.
func WithRemoteDataStore(store datastore.Remote) Option {
	return func(p *Protocol) error {
		return p.SetRemoteDataStore(store)
	}
}

// WithRollbackOnStartFailure makes a store start failure stop every
// component the aborted sequence had already started. Without it those
// components are left running.
func WithRollbackOnStartFailure() Option {
	return func(p *Protocol) error {
		p.rollback = true
		return nil
	}
}

// WithStageWarning logs a warning whenever a single start or stop step
// takes longer than d. The step itself is not interrupted.
func WithStageWarning(d time.Duration) Option {
	return func(p *Protocol) error {
		p.stageWarn = d
		return nil
	}
}

// New creates a stopped protocol called name.
func New(name string, opts ...Option) (*Protocol, error) {
	p := &Protocol{
		id:      uuid.NewString(),
		name:    name,
		log:     logger.Default(),
		bus:     notify.NewBus(),
		ownsBus: true,
	}
	p.state.Store(StateStopped)

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.log = p.log.With("protocol")

	return p, nil
}

func (p *Protocol) ID() string { return p.id }

func (p *Protocol) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// SetName renames the protocol.
func (p *Protocol) SetName(name string) {
	p.mu.Lock()
	changed := p.name != name
	p.name = name
	p.mu.Unlock()

	if changed {
		p.publish(AttrName, name)
	}
}

// State returns the last published lifecycle state.
func (p *Protocol) State() State {
	return p.state.Load().(State)
}

// Running returns the last published running flag. It is true from the
// moment a start sequence begins until the protocol is stopped again.
func (p *Protocol) Running() bool {
	return p.running.Load()
}

// Snapshot returns a copy of the observable state.
func (p *Protocol) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	probes := make([]ProbeStatus, len(p.probes))
	for i, pr := range p.probes {
		probes[i] = ProbeStatus{
			Name:    pr.Name(),
			Kind:    pr.Kind(),
			Enabled: pr.Enabled(),
			Running: pr.Running(),
		}
	}

	return Snapshot{
		ID:      p.id,
		Name:    p.name,
		State:   p.State(),
		Running: p.Running(),
		Probes:  probes,
	}
}

// Probes returns the probe list in insertion order.
func (p *Protocol) Probes() []*probe.Probe {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*probe.Probe(nil), p.probes...)
}

// LocalDataStore returns the local store, or nil.
func (p *Protocol) LocalDataStore() datastore.Local {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.local
}

// RemoteDataStore returns the remote store, or nil.
func (p *Protocol) RemoteDataStore() datastore.Remote {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remote
}

// Failures returns the failures reported by the most recent sequence.
func (p *Protocol) Failures() []Failure {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Failure(nil), p.failures...)
}

// lockIdle takes seqMu if no sequence is in flight and the protocol is
// stopped. Configuration changes are only allowed in that window.
func (p *Protocol) lockIdle() error {
	if !p.seqMu.TryLock() {
		return errors.New().New(ErrProtocolBusy)
	}
	if p.State() != StateStopped {
		p.seqMu.Unlock()
		return errors.New().New(ErrProtocolBusy)
	}
	return nil
}

// AddProbe appends pr. A probe held by another protocol is removed from it
// once this protocol has accepted the add, so a rejected add leaves the
// probe with its previous owner. Adding a probe twice fails.
func (p *Protocol) AddProbe(pr *probe.Probe) error {
	if err := p.lockIdle(); err != nil {
		return err
	}
	defer p.seqMu.Unlock()

	p.mu.Lock()
	for _, existing := range p.probes {
		if existing == pr {
			p.mu.Unlock()
			return errors.New().WithData(ErrDuplicateProbe, pr.Name())
		}
	}
	p.mu.Unlock()

	// prev.RemoveProbe only try-locks prev's sequence lock.
	if prev := pr.Protocol(); prev != nil && prev != probe.Owner(p) {
		if err := prev.RemoveProbe(pr); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.probes = append(p.probes, pr)
	p.mu.Unlock()

	pr.Attach(p, p.bus)
	p.publish(AttrProbes, len(p.Probes()))

	return nil
}

// RemoveProbe detaches pr from the protocol.
func (p *Protocol) RemoveProbe(pr *probe.Probe) error {
	if err := p.lockIdle(); err != nil {
		return err
	}
	defer p.seqMu.Unlock()

	p.mu.Lock()
	idx := -1
	for i, existing := range p.probes {
		if existing == pr {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return errors.New().WithData(ErrUnknownProbe, pr.Name())
	}
	p.probes = append(p.probes[:idx:idx], p.probes[idx+1:]...)
	p.mu.Unlock()

	pr.Detach(p)
	p.publish(AttrProbes, len(p.Probes()))

	return nil
}

// SetLocalDataStore replaces the local store. Only allowed while stopped.
func (p *Protocol) SetLocalDataStore(store datastore.Local) error {
	if err := p.lockIdle(); err != nil {
		return err
	}
	defer p.seqMu.Unlock()

	p.mu.Lock()
	changed := p.local != store
	p.local = store
	p.mu.Unlock()

	if changed {
		p.publish(AttrLocalStore, store != nil)
	}
	return nil
}

// SetRemoteDataStore replaces the remote store. Only allowed while stopped.
func (p *Protocol) SetRemoteDataStore(store datastore.Remote) error {
	if err := p.lockIdle(); err != nil {
		return err
	}
	defer p.seqMu.Unlock()

	p.mu.Lock()
	changed := p.remote != store
	p.remote = store
	p.mu.Unlock()

	if changed {
		p.publish(AttrRemoteStore, store != nil)
	}
	return nil
}

// Emit forwards a probe record to the local store, tagged with the
// protocol id. Records are dropped while no local store is set.
func (p *Protocol) Emit(ctx context.Context, d *datum.Datum) error {
	local := p.LocalDataStore()
	if local == nil {
		p.log.Debug().Str("probe", d.Probe).Msg("No local data store, dropping datum")
		return nil
	}

	d.ProtocolID = p.id
	return local.Add(ctx, d)
}

// Subscribe registers an observer for changes published by the protocol
// and its probes. Release removes every observer registered this way.
//
// Observers run on the publishing goroutine, which may be in the middle
// of a start or stop sequence. An observer must not call Start, Stop,
// Reset or the probe and store setters; use SetRunning to react to a
// change instead.
func (p *Protocol) Subscribe(observer notify.Observer) notify.Subscription {
	sub := p.bus.Subscribe(observer)

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	return sub
}

// Unsubscribe removes one observer.
func (p *Protocol) Unsubscribe(sub notify.Subscription) {
	p.bus.Unsubscribe(sub)

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.subs {
		if s == sub {
			p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
			break
		}
	}
}

// Release tears the protocol down: every observer is unsubscribed and
// probes and stores are detached. The protocol must be stopped.
func (p *Protocol) Release() error {
	if err := p.lockIdle(); err != nil {
		return err
	}
	defer p.seqMu.Unlock()

	p.mu.Lock()
	subs := p.subs
	probes := p.probes
	p.subs = nil
	p.probes = nil
	p.local = nil
	p.remote = nil
	p.mu.Unlock()

	for _, sub := range subs {
		p.bus.Unsubscribe(sub)
	}
	for _, pr := range probes {
		pr.Detach(p)
	}
	if p.ownsBus {
		p.bus.Close()
	}

	return nil
}

func (p *Protocol) publish(attribute string, value any) {
	p.bus.Publish(notify.Change{Source: p.Name(), Attribute: attribute, Value: value})
}
