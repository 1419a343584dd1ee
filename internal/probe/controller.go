package probe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/logger"
)

// Controller owns one probe's start/stop execution and running flag.
// Failures stay inside the controller: they are logged, kept in LastError
// and reported through return values, never as panics.
type Controller struct {
	probe  *Probe
	source Source
	log    logger.Logger

	mu      sync.Mutex // serializes start and stop
	running atomic.Bool
	gen     uint64 // incremented per successful start, guarded by mu

	errMu   sync.RWMutex
	lastErr error
}

func newController(p *Probe, source Source, log logger.Logger) *Controller {
	return &Controller{probe: p, source: source, log: log}
}

// Running reports whether the source is actually producing.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// LastError returns the most recent start or stop failure, or nil.
func (c *Controller) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.lastErr
}

// InitializeAndStart starts the probe's source. It returns false without
// doing anything when the probe is disabled, and false with LastError set
// when the source fails. A running controller returns true immediately.
func (c *Controller) InitializeAndStart(ctx context.Context, emit Emitter) bool {
	name := c.probe.Name()

	if !c.probe.Enabled() {
		c.log.Debug().Str("probe", name).Msg("Probe disabled, not starting")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() {
		return true
	}

	c.log.Debug().Str("probe", name).Msg("Starting probe")

	if err := c.safeStart(ctx, emit); err != nil {
		wrapped := errors.New().Wrap(ErrProbeStart, err).WithMessage(fmt.Sprintf("probe %s failed to start", name))
		c.setLastError(wrapped)
		c.log.Error().Err(err).Str("probe", name).Msg("Probe failed to start")
		return false
	}

	c.setLastError(nil)
	c.gen++
	c.setRunning(true)
	c.watch(c.gen)

	c.log.Debug().Str("probe", name).Msg("Probe started")

	return true
}

// Stop stops a running probe. Calling Stop on a controller that is not
// running changes nothing and returns an ErrNotRunning error. A failing
// source stop still leaves the controller stopped.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := c.probe.Name()
	if !c.running.Load() {
		return errors.New().New(ErrNotRunning).WithData(name)
	}

	c.log.Debug().Str("probe", name).Msg("Stopping probe")

	err := c.safeStop(ctx)
	c.setRunning(false)

	if err != nil {
		wrapped := errors.New().Wrap(ErrProbeStop, err).WithMessage(fmt.Sprintf("probe %s failed to stop", name))
		c.setLastError(wrapped)
		return wrapped
	}

	c.log.Debug().Str("probe", name).Msg("Probe stopped")

	return nil
}

func (c *Controller) safeStart(ctx context.Context, emit Emitter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New().WithData(ErrSourcePanicked, r)
		}
	}()

	return c.source.Start(ctx, emit)
}

func (c *Controller) safeStop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New().WithData(ErrSourcePanicked, r)
		}
	}()

	return c.source.Stop(ctx)
}

// watch clears the running flag if the source's run loop ends without a
// Stop call.
func (c *Controller) watch(gen uint64) {
	d, ok := c.source.(doner)
	if !ok {
		return
	}
	done := d.Done()
	if done == nil {
		return
	}

	go func() {
		<-done

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.gen != gen || !c.running.Load() {
			return
		}

		c.log.Warn().Str("probe", c.probe.Name()).Msg("Probe exited unexpectedly")
		c.setRunning(false)
	}()
}

func (c *Controller) setRunning(running bool) {
	if c.running.Swap(running) != running {
		c.probe.publish(AttrRunning, running)
	}
}

func (c *Controller) setLastError(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.lastErr = err
}
