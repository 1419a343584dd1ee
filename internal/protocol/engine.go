package protocol

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/sensusd/internal/datastore"
	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/notify"
	"codeberg.org/mutker/sensusd/internal/probe"
)

// SetRunning requests a start (true) or stop (false) and returns without
// waiting for it. The sequence runs on the protocol's Scheduler, or on its
// own goroutine when none is set. Requests that match the current state
// are ignored.
func (p *Protocol) SetRunning(running bool) {
	if running == p.Running() {
		return
	}

	switch {
	case p.scheduler != nil && running:
		p.scheduler.StartProtocol(p)
	case p.scheduler != nil:
		p.scheduler.StopProtocol(p)
	case running:
		go func() { _ = p.Start(context.Background()) }()
	default:
		go func() { _ = p.Stop(context.Background()) }()
	}
}

// Start runs the start sequence: every enabled probe in list order, then
// the local store, then the remote store. It blocks until the sequence
// completes or aborts.
//
// A probe that fails to start is reported and skipped. If no probe starts
// the sequence aborts with ErrNoProbesStarted before any store is touched.
// A store start failure aborts the sequence with a *StartError; components
// already started stay running unless WithRollbackOnStartFailure was set.
// In every abort case the protocol ends Stopped with Running() false.
func (p *Protocol) Start(ctx context.Context) error {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()

	if p.State() != StateStopped {
		return errors.New().WithData(ErrAlreadyRunning, p.Name())
	}

	p.resetFailures()
	if err := p.transition(StateStarting); err != nil {
		return err
	}

	name := p.Name()
	p.log.Info().Str("name", name).Str("id", p.id).Msg("Starting protocol")

	var started []*probe.Probe
	for _, pr := range p.Probes() {
		if !pr.Enabled() {
			p.log.Debug().Str("probe", pr.Name()).Msg("Probe disabled, skipping")
			continue
		}

		var ok bool
		p.step(StageProbeStart, pr.Name(), func() error {
			ok = pr.Controller().InitializeAndStart(ctx, p)
			return nil
		})

		if ok {
			started = append(started, pr)
			continue
		}

		err := pr.Controller().LastError()
		if err == nil {
			err = errors.New().WithData(errors.ErrProbeStart, pr.Name())
		}
		p.report(Failure{Stage: StageProbeStart, Subject: pr.Name(), Err: err})
	}

	if len(started) == 0 {
		p.log.Info().Str("name", name).Msg("No probes were started")
		p.abort()
		return errors.New().WithData(ErrNoProbesStarted, name)
	}

	p.log.Info().Str("name", name).Int("probes", len(started)).Msg("Probes started")

	local := p.LocalDataStore()
	if f, ok := p.startLocal(ctx, local); !ok {
		p.report(f)
		if p.rollback {
			p.rollbackStart(ctx, started, nil)
		}
		p.abort()
		return &StartError{Protocol: name, Failure: f}
	}

	remote := p.RemoteDataStore()
	if f, ok := p.startRemote(ctx, remote, local); !ok {
		p.report(f)
		if p.rollback {
			p.rollbackStart(ctx, started, local)
		}
		p.abort()
		return &StartError{Protocol: name, Failure: f}
	}

	if err := p.transition(StateRunning); err != nil {
		return err
	}
	p.log.Info().Str("name", name).Msg("Protocol running")

	return nil
}

// Stop runs the stop sequence: every running probe, then the local store
// if running, then the remote store if running. Each step's failure is
// reported and the sequence continues, so the protocol always ends
// Stopped. Stop on a stopped protocol does nothing.
//
// Failures are not returned; read them with Failures() or observe the
// failure changes on the bus.
func (p *Protocol) Stop(ctx context.Context) error {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()

	if p.State() == StateStopped {
		p.log.Debug().Str("name", p.Name()).Msg("Protocol already stopped")
		return nil
	}

	p.resetFailures()
	if err := p.transition(StateStopping); err != nil {
		return err
	}

	name := p.Name()
	p.log.Info().Str("name", name).Msg("Stopping protocol")

	p.stopProbes(ctx, p.Probes())

	if local := p.LocalDataStore(); local != nil && local.Running() {
		p.stopStore(ctx, StageLocalStop, local.Stop)
	}

	if remote := p.RemoteDataStore(); remote != nil && remote.Running() {
		p.stopStore(ctx, StageRemoteStop, remote.Stop)
	}

	p.setRunningFlag(false)
	if err := p.transition(StateStopped); err != nil {
		return err
	}
	p.log.Info().Str("name", name).Msg("Protocol stopped")

	return nil
}

// Reset stops the components an aborted start left running: probes that
// started and a local or remote store that came up before the sequence
// failed. It only runs on a stopped protocol and, like Stop, reports step
// failures instead of returning them. Reset on a protocol with nothing
// left running does nothing.
func (p *Protocol) Reset(ctx context.Context) error {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()

	if p.State() != StateStopped {
		return errors.New().WithData(ErrProtocolBusy, p.Name())
	}

	var probes []*probe.Probe
	for _, pr := range p.Probes() {
		if pr.Running() {
			probes = append(probes, pr)
		}
	}
	local := p.LocalDataStore()
	localUp := local != nil && local.Running()
	remote := p.RemoteDataStore()
	remoteUp := remote != nil && remote.Running()

	if len(probes) == 0 && !localUp && !remoteUp {
		return nil
	}

	p.resetFailures()
	p.log.Info().
		Str("name", p.Name()).
		Int("probes", len(probes)).
		Bool("local", localUp).
		Bool("remote", remoteUp).
		Msg("Stopping components left by an aborted start")

	p.stopProbes(ctx, probes)
	if localUp {
		p.stopStore(ctx, StageLocalStop, local.Stop)
	}
	if remoteUp {
		p.stopStore(ctx, StageRemoteStop, remote.Stop)
	}

	return nil
}

// startLocal starts the local store. A store left running by an earlier
// aborted start is reused as is.
func (p *Protocol) startLocal(ctx context.Context, local datastore.Local) (Failure, bool) {
	f := Failure{Stage: StageLocalStart, Subject: "local"}

	if local == nil {
		f.Err = errors.New().WithData(ErrMissingStore, "local")
		return f, false
	}
	if local.Running() {
		return f, true
	}

	err := p.step(StageLocalStart, f.Subject, func() error {
		return local.Start(ctx, p)
	})
	if err != nil {
		f.Err = errors.New().Wrap(ErrLocalStart, err)
		return f, false
	}

	return f, true
}

func (p *Protocol) startRemote(ctx context.Context, remote datastore.Remote, local datastore.Local) (Failure, bool) {
	f := Failure{Stage: StageRemoteStart, Subject: "remote"}

	if remote == nil {
		f.Err = errors.New().WithData(ErrMissingStore, "remote")
		return f, false
	}
	if remote.Running() {
		return f, true
	}

	err := p.step(StageRemoteStart, f.Subject, func() error {
		return remote.Start(ctx, local)
	})
	if err != nil {
		f.Err = errors.New().Wrap(ErrRemoteStart, err)
		return f, false
	}

	return f, true
}

func (p *Protocol) stopProbes(ctx context.Context, probes []*probe.Probe) {
	for _, pr := range probes {
		if !pr.Running() {
			continue
		}

		err := p.step(StageProbeStop, pr.Name(), func() error {
			return pr.Controller().Stop(ctx)
		})
		if err != nil {
			p.report(Failure{Stage: StageProbeStop, Subject: pr.Name(), Err: err})
		}
	}
}

func (p *Protocol) stopStore(ctx context.Context, stage Stage, stop func(context.Context) error) {
	subject := "local"
	code := ErrLocalStop
	if stage == StageRemoteStop {
		subject = "remote"
		code = ErrRemoteStop
	}

	err := p.step(stage, subject, func() error {
		return stop(ctx)
	})
	if err != nil {
		p.report(Failure{Stage: stage, Subject: subject, Err: errors.New().Wrap(code, err)})
	}
}

// rollbackStart stops what an aborted start sequence brought up. local is
// nil when the local store never started.
func (p *Protocol) rollbackStart(ctx context.Context, started []*probe.Probe, local datastore.Local) {
	p.log.Warn().Str("name", p.Name()).Msg("Rolling back aborted start")

	p.stopProbes(ctx, started)
	if local != nil && local.Running() {
		p.stopStore(ctx, StageLocalStop, local.Stop)
	}
}

// abort ends a failed start sequence in Stopped.
func (p *Protocol) abort() {
	p.setRunningFlag(false)
	if err := p.transition(StateStopped); err != nil {
		p.log.Error().Err(err).Msg("Failed to abort start sequence")
	}
}

// step runs one start or stop step. A panic inside the step is converted
// to an error, and a warning is logged if the step outlives the configured
// stage warning.
func (p *Protocol) step(stage Stage, subject string, fn func() error) (err error) {
	if p.stageWarn > 0 {
		began := time.Now()
		timer := time.AfterFunc(p.stageWarn, func() {
			p.log.Warn().
				Str("stage", string(stage)).
				Str("subject", subject).
				Dur("elapsed", time.Since(began)).
				Msg("Protocol step is taking longer than expected")
		})
		defer timer.Stop()
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.New().WithData(ErrComponentPanic, fmt.Sprintf("%s %s: %v", stage, subject, r))
		}
	}()

	return fn()
}

// report logs a failure, records it for Failures and publishes it.
func (p *Protocol) report(f Failure) {
	p.log.Error().
		Str("stage", string(f.Stage)).
		Str("subject", f.Subject).
		Bool("fatal", f.Stage.Fatal()).
		Err(f.Err).
		Msg("Protocol step failed")

	p.mu.Lock()
	p.failures = append(p.failures, f)
	p.mu.Unlock()

	p.publish(AttrFailure, f)
}

func (p *Protocol) resetFailures() {
	p.mu.Lock()
	p.failures = nil
	p.mu.Unlock()
}

// transition moves the state machine to next and publishes the change.
// Entering Starting also raises the running flag.
func (p *Protocol) transition(next State) error {
	cur := p.State()
	if !allowedTransition(cur, next) {
		return errors.New().WithData(ErrInvalidState, fmt.Sprintf("%s -> %s", cur, next))
	}

	p.state.Store(next)
	p.log.Debug().Str("from", cur.String()).Str("to", next.String()).Msg("Protocol state changed")
	p.publish(AttrState, next)

	if next == StateStarting {
		p.setRunningFlag(true)
	}

	return nil
}

func (p *Protocol) setRunningFlag(running bool) {
	if p.running.Swap(running) != running {
		p.publish(AttrRunning, running)
	}
}

// Changes returns a buffered channel of changes, registered like Subscribe.
func (p *Protocol) Changes(buffer int) (notify.Subscription, <-chan notify.Change) {
	sub, ch := p.bus.Channel(buffer)

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	return sub, ch
}
