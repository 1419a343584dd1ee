package protocol_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/sensusd/internal/datastore"
	"codeberg.org/mutker/sensusd/internal/datum"
	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/logger"
	"codeberg.org/mutker/sensusd/internal/notify"
	"codeberg.org/mutker/sensusd/internal/probe"
	"codeberg.org/mutker/sensusd/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	starts   int
	stops    int
}

func (s *fakeSource) Start(context.Context, probe.Emitter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return s.startErr
}

func (s *fakeSource) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return s.stopErr
}

func (s *fakeSource) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

type fakeLocal struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	panics   bool
	starts   int
	stops    int
	running  bool
	ctx      datastore.Context
	added    []*datum.Datum
}

func (l *fakeLocal) Start(_ context.Context, pc datastore.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
	if l.panics {
		panic("disk on fire")
	}
	if l.startErr != nil {
		return l.startErr
	}
	l.ctx = pc
	l.running = true
	return nil
}

func (l *fakeLocal) Stop(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
	l.running = false
	return l.stopErr
}

func (l *fakeLocal) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *fakeLocal) Add(_ context.Context, d *datum.Datum) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.added = append(l.added, d)
	return nil
}

func (l *fakeLocal) Pending(context.Context, int) ([]datastore.Entry, error) { return nil, nil }
func (l *fakeLocal) Ack(context.Context, int64) error                        { return nil }

func (l *fakeLocal) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts, l.stops
}

type fakeRemote struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	starts   int
	stops    int
	running  bool
	upstream datastore.Local
}

func (r *fakeRemote) Start(_ context.Context, upstream datastore.Local) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.startErr != nil {
		return r.startErr
	}
	r.upstream = upstream
	r.running = true
	return nil
}

func (r *fakeRemote) Stop(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.running = false
	return r.stopErr
}

func (r *fakeRemote) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *fakeRemote) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

func newProbe(name string, src probe.Source, enabled bool) *probe.Probe {
	return probe.New(name, src, probe.WithEnabled(enabled), probe.WithLogger(logger.Nop()))
}

func newProtocol(t *testing.T, local datastore.Local, remote datastore.Remote, opts ...protocol.Option) *protocol.Protocol {
	t.Helper()

	opts = append([]protocol.Option{
		protocol.WithLogger(logger.Nop()),
		protocol.WithLocalDataStore(local),
		protocol.WithRemoteDataStore(remote),
	}, opts...)

	p, err := protocol.New("test", opts...)
	require.NoError(t, err)
	return p
}

func TestStartAllSucceed(t *testing.T) {
	src := &fakeSource{}
	local, remote := &fakeLocal{}, &fakeRemote{}
	p := newProtocol(t, local, remote, protocol.WithProbes(newProbe("a", src, true)))

	require.NoError(t, p.Start(context.Background()))

	assert.Equal(t, protocol.StateRunning, p.State())
	assert.True(t, p.Running())
	assert.Empty(t, p.Failures())
	assert.Same(t, p, local.ctx)
	assert.Same(t, local, remote.upstream)

	snap := p.Snapshot()
	require.Len(t, snap.Probes, 1)
	assert.True(t, snap.Probes[0].Running)
}

func TestStartWithoutEnabledProbes(t *testing.T) {
	tests := []struct {
		name   string
		probes []*probe.Probe
	}{
		{name: "no probes"},
		{name: "all disabled", probes: []*probe.Probe{
			newProbe("a", &fakeSource{}, false),
			newProbe("b", &fakeSource{}, false),
		}},
		{name: "all failing", probes: []*probe.Probe{
			newProbe("a", &fakeSource{startErr: stderrors.New("no sensor")}, true),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, remote := &fakeLocal{}, &fakeRemote{}
			p := newProtocol(t, local, remote, protocol.WithProbes(tt.probes...))

			err := p.Start(context.Background())

			require.Error(t, err)
			assert.True(t, errors.HasCode(err, protocol.ErrNoProbesStarted))
			assert.Equal(t, protocol.StateStopped, p.State())
			assert.False(t, p.Running())

			localStarts, _ := local.counts()
			remoteStarts, _ := remote.counts()
			assert.Zero(t, localStarts)
			assert.Zero(t, remoteStarts)
		})
	}
}

func TestStartMixedProbes(t *testing.T) {
	a := &fakeSource{}
	b := &fakeSource{}
	c := &fakeSource{startErr: stderrors.New("permission denied")}
	local, remote := &fakeLocal{}, &fakeRemote{}
	p := newProtocol(t, local, remote, protocol.WithProbes(
		newProbe("a", a, true),
		newProbe("b", b, false),
		newProbe("c", c, true),
	))

	require.NoError(t, p.Start(context.Background()))

	aStarts, _ := a.counts()
	bStarts, _ := b.counts()
	cStarts, _ := c.counts()
	assert.Equal(t, 1, aStarts)
	assert.Zero(t, bStarts)
	assert.Equal(t, 1, cStarts)

	localStarts, _ := local.counts()
	assert.Equal(t, 1, localStarts)
	assert.Equal(t, protocol.StateRunning, p.State())

	failures := p.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, protocol.StageProbeStart, failures[0].Stage)
	assert.Equal(t, "c", failures[0].Subject)
	assert.True(t, errors.HasCode(failures[0].Err, errors.ErrProbeStart))
}

func TestLocalStartFailure(t *testing.T) {
	src := &fakeSource{}
	pr := newProbe("a", src, true)
	local := &fakeLocal{startErr: stderrors.New("read-only filesystem")}
	remote := &fakeRemote{}
	p := newProtocol(t, local, remote, protocol.WithProbes(pr))

	err := p.Start(context.Background())

	var startErr *protocol.StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, protocol.StageLocalStart, startErr.Failure.Stage)
	assert.True(t, errors.HasCode(err, protocol.ErrLocalStart))

	assert.Equal(t, protocol.StateStopped, p.State())
	assert.False(t, p.Running())
	remoteStarts, _ := remote.counts()
	assert.Zero(t, remoteStarts)

	// Probes are not rolled back by default.
	assert.True(t, pr.Running())
	_, stops := src.counts()
	assert.Zero(t, stops)
}

func TestRemoteStartFailure(t *testing.T) {
	src := &fakeSource{}
	pr := newProbe("a", src, true)
	local := &fakeLocal{}
	remote := &fakeRemote{startErr: stderrors.New("connection refused")}
	p := newProtocol(t, local, remote, protocol.WithProbes(pr))

	err := p.Start(context.Background())

	var startErr *protocol.StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, protocol.StageRemoteStart, startErr.Failure.Stage)
	assert.Equal(t, protocol.StateStopped, p.State())
	assert.False(t, p.Running())

	assert.True(t, pr.Running())
	assert.True(t, local.Running())
	_, localStops := local.counts()
	assert.Zero(t, localStops)

	failures := p.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, protocol.StageRemoteStart, failures[0].Stage)
}

func TestRestartAfterAbortReusesRunningComponents(t *testing.T) {
	src := &fakeSource{}
	local := &fakeLocal{}
	remote := &fakeRemote{startErr: stderrors.New("connection refused")}
	p := newProtocol(t, local, remote, protocol.WithProbes(newProbe("a", src, true)))

	require.Error(t, p.Start(context.Background()))

	remote.mu.Lock()
	remote.startErr = nil
	remote.mu.Unlock()

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, protocol.StateRunning, p.State())

	srcStarts, _ := src.counts()
	localStarts, _ := local.counts()
	assert.Equal(t, 1, srcStarts)
	assert.Equal(t, 1, localStarts)
}

func TestResetStopsComponentsLeftByAbortedStart(t *testing.T) {
	src := &fakeSource{}
	pr := newProbe("a", src, true)
	local := &fakeLocal{}
	remote := &fakeRemote{startErr: stderrors.New("connection refused")}
	p := newProtocol(t, local, remote, protocol.WithProbes(pr))

	require.Error(t, p.Start(context.Background()))
	require.True(t, pr.Running())
	require.True(t, local.Running())

	require.NoError(t, p.Reset(context.Background()))

	assert.False(t, pr.Running())
	assert.False(t, local.Running())
	_, probeStops := src.counts()
	_, localStops := local.counts()
	_, remoteStops := remote.counts()
	assert.Equal(t, 1, probeStops)
	assert.Equal(t, 1, localStops)
	assert.Equal(t, 0, remoteStops)
	assert.Equal(t, protocol.StateStopped, p.State())

	// Nothing left to stop.
	require.NoError(t, p.Reset(context.Background()))
	_, probeStops = src.counts()
	assert.Equal(t, 1, probeStops)
}

func TestResetRejectedWhileRunning(t *testing.T) {
	local := &fakeLocal{}
	p := newProtocol(t, local, &fakeRemote{}, protocol.WithProbes(newProbe("a", &fakeSource{}, true)))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	err := p.Reset(context.Background())

	assert.True(t, errors.HasCode(err, protocol.ErrProtocolBusy))
	assert.True(t, local.Running())
}

func TestRollbackOnStartFailure(t *testing.T) {
	src := &fakeSource{}
	pr := newProbe("a", src, true)
	local := &fakeLocal{}
	remote := &fakeRemote{startErr: stderrors.New("connection refused")}
	p := newProtocol(t, local, remote,
		protocol.WithProbes(pr),
		protocol.WithRollbackOnStartFailure(),
	)

	require.Error(t, p.Start(context.Background()))

	assert.False(t, pr.Running())
	assert.False(t, local.Running())
	_, stops := src.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, protocol.StateStopped, p.State())
}

func TestStorePanicIsReported(t *testing.T) {
	local := &fakeLocal{panics: true}
	remote := &fakeRemote{}
	p := newProtocol(t, local, remote, protocol.WithProbes(newProbe("a", &fakeSource{}, true)))

	err := p.Start(context.Background())

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, protocol.ErrComponentPanic))
	assert.Equal(t, protocol.StateStopped, p.State())
}

func TestMissingLocalStoreAbortsStart(t *testing.T) {
	p, err := protocol.New("test",
		protocol.WithLogger(logger.Nop()),
		protocol.WithProbes(newProbe("a", &fakeSource{}, true)),
	)
	require.NoError(t, err)

	err = p.Start(context.Background())

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, protocol.ErrMissingStore))
	assert.Equal(t, protocol.StateStopped, p.State())
}

func TestSecondStartIsRejected(t *testing.T) {
	local, remote := &fakeLocal{}, &fakeRemote{}
	p := newProtocol(t, local, remote, protocol.WithProbes(newProbe("a", &fakeSource{}, true)))

	require.NoError(t, p.Start(context.Background()))
	err := p.Start(context.Background())

	assert.True(t, errors.HasCode(err, protocol.ErrAlreadyRunning))
	localStarts, _ := local.counts()
	assert.Equal(t, 1, localStarts)
}

func TestConcurrentStartsAreSerialized(t *testing.T) {
	local, remote := &fakeLocal{}, &fakeRemote{}
	p := newProtocol(t, local, remote, protocol.WithProbes(newProbe("a", &fakeSource{}, true)))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Start(context.Background()) == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	localStarts, _ := local.counts()
	remoteStarts, _ := remote.counts()
	assert.Equal(t, 1, localStarts)
	assert.Equal(t, 1, remoteStarts)
}

func TestStopOnStoppedProtocolDoesNothing(t *testing.T) {
	src := &fakeSource{}
	local, remote := &fakeLocal{}, &fakeRemote{}
	p := newProtocol(t, local, remote, protocol.WithProbes(newProbe("a", src, true)))

	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))

	_, srcStops := src.counts()
	_, localStops := local.counts()
	_, remoteStops := remote.counts()
	assert.Zero(t, srcStops)
	assert.Zero(t, localStops)
	assert.Zero(t, remoteStops)
	assert.Equal(t, protocol.StateStopped, p.State())
}

func TestStopAfterRunning(t *testing.T) {
	a, b := &fakeSource{}, &fakeSource{}
	local, remote := &fakeLocal{}, &fakeRemote{}
	p := newProtocol(t, local, remote, protocol.WithProbes(
		newProbe("a", a, true),
		newProbe("b", b, false),
	))
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Stop(context.Background()))

	_, aStops := a.counts()
	_, bStops := b.counts()
	assert.Equal(t, 1, aStops)
	assert.Zero(t, bStops)
	assert.False(t, local.Running())
	assert.False(t, remote.Running())
	assert.Equal(t, protocol.StateStopped, p.State())
	assert.False(t, p.Running())
}

func TestStopContinuesPastFailures(t *testing.T) {
	bad := &fakeSource{stopErr: stderrors.New("device busy")}
	good := &fakeSource{}
	local := &fakeLocal{stopErr: stderrors.New("disk full")}
	remote := &fakeRemote{}
	p := newProtocol(t, local, remote, protocol.WithProbes(
		newProbe("bad", bad, true),
		newProbe("good", good, true),
	))
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Stop(context.Background()))

	_, goodStops := good.counts()
	_, localStops := local.counts()
	_, remoteStops := remote.counts()
	assert.Equal(t, 1, goodStops)
	assert.Equal(t, 1, localStops)
	assert.Equal(t, 1, remoteStops)
	assert.Equal(t, protocol.StateStopped, p.State())

	failures := p.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, protocol.StageProbeStop, failures[0].Stage)
	assert.Equal(t, "bad", failures[0].Subject)
	assert.Equal(t, protocol.StageLocalStop, failures[1].Stage)
	assert.True(t, errors.HasCode(failures[1].Err, protocol.ErrLocalStop))
}

func TestChangesArePublished(t *testing.T) {
	local, remote := &fakeLocal{}, &fakeRemote{}
	bad := newProbe("bad", &fakeSource{startErr: stderrors.New("boom")}, true)
	p := newProtocol(t, local, remote, protocol.WithProbes(newProbe("a", &fakeSource{}, true), bad))

	var (
		mu      sync.Mutex
		changes []notify.Change
	)
	p.Subscribe(func(c notify.Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()

	var states []any
	var running []any
	var failures int
	for _, c := range changes {
		switch {
		case c.Source == "test" && c.Attribute == protocol.AttrState:
			states = append(states, c.Value)
		case c.Source == "test" && c.Attribute == protocol.AttrRunning:
			running = append(running, c.Value)
		case c.Attribute == protocol.AttrFailure:
			failures++
			f, ok := c.Value.(protocol.Failure)
			require.True(t, ok)
			assert.Equal(t, "bad", f.Subject)
		}
	}

	assert.Equal(t, []any{
		protocol.StateStarting, protocol.StateRunning,
		protocol.StateStopping, protocol.StateStopped,
	}, states)
	assert.Equal(t, []any{true, false}, running)
	assert.Equal(t, 1, failures)
}

func TestProbeRunningChangesReachProtocolSubscribers(t *testing.T) {
	local, remote := &fakeLocal{}, &fakeRemote{}
	p := newProtocol(t, local, remote, protocol.WithProbes(newProbe("a", &fakeSource{}, true)))

	_, ch := p.Changes(32)
	require.NoError(t, p.Start(context.Background()))

	var sawProbe bool
	for len(ch) > 0 {
		c := <-ch
		if c.Source == "a" && c.Attribute == probe.AttrRunning {
			sawProbe = true
		}
	}
	assert.True(t, sawProbe)
}

type recordingScheduler struct {
	starts, stops int
}

func (s *recordingScheduler) StartProtocol(*protocol.Protocol) { s.starts++ }
func (s *recordingScheduler) StopProtocol(*protocol.Protocol)  { s.stops++ }

func TestSetRunningHandsOffToScheduler(t *testing.T) {
	sched := &recordingScheduler{}
	p := newProtocol(t, &fakeLocal{}, &fakeRemote{}, protocol.WithScheduler(sched))

	p.SetRunning(false)
	assert.Zero(t, sched.stops)

	p.SetRunning(true)
	assert.Equal(t, 1, sched.starts)
}

func TestSetRunningWithoutScheduler(t *testing.T) {
	p := newProtocol(t, &fakeLocal{}, &fakeRemote{}, protocol.WithProbes(newProbe("a", &fakeSource{}, true)))

	p.SetRunning(true)
	require.Eventually(t, func() bool {
		return p.State() == protocol.StateRunning
	}, time.Second, 5*time.Millisecond)

	p.SetRunning(false)
	require.Eventually(t, func() bool {
		return p.State() == protocol.StateStopped
	}, time.Second, 5*time.Millisecond)
}

func TestObserverStopsThroughSetRunning(t *testing.T) {
	p := newProtocol(t, &fakeLocal{}, &fakeRemote{}, protocol.WithProbes(newProbe("a", &fakeSource{}, true)))
	p.Subscribe(func(c notify.Change) {
		if c.Attribute == protocol.AttrState && c.Value == protocol.StateRunning {
			p.SetRunning(false)
		}
	})

	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool { return p.State() == protocol.StateStopped }, time.Second, time.Millisecond)
	assert.False(t, p.Running())
}

func TestAddProbe(t *testing.T) {
	p := newProtocol(t, &fakeLocal{}, &fakeRemote{})
	a := newProbe("a", &fakeSource{}, true)
	b := newProbe("b", &fakeSource{}, true)

	require.NoError(t, p.AddProbe(a))
	require.NoError(t, p.AddProbe(b))

	assert.Equal(t, []*probe.Probe{a, b}, p.Probes())
	assert.Equal(t, probe.Owner(p), a.Protocol())

	err := p.AddProbe(a)
	assert.True(t, errors.HasCode(err, protocol.ErrDuplicateProbe))
	assert.Len(t, p.Probes(), 2)
}

func TestAddProbeMovesOwnership(t *testing.T) {
	first := newProtocol(t, &fakeLocal{}, &fakeRemote{})
	second := newProtocol(t, &fakeLocal{}, &fakeRemote{})
	a := newProbe("a", &fakeSource{}, true)

	require.NoError(t, first.AddProbe(a))
	require.NoError(t, second.AddProbe(a))

	assert.Empty(t, first.Probes())
	assert.Equal(t, []*probe.Probe{a}, second.Probes())
	assert.Equal(t, probe.Owner(second), a.Protocol())
}

func TestAddProbeToBusyProtocolKeepsOwner(t *testing.T) {
	a := newProbe("a", &fakeSource{}, true)
	first := newProtocol(t, &fakeLocal{}, &fakeRemote{}, protocol.WithProbes(a))
	second := newProtocol(t, &fakeLocal{}, &fakeRemote{},
		protocol.WithProbes(newProbe("b", &fakeSource{}, true)))
	require.NoError(t, second.Start(context.Background()))
	defer second.Stop(context.Background())

	err := second.AddProbe(a)

	assert.True(t, errors.HasCode(err, protocol.ErrProtocolBusy))
	assert.Equal(t, []*probe.Probe{a}, first.Probes())
	assert.Len(t, second.Probes(), 1)
	assert.Equal(t, probe.Owner(first), a.Protocol())
}

func TestAddProbeFromRunningProtocolIsRejected(t *testing.T) {
	a := newProbe("a", &fakeSource{}, true)
	first := newProtocol(t, &fakeLocal{}, &fakeRemote{}, protocol.WithProbes(a))
	second := newProtocol(t, &fakeLocal{}, &fakeRemote{})
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop(context.Background())

	err := second.AddProbe(a)

	assert.True(t, errors.HasCode(err, protocol.ErrProtocolBusy))
	assert.Empty(t, second.Probes())
	assert.Equal(t, []*probe.Probe{a}, first.Probes())
	assert.Equal(t, probe.Owner(first), a.Protocol())
}

func TestRemoveProbe(t *testing.T) {
	a := newProbe("a", &fakeSource{}, true)
	p := newProtocol(t, &fakeLocal{}, &fakeRemote{}, protocol.WithProbes(a))

	require.NoError(t, p.RemoveProbe(a))
	assert.Empty(t, p.Probes())
	assert.Nil(t, a.Protocol())

	err := p.RemoveProbe(a)
	assert.True(t, errors.HasCode(err, protocol.ErrUnknownProbe))
}

func TestMutationsRejectedWhileRunning(t *testing.T) {
	a := newProbe("a", &fakeSource{}, true)
	p := newProtocol(t, &fakeLocal{}, &fakeRemote{}, protocol.WithProbes(a))
	require.NoError(t, p.Start(context.Background()))

	assert.True(t, errors.HasCode(p.AddProbe(newProbe("b", &fakeSource{}, true)), protocol.ErrProtocolBusy))
	assert.True(t, errors.HasCode(p.RemoveProbe(a), protocol.ErrProtocolBusy))
	assert.True(t, errors.HasCode(p.SetLocalDataStore(&fakeLocal{}), protocol.ErrProtocolBusy))
	assert.True(t, errors.HasCode(p.SetRemoteDataStore(&fakeRemote{}), protocol.ErrProtocolBusy))
	assert.True(t, errors.HasCode(p.Release(), protocol.ErrProtocolBusy))

	require.NoError(t, p.Stop(context.Background()))
	assert.NoError(t, p.RemoveProbe(a))
}

func TestEmitTagsProtocolID(t *testing.T) {
	local := &fakeLocal{}
	p := newProtocol(t, local, &fakeRemote{})

	d := datum.New("a", map[string]any{"v": 1})
	require.NoError(t, p.Emit(context.Background(), d))

	require.Len(t, local.added, 1)
	assert.Equal(t, p.ID(), local.added[0].ProtocolID)
}

func TestEmitWithoutLocalStoreDrops(t *testing.T) {
	p, err := protocol.New("test", protocol.WithLogger(logger.Nop()))
	require.NoError(t, err)

	assert.NoError(t, p.Emit(context.Background(), datum.New("a", nil)))
}

func TestRelease(t *testing.T) {
	a := newProbe("a", &fakeSource{}, true)
	bus := notify.NewBus()
	p := newProtocol(t, &fakeLocal{}, &fakeRemote{}, protocol.WithBus(bus), protocol.WithProbes(a))

	p.Subscribe(func(notify.Change) {})
	p.Changes(1)
	outside := bus.Subscribe(func(notify.Change) {})
	require.Equal(t, 3, bus.Len())

	require.NoError(t, p.Release())

	assert.Equal(t, 1, bus.Len())
	assert.Nil(t, a.Protocol())
	assert.Empty(t, p.Probes())
	assert.Nil(t, p.LocalDataStore())
	assert.Nil(t, p.RemoteDataStore())

	bus.Unsubscribe(outside)
}

func TestSetName(t *testing.T) {
	p := newProtocol(t, &fakeLocal{}, &fakeRemote{})

	_, ch := p.Changes(4)
	p.SetName("renamed")

	assert.Equal(t, "renamed", p.Name())
	c := <-ch
	assert.Equal(t, protocol.AttrName, c.Attribute)
	assert.Equal(t, "renamed", c.Value)
}

type slowLocal struct {
	fakeLocal
	delay time.Duration
}

func (l *slowLocal) Start(ctx context.Context, pc datastore.Context) error {
	time.Sleep(l.delay)
	return l.fakeLocal.Start(ctx, pc)
}

func TestStageWarningDoesNotInterrupt(t *testing.T) {
	local := &slowLocal{delay: 30 * time.Millisecond}
	p := newProtocol(t, local, &fakeRemote{},
		protocol.WithProbes(newProbe("a", &fakeSource{}, true)),
		protocol.WithStageWarning(5*time.Millisecond),
	)

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, protocol.StateRunning, p.State())
}
