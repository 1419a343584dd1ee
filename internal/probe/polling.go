package probe

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/logger"
)

const defaultPollInterval = 15 * time.Second

// polling runs a Poller on a ticker and emits what it returns.
type polling struct {
	name     string
	poller   Poller
	interval time.Duration
	log      logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPolling returns a probe that calls poller every interval while running.
func NewPolling(name string, poller Poller, interval time.Duration, opts ...Option) *Probe {
	if interval <= 0 {
		interval = defaultPollInterval
	}

	src := &polling{
		name:     name,
		poller:   poller,
		interval: interval,
	}

	return New(name, src, opts...)
}

func (s *polling) Start(ctx context.Context, emit Emitter) error {
	if o, ok := s.poller.(Opener); ok {
		if err := o.Open(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(runCtx, emit, done)

	return nil
}

func (s *polling) loop(ctx context.Context, emit Emitter, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx, emit)
		}
	}
}

func (s *polling) poll(ctx context.Context, emit Emitter) {
	records, err := s.poller.Poll(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("probe", s.name).Msg("Poll failed")
		return
	}

	for _, d := range records {
		if d.Probe == "" {
			d.Probe = s.name
		}
		if err := emit.Emit(ctx, d); err != nil {
			s.log.Debug().Err(err).Str("probe", s.name).Msg("Record not stored")
		}
	}
}

func (s *polling) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return errors.New().Wrap(ErrStopIncomplete, ctx.Err())
		}
	}

	if c, ok := s.poller.(Closer); ok {
		return c.Close()
	}

	return nil
}

func (s *polling) setLogger(log logger.Logger) {
	s.log = log
}

func (s *polling) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
