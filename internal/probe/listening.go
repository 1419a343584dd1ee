package probe

import (
	"context"
	"sync"

	"codeberg.org/mutker/sensusd/internal/datum"
	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/logger"
)

// listening runs a Listener on its own goroutine until stopped.
type listening struct {
	name     string
	listener Listener
	log      logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewListening returns an event-driven probe backed by listener.
func NewListening(name string, listener Listener, opts ...Option) *Probe {
	src := &listening{
		name:     name,
		listener: listener,
	}

	return New(name, src, opts...)
}

func (s *listening) Start(ctx context.Context, emit Emitter) error {
	if o, ok := s.listener.(Opener); ok {
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

	tagged := EmitterFunc(func(ctx context.Context, d *datum.Datum) error {
		if d.Probe == "" {
			d.Probe = s.name
		}
		return emit.Emit(ctx, d)
	})

	go func() {
		defer close(done)
		if err := s.listener.Listen(runCtx, tagged); err != nil && runCtx.Err() == nil {
			s.log.Error().Err(err).Str("probe", s.name).Msg("Listener stopped")
		}
	}()

	return nil
}

func (s *listening) Stop(ctx context.Context) error {
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

	if c, ok := s.listener.(Closer); ok {
		return c.Close()
	}

	return nil
}

func (s *listening) setLogger(log logger.Logger) {
	s.log = log
}

func (s *listening) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
