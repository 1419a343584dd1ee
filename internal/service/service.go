// Package service is the process-level coordinator for protocols. It runs
// start and stop sequences on background goroutines so callers are never
// blocked on probe or store I/O, and stops everything on shutdown.
package service

import (
	"context"
	"sort"
	"sync"

	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/logger"
	"codeberg.org/mutker/sensusd/internal/protocol"
)

// Service tracks registered protocols and their in-flight sequences.
type Service struct {
	log logger.Logger

	mu        sync.Mutex
	protocols map[string]*protocol.Protocol
	closed    bool

	wg sync.WaitGroup
	// ctx is passed to background sequences and cancelled by Shutdown once
	// its own deadline passes.
	ctx    context.Context
	cancel context.CancelFunc
}

var _ protocol.Scheduler = (*Service)(nil)

func New(log logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		log:       log.With("service"),
		protocols: make(map[string]*protocol.Protocol),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Register adds p to the service. Protocols should be created with
// protocol.WithScheduler(s) so SetRunning goes through the service.
func (s *Service) Register(p *protocol.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New().New(errors.ErrUnavailable)
	}
	if _, ok := s.protocols[p.ID()]; ok {
		return errors.New().WithData(errors.ErrInvalidArgument, "protocol already registered: "+p.Name())
	}
	s.protocols[p.ID()] = p

	return nil
}

// Unregister removes p. It does not stop it.
func (s *Service) Unregister(p *protocol.Protocol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.protocols, p.ID())
}

// Protocols returns the registered protocols ordered by name.
func (s *Service) Protocols() []*protocol.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*protocol.Protocol, 0, len(s.protocols))
	for _, p := range s.protocols {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })

	return out
}

// StartProtocol runs p's start sequence in the background.
func (s *Service) StartProtocol(p *protocol.Protocol) {
	s.run(p, "start", p.Start)
}

// StopProtocol runs p's stop sequence in the background.
func (s *Service) StopProtocol(p *protocol.Protocol) {
	s.run(p, "stop", p.Stop)
}

func (s *Service) run(p *protocol.Protocol, op string, fn func(context.Context) error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Warn().Str("protocol", p.Name()).Str("op", op).Msg("Service is shutting down, ignoring request")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		if err := fn(s.ctx); err != nil {
			s.log.Warn().Err(err).Str("protocol", p.Name()).Str("op", op).Msg("Protocol sequence did not complete")
			return
		}
		s.log.Debug().Str("protocol", p.Name()).Str("op", op).Msg("Protocol sequence completed")
	}()
}

// Shutdown rejects further requests, waits for in-flight sequences, then
// stops every registered protocol, including components an aborted start
// left running. If ctx expires first the background context is cancelled
// and ErrShutdownFailed is returned.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.log.Info().Msg("Shutting down")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		for _, p := range s.Protocols() {
			if err := p.Stop(s.ctx); err != nil {
				s.log.Error().Err(err).Str("protocol", p.Name()).Msg("Failed to stop protocol")
			}
			if err := p.Reset(s.ctx); err != nil {
				s.log.Error().Err(err).Str("protocol", p.Name()).Msg("Failed to reset protocol")
			}
		}
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.log.Info().Msg("Shutdown complete")
		return nil
	case <-ctx.Done():
		s.cancel()
		return errors.New().Wrap(errors.ErrShutdownFailed, ctx.Err())
	}
}
