package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/sensusd/internal/config"
	"codeberg.org/mutker/sensusd/internal/datastore/local"
	"codeberg.org/mutker/sensusd/internal/datastore/remote"
	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/logger"
	"codeberg.org/mutker/sensusd/internal/notify"
	"codeberg.org/mutker/sensusd/internal/pid"
	"codeberg.org/mutker/sensusd/internal/probe"
	"codeberg.org/mutker/sensusd/internal/protocol"
	"codeberg.org/mutker/sensusd/internal/service"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.WithFlags(cmd.Flags()))
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Init(level, logger.IsService())
	log := logger.Default()
	log.Debug().Msg("Config loaded")

	if err := pid.Write(""); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(""); err != nil {
			log.Warn().Err(err).Msg("Failed to remove pid file")
		}
	}()

	registry, err := newRegistry(log)
	if err != nil {
		return err
	}

	svc := service.New(log)
	p, err := buildProtocol(cfg, registry, svc, log)
	if err != nil {
		return err
	}
	if err := svc.Register(p); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub, changes := p.Changes(64)
	defer p.Unsubscribe(sub)

	p.SetRunning(true)
	runErr := wait(ctx, changes, log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown did not complete")
		if runErr == nil {
			runErr = err
		}
	}
	if err := p.Release(); err != nil {
		log.Warn().Err(err).Msg("Failed to release protocol")
	}

	log.Info().Msg("Exiting...")

	return runErr
}

func buildProtocol(cfg *config.Config, registry *probe.Registry, svc *service.Service, log logger.Logger) (*protocol.Protocol, error) {
	localStore, err := local.New(cfg.LocalStore(), log)
	if err != nil {
		return nil, err
	}
	remoteStore, err := remote.New(cfg.RemoteStore(), log)
	if err != nil {
		return nil, err
	}

	opts := []protocol.Option{
		protocol.WithLogger(log),
		protocol.WithScheduler(svc),
		protocol.WithLocalDataStore(localStore),
		protocol.WithRemoteDataStore(remoteStore),
		protocol.WithStageWarning(cfg.StageWarning),
	}
	if cfg.Rollback {
		opts = append(opts, protocol.WithRollbackOnStartFailure())
	}

	if cfg.Protocol == "" {
		return protocol.New(cfg.Name, append(opts, protocol.WithDefaultProbes(registry))...)
	}

	def, err := protocol.LoadDefinition(cfg.Protocol)
	if err != nil {
		return nil, err
	}

	return protocol.Build(def, registry, opts...)
}

// wait blocks until a termination signal arrives or the protocol falls back
// to stopped on its own, which means its start sequence aborted.
func wait(ctx context.Context, changes <-chan notify.Change, log logger.Logger) error {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Received termination signal")
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if change.Attribute != protocol.AttrState {
				continue
			}
			log.Debug().Str("state", change.Value.(protocol.State).String()).Msg("Protocol state")
			if change.Value == protocol.StateStopped {
				return errors.New().WithMessage(errors.ErrInitFailed, "protocol failed to start")
			}
		}
	}
}
