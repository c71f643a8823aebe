// Command replicationd is the replication server: it loads
// configuration, wires the Shard Registry, Sector Map, transition
// queues, persistence adapter, shard control channel transport, and
// admin surface together, then runs the control-plane orchestrator
// until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sectorfab/internal/admin"
	"sectorfab/internal/auth"
	"sectorfab/internal/config"
	"sectorfab/internal/logging"
	"sectorfab/internal/metrics"
	"sectorfab/internal/orchestrator"
	"sectorfab/internal/persistence"
	"sectorfab/internal/persistence/natsstore"
	"sectorfab/internal/persistence/sqlitestore"
	"sectorfab/internal/ratelimit"
	"sectorfab/internal/registry"
	"sectorfab/internal/sector"
	"sectorfab/internal/sysmetrics"
	"sectorfab/internal/transition"
	"sectorfab/internal/transport"
)

// Exit codes for operational tooling wrapping the server.
const (
	exitOK                 = 0
	exitConfigError        = 1
	exitPersistenceFailure = 2
	exitBindFailure        = 3
	exitAuthConfigError    = 4
	exitAdminBindFailure   = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup error: %v\n", err)
		return exitConfigError
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.AuthMisconfigured() {
		logger.Error("shard_auth_secret must be set explicitly in production mode")
		return exitAuthConfigError
	}

	sector.SetSize(cfg.Sector.SectorSize)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(cfg.Persistence, logger)
	if err != nil {
		logger.Error("persistence backend unavailable", zap.Error(err))
		return exitPersistenceFailure
	}
	defer store.Close() //nolint:errcheck

	metricsRegistry := metrics.NewRegistry()
	sysTracker := sysmetrics.NewTracker()

	reg := registry.New(cfg.Sector.MaxShards)
	sectors := sector.NewMap()
	transitions := transition.NewQueues(cfg.Sector.TransitionQueueCap)

	limiter := ratelimit.New(ratelimit.Config{
		IPBurst:     cfg.Transport.ConnIPBurst,
		IPRate:      cfg.Transport.ConnIPRate,
		GlobalBurst: cfg.Transport.ConnGlobalBurst,
		GlobalRate:  cfg.Transport.ConnGlobalRate,
	})
	verifier := auth.NewVerifier(cfg.Auth.Secret)

	inbound := make(chan transport.Event, 1024)
	transportServer := transport.NewServer(transport.Config{
		ListenAddr:       cfg.Transport.ListenAddr,
		MaxFrameBytes:    cfg.Transport.MaxFrameBytes,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
	}, logger, metricsRegistry, limiter, verifier, inbound)

	orch := orchestrator.New(cfg, logger, metricsRegistry, reg, sectors, transitions, store, transportServer)

	loadCtx, loadCancel := context.WithTimeout(ctx, 60*time.Second)
	err = orch.LoadSnapshot(loadCtx)
	loadCancel()
	if err != nil {
		logger.Error("initial snapshot load failed", zap.Error(err))
		return exitPersistenceFailure
	}

	if err := transportServer.Start(ctx); err != nil {
		logger.Error("shard control channel bind failed", zap.Error(err))
		return exitBindFailure
	}
	defer transportServer.Stop()

	adminServer := admin.NewServer(ctx, cfg.Admin, logger, orch, metricsRegistry, sysTracker)
	adminErrCh := adminServer.Start()

	go rateLimiterSweepLoop(ctx, limiter)

	logger.Info("replication server started",
		zap.String("shard_addr", cfg.Transport.ListenAddr),
		zap.String("admin_addr", cfg.Admin.ListenAddr),
		zap.String("persistence_backend", cfg.Persistence.Backend),
	)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		orch.Run(ctx, inbound)
	}()

	select {
	case <-runDone:
	case err := <-adminErrCh:
		if err != nil {
			logger.Error("admin surface bind failed", zap.Error(err))
			cancel()
			<-runDone
			return exitAdminBindFailure
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminServer.Stop(shutdownCtx); err != nil {
		logger.Warn("admin surface shutdown error", zap.Error(err))
	}

	logger.Info("replication server stopped")
	return exitOK
}

// openStore constructs the configured persistence.Store backend.
// cfg.Validate already rejects unknown backend names, so the default
// case here is unreachable in practice.
func openStore(cfg config.PersistenceConfig, logger *zap.Logger) (persistence.Store, error) {
	switch cfg.Backend {
	case "nats":
		return natsstore.Connect(natsstore.Config{URL: cfg.NATSURL},
			func(err error) { logger.Warn("nats disconnected", zap.Error(err)) },
			func() { logger.Info("nats reconnected") },
		)
	case "sqlite":
		return sqlitestore.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}

func rateLimiterSweepLoop(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}
