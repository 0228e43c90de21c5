package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"

	"github.com/example/dbchangerelay/internal/config"
	"github.com/example/dbchangerelay/internal/dbqueue"
	"github.com/example/dbchangerelay/internal/dispatch"
	"github.com/example/dbchangerelay/internal/envelope"
	"github.com/example/dbchangerelay/internal/handlers/auditlog"
	"github.com/example/dbchangerelay/internal/logger"
	"github.com/example/dbchangerelay/internal/registry"
	"github.com/example/dbchangerelay/internal/retryledger"
	"github.com/example/dbchangerelay/internal/supervisor"
	"github.com/example/dbchangerelay/internal/telemetry"
	"github.com/example/dbchangerelay/internal/telemetryhttp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "relay-worker").Logger()

	db, err := sql.Open("sqlserver", cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database pool")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database pool")
		}
	}()

	factory := dbqueue.NewPoolFactory(db)
	connMgr := dbqueue.NewConnectionManager(factory, log)

	preflightCtx, cancelPreflight := context.WithTimeout(ctx, 30*time.Second)
	defer cancelPreflight()
	if err := connMgr.IsServiceBrokerEnabled(preflightCtx); err != nil {
		log.Fatal().Err(err).Msg("service broker pre-flight check failed")
	}
	if err := connMgr.IsQueueEnabled(preflightCtx, cfg.Queue.Name); err != nil {
		log.Fatal().Err(err).Msg("queue pre-flight check failed")
	}

	// A real deployment registers one handler per watched table; this
	// binary ships a single audit-log handler as a runnable reference.
	reg := registry.New(log)
	if err := reg.Register("dbo.AuditTarget", auditlog.New(log)); err != nil {
		log.Fatal().Err(err).Msg("failed to register table handler")
	}

	parser := envelope.New(log)
	dispatcher := dispatch.New(reg, parser, log)
	ledger := retryledger.New()

	telemetryRegistry := telemetry.NewRegistry(cfg.Queue.ListenerThreads, 0.5)
	errorRing := telemetry.NewErrorRing()

	sup := supervisor.NewFromConnectionFactory(cfg.Queue, cfg.Retry, factory, dispatcher, ledger, telemetryRegistry, errorRing, log)
	if err := sup.Start(cfg.Queue.Name); err != nil {
		log.Fatal().Err(err).Msg("failed to start supervision")
	}

	telemetrySrv, err := telemetryhttp.New(cfg.Health.ListenAddr, telemetryRegistry, errorRing, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct telemetry http server")
	}
	telemetrySrv.Start()

	log.Info().
		Str("queue", cfg.Queue.Name).
		Int("listener_threads", cfg.Queue.ListenerThreads).
		Str("health_addr", cfg.Health.ListenAddr).
		Msg("relay worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		sup.Stop(true)

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := telemetrySrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shut down telemetry http server")
		}

	case code := <-sup.FatalExit():
		// A worker hit a Fatal-Process-Immediate/Graceful fault. zerolog's
		// Fatal level hardcodes os.Exit(1), so the classifier-supplied exit
		// code is reported via Error and this function exits explicitly
		// instead.
		log.Error().Int("exit_code", code).Msg("fatal process fault reported by supervisor, exiting")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := telemetrySrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shut down telemetry http server")
		}
		os.Exit(code)
	}
}

func fail(stage string, err error) {
	l := zerolog.New(os.Stdout).With().Timestamp().Logger()
	l.Fatal().Err(err).Str("stage", stage).Msg("relay worker init failed")
}
