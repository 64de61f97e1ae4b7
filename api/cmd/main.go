package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/config"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/infrastructure/memory"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/infrastructure/rabbitmq"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/infrastructure/redis"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/realtime"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/security"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/service"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/transport/rest"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/transport/ws"
	"github.com/baechuer/real-time-ressys/services/invite-service/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
)

// store is everything the services read and write, whichever driver backs it.
type store interface {
	domain.AdmissionRepository
	domain.MessageRepository
	domain.EventDirectory
	domain.BlockChecker
	domain.Inbox
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "invite-service").
		Str("env", cfg.AppEnv).
		Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditLog := audit.New(logger.Logger)

	// ---- Storage ----
	var (
		st   store
		repo *postgres.Repository
	)
	switch cfg.StorageDriver {
	case config.DriverMemory:
		st = memory.New()
		log.Warn().Msg("memory storage driver: state is lost on restart")
	default:
		dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres pool create failed")
		}
		defer dbPool.Close()

		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		err = dbPool.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")

		if cfg.AutoMigrate {
			applied, err := migrations.Apply(rootCtx, dbPool)
			if err != nil {
				log.Fatal().Err(err).Msg("migrations failed")
			}
			log.Info().Strs("applied", applied).Msg("migrations up to date")
		}

		repo = postgres.New(dbPool)
		st = repo
	}

	// ---- Redis (optional) ----
	var cache domain.CacheRepository
	{
		rc := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.CacheEventTTL)
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("redis ping failed; running without cache and with in-process rate limits")
			_ = rc.Close()
		} else {
			log.Info().Msg("redis connected")
			cache = rc
			defer func() { _ = rc.Close() }()
		}
	}

	// ---- Realtime ----
	broker := realtime.NewBroker()
	broker.Start()
	defer broker.Stop()

	// ---- Application services ----
	guard := service.NewAccessGuard(st, st)
	admissions := service.NewAdmissionService(st, st, service.AdmissionOptions{
		Cache:          cache,
		Broadcaster:    broker,
		Audit:          auditLog,
		PendingSoftCap: cfg.PendingSoftCap,
	})
	messages := service.NewMessageService(st, guard, broker, auditLog, cfg.MessageMaxLength)

	// ---- Credentials ----
	credentials := security.NewCredentials(security.NewHS256Verifier(cfg.JWTSecret), cfg.JWTIssuer)

	// ---- Router ----
	wsHandler := ws.NewHandler(credentials, broker, messages, ws.Options{
		SendBuffer:     cfg.WSSendBuffer,
		AllowedOrigins: cfg.WSAllowedOrigins,
	})
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Cache:    cache,
		Handler:  rest.NewHandler(admissions, messages),
		Verifier: credentials,
		WS:       wsHandler,
		RateLimit: rest.RateLimit{
			Enabled:           cfg.RLEnabled,
			Limit:             cfg.RLLimit,
			Window:            cfg.RLWindow,
			MessagesPerMinute: cfg.MessageRLPerMinute,
		},
	})

	// ---- MQ consumer (inbound event and block snapshots) ----
	if cfg.ConsumerEnabled {
		consumer := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, st, cache)
		if err := consumer.Start(rootCtx); err != nil {
			log.Error().Err(err).Msg("rabbitmq consumer start failed; snapshots will not update")
		}
	}

	// ---- Outbox + housekeeping (postgres only) ----
	if repo != nil {
		if cfg.OutboxEnabled {
			repo.StartOutboxWorker(rootCtx, cfg.RabbitURL, cfg.RabbitExchange, auditLog)
			log.Info().Msg("outbox worker started")
		}
		repo.StartHousekeeping(rootCtx)
	}

	// ---- HTTP server ----
	// websocket sessions manage their own deadlines after the upgrade
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
