// The engine binary runs the whole detection-and-dispatch loop in one
// process: overdue scanner, reminder scheduler, SOS coordinator, dispatch
// worker pool and the ops HTTP server. Multiple instances may run against
// one database; the queue claim and the idempotency ledger keep them from
// double-sending.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/solocheck/solocheck/internal/clock"
	"github.com/solocheck/solocheck/internal/config"
	"github.com/solocheck/solocheck/internal/consent"
	"github.com/solocheck/solocheck/internal/db"
	"github.com/solocheck/solocheck/internal/domain/contact"
	"github.com/solocheck/solocheck/internal/domain/vault"
	"github.com/solocheck/solocheck/internal/notify"
	"github.com/solocheck/solocheck/internal/observability"
	"github.com/solocheck/solocheck/internal/remind"
	"github.com/solocheck/solocheck/internal/repo/postgres"
	"github.com/solocheck/solocheck/internal/scanner"
	"github.com/solocheck/solocheck/internal/sos"
	"github.com/solocheck/solocheck/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "engine:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := observability.NewLogger(cfg.Env)
	slog.SetDefault(log)
	log.Info("starting solocheck engine", "env", cfg.Env, "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracer(ctx, "solocheck-engine", cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Error("tracer shutdown failed", "error", err)
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	prom := observability.NewProm(registry)

	pool, err := db.NewPool(cfg.DBURL, int32(cfg.WorkerCount*2))
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer pool.Close()
	log.Info("database connected")

	var payloadKey *[32]byte
	if cfg.PayloadKeyB64 != "" {
		payloadKey, err = vault.ParseKey(cfg.PayloadKeyB64)
		if err != nil {
			return fmt.Errorf("payload key: %w", err)
		}
	}

	// Repos.
	jobsRepo := postgres.NewJobsRepo(pool, prom)
	episodesRepo := postgres.NewEpisodesRepo(pool, prom)
	ledgerRepo := postgres.NewLedgerRepo(pool, prom)
	deliveryLogRepo := postgres.NewDeliveryLogRepo(pool, prom)
	usersRepo := postgres.NewUsersRepo(pool, prom)
	contactsRepo := postgres.NewContactsRepo(pool, prom)
	remindersRepo := postgres.NewRemindersRepo(pool, prom)
	sosRepo := postgres.NewSOSRepo(pool, prom)

	clk := clock.NewReal()

	// Consent gate, redis-backed when configured so a fleet shares one
	// eligible-set cache.
	var gateCache consent.Cache
	var redisCache *consent.RedisCache
	if cfg.RedisAddr != "" {
		redisCache = consent.NewRedisCache(consent.RedisConfig{Addr: cfg.RedisAddr, TTL: consent.DefaultTTL})
		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisCache.Close()
		gateCache = redisCache
		log.Info("redis consent cache connected", "addr", cfg.RedisAddr)
	} else {
		gateCache = consent.NewMemoryCache(consent.DefaultTTL)
	}
	gate := consent.NewGate(contactsRepo, gateCache, clk)

	adapters := buildAdapters(cfg, log)

	workers := worker.NewPool(jobsRepo, episodesRepo, ledgerRepo, deliveryLogRepo, gate, usersRepo, adapters, clk, log, prom, worker.Config{
		Workers:        cfg.WorkerCount,
		Lease:          cfg.VisibilityTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffBase:    cfg.BackoffBase,
		BackoffCap:     cfg.BackoffCap,
		AdapterTimeout: cfg.AdapterTimeout,
	})

	scan := scanner.New(usersRepo, episodesRepo, jobsRepo, gate, clk, log, prom, scanner.Config{
		Period:         cfg.ScanPeriod,
		BatchSize:      cfg.ScanBatchSize,
		DepthThreshold: cfg.QueueDepthThreshold,
		PayloadKey:     payloadKey,
	})
	scan.SetWake(workers.Wake)

	scheduler := remind.NewScheduler(remindersRepo, jobsRepo, clk, log, prom, remind.Config{
		Period:         cfg.ReminderPeriod,
		DepthThreshold: cfg.QueueDepthThreshold,
	})

	coordinator := sos.NewCoordinator(sosRepo, episodesRepo, usersRepo, gate, clk, log, prom, sos.Config{
		Countdown:  cfg.SOSCountdown,
		PayloadKey: payloadKey,
	})
	coordinator.SetWake(workers.Wake)
	workers.SetEpisodeClosedHook(coordinator.OnEpisodeClosed)

	if err := coordinator.Replay(ctx); err != nil {
		return fmt.Errorf("sos replay: %w", err)
	}

	router := worker.NewOpsRouter(cfg.Env, workers, registry, map[string]func(context.Context) error{
		"postgres": pool.Ping,
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(workers.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(scan.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(scheduler.Run(gctx)) })

	g.Go(func() error {
		log.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("engine stopped")
	return err
}

// buildAdapters wires the provider stack: real HTTP adapters behind a
// circuit breaker and a token bucket, or the log adapter in dev when
// credentials are absent.
func buildAdapters(cfg config.Config, log *slog.Logger) map[contact.Channel]notify.Adapter {
	adapters := make(map[contact.Channel]notify.Adapter, 2)

	protect := func(inner notify.Adapter) notify.Adapter {
		breaker := notify.NewProtectedAdapter(inner, notify.ProtectedAdapterConfig{
			Timeout: cfg.AdapterTimeout,
		})
		return notify.NewRateLimitedAdapter(breaker, 50, 100)
	}

	if cfg.EmailProviderURL != "" && cfg.EmailAPIKey != "" {
		adapters[contact.ChannelEmail] = protect(notify.NewEmailAdapter(notify.EmailConfig{
			URL:     cfg.EmailProviderURL,
			APIKey:  cfg.EmailAPIKey,
			From:    cfg.EmailFrom,
			Timeout: cfg.AdapterTimeout,
		}))
	} else {
		log.Warn("email credentials absent, using log adapter")
		adapters[contact.ChannelEmail] = notify.NewLogAdapter("email", log)
	}

	if cfg.PushProviderURL != "" && cfg.PushAPIKey != "" {
		adapters[contact.ChannelPush] = protect(notify.NewPushAdapter(notify.PushConfig{
			URL:     cfg.PushProviderURL,
			APIKey:  cfg.PushAPIKey,
			Timeout: cfg.AdapterTimeout,
		}))
	} else {
		log.Warn("push credentials absent, using log adapter")
		adapters[contact.ChannelPush] = notify.NewLogAdapter("push", log)
	}

	return adapters
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
