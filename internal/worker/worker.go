// Package worker drains the dispatch queue: claim, deliver, record, and
// keep the lease sweeper running so crashed claims come back.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/solocheck/solocheck/internal/clock"
	"github.com/solocheck/solocheck/internal/domain/contact"
	"github.com/solocheck/solocheck/internal/domain/dispatch"
	"github.com/solocheck/solocheck/internal/notify"
	"github.com/solocheck/solocheck/internal/observability"
)

type Config struct {
	Workers        int
	PollInterval   time.Duration
	Lease          time.Duration
	SweepInterval  time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	AdapterTimeout time.Duration
}

type Pool struct {
	jobs        Queue
	episodes    Episodes
	ledger      Ledger
	deliveryLog DeliveryLog
	consent     ConsentCheck
	users       Users
	adapters    map[contact.Channel]notify.Adapter
	clk         clock.Clock
	log         *slog.Logger
	prom        *observability.Prom
	cfg         Config

	onEpisodeClosed func(ctx context.Context, episodeID string)

	wakeCh chan struct{}
	ready  atomic.Bool
}

func NewPool(jobs Queue, episodes Episodes, ledger Ledger, deliveryLog DeliveryLog, consent ConsentCheck, users Users, adapters map[contact.Channel]notify.Adapter, clk clock.Clock, log *slog.Logger, prom *observability.Prom, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Minute
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 10 * time.Second
	}

	return &Pool{
		jobs:        jobs,
		episodes:    episodes,
		ledger:      ledger,
		deliveryLog: deliveryLog,
		consent:     consent,
		users:       users,
		adapters:    adapters,
		clk:         clk,
		log:         log.With("component", "worker_pool"),
		prom:        prom,
		cfg:         cfg,
		wakeCh:      make(chan struct{}, 1),
	}
}

// SetEpisodeClosedHook installs the callback fired when a worker closes an
// episode. The SOS coordinator uses it for the sent transition.
func (p *Pool) SetEpisodeClosedHook(fn func(ctx context.Context, episodeID string)) {
	p.onEpisodeClosed = fn
}

// Wake nudges an idle worker without waiting out the poll interval.
// Non-blocking; a pending wake coalesces with the next.
func (p *Pool) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Ready reports whether the pool is running, for the readiness probe.
func (p *Pool) Ready() bool { return p.ready.Load() }

// Run starts the workers and the lease sweeper and blocks until the
// context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool started", "workers", p.cfg.Workers,
		"poll_interval", p.cfg.PollInterval.String(), "lease", p.cfg.Lease.String())
	p.ready.Store(true)
	defer p.ready.Store(false)

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error { return p.workerLoop(ctx, workerID) })
	}
	g.Go(func() error { return p.sweeperLoop(ctx) })

	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		processed, err := p.ProcessOne(ctx, workerID)
		if err != nil {
			p.log.Error("claim failed", "worker_id", workerID, "error", err)
		}
		if processed {
			// Drain greedily while work is available.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wakeCh:
		case <-p.clk.After(p.cfg.PollInterval):
		}
	}
}

// ProcessOne claims and fully processes one job. Returns false when the
// queue had nothing ready.
func (p *Pool) ProcessOne(ctx context.Context, workerID string) (bool, error) {
	j, err := p.jobs.Claim(ctx, workerID, p.clk.Now(), p.cfg.Lease)
	if err != nil {
		if err == dispatch.ErrJobNotFound {
			return false, nil
		}
		return false, err
	}

	p.processJob(ctx, j)
	return true, nil
}

func (p *Pool) sweeperLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clk.After(p.cfg.SweepInterval):
		}

		start := time.Now()
		n, err := p.jobs.RequeueExpired(ctx, p.clk.Now())
		if p.prom != nil {
			p.prom.ScanDuration.WithLabelValues("sweeper").Observe(time.Since(start).Seconds())
		}
		if err != nil {
			p.log.Error("lease sweep failed", "error", err)
			continue
		}
		if n > 0 {
			p.log.Warn("requeued expired claims", "jobs", n)
			p.Wake()
		}
	}
}
