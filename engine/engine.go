// Package engine assembles one tenant's Watcher, Sync, Guardian and Alert
// services around a shared event bus and the tenant's job queues. One Engine
// instance runs per tenant, normally inside a dedicated worker process.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/alertsvc"
	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/guardian"
	"github.com/mkesani1/stockclerk-sub001/kv"
	"github.com/mkesani1/stockclerk-sub001/model"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/queue"
	"github.com/mkesani1/stockclerk-sub001/repository"
	"github.com/mkesani1/stockclerk-sub001/syncer"
	"github.com/mkesani1/stockclerk-sub001/watcher"
)

// Config tunes one tenant engine. Zero values take the service defaults.
type Config struct {
	ReconcileInterval   time.Duration
	AlertSweepInterval  time.Duration
	HealthInterval      time.Duration
	PollInterval        time.Duration
	WebhookConcurrency  int
	SyncConcurrency     int
	DriftAutoRepair     int
	FullSyncParallelism int
}

// DefaultAlertSweepInterval paces the periodic low-stock sweep.
const DefaultAlertSweepInterval = 5 * time.Minute

// Engine is one tenant's sync engine.
type Engine struct {
	TenantID string

	repo      repository.Repository
	providers *provider.Registry
	bus       *eventbus.Bus
	jobs      queue.Queue
	logger    *zap.Logger
	cfg       Config

	Watcher  *watcher.Watcher
	Poller   *watcher.Poller
	Sync     *syncer.Sync
	Guardian *guardian.Guardian
	Alerts   *alertsvc.Service

	syncService syncer.Service

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	detach  []func()
	started bool
	mu      sync.Mutex
}

func New(tenantID string, repo repository.Repository, kvs kv.Store, providers *provider.Registry, jobs queue.Queue, logger *zap.Logger, cfg Config) *Engine {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = guardian.DefaultInterval
	}
	if cfg.AlertSweepInterval <= 0 {
		cfg.AlertSweepInterval = DefaultAlertSweepInterval
	}
	if cfg.WebhookConcurrency <= 0 {
		cfg.WebhookConcurrency = 4
	}
	if cfg.SyncConcurrency <= 0 {
		cfg.SyncConcurrency = 4
	}

	bus := eventbus.New(tenantID, logger)

	w := watcher.New(repo, kvs, bus, logger)
	poller := watcher.NewPoller(repo, kvs, providers, bus, logger)
	if cfg.PollInterval > 0 {
		poller.Interval = cfg.PollInterval
	}

	s := syncer.New(repo, providers, bus, jobs, logger)
	if cfg.FullSyncParallelism > 0 {
		s.FullSyncParallelism = cfg.FullSyncParallelism
	}

	g := guardian.New(repo, providers, bus, logger)
	g.Interval = cfg.ReconcileInterval
	if cfg.DriftAutoRepair > 0 {
		g.AutoRepairThreshold = cfg.DriftAutoRepair
	}

	alerts := alertsvc.New(repo, providers, bus, logger)
	if cfg.HealthInterval > 0 {
		alerts.HealthInterval = cfg.HealthInterval
	}

	return &Engine{
		TenantID:    tenantID,
		repo:        repo,
		providers:   providers,
		bus:         bus,
		jobs:        jobs,
		logger:      logger,
		cfg:         cfg,
		Watcher:     w,
		Poller:      poller,
		Sync:        s,
		Guardian:    g,
		Alerts:      alerts,
		syncService: s,
	}
}

// Bus exposes the tenant's event bus for external subscribers, typically the
// worker's IPC forwarder.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// UseMetrics installs sync metrics on the services and wraps the sync path
// with the telemetry middleware.
func (e *Engine) UseMetrics(m *metrics.SyncMetrics) {
	e.Sync.Metrics = m
	e.Guardian.Metrics = m
	e.Alerts.Metrics = m
	e.syncService = syncer.NewTelemetryMiddleware(e.Sync, m)
}

// Start wires subscriptions, queue consumers, timers and POS pollers. It
// returns once everything is running; Stop shuts the engine down.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)

	// Dead letters become terminal sync failures so alerting sees them.
	e.jobs.OnDeadLetter(func(job *queue.Job, err error) {
		e.logger.Error("job dead-lettered",
			zap.String("queue", string(job.Name)),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		e.bus.Publish(eventbus.SyncFailed, eventbus.SyncFailedPayload{
			Error:     err.Error(),
			Retryable: false,
		})
	})

	// Watcher output feeds the sync service; the bus keeps them decoupled so
	// a slow provider never backs up webhook normalization.
	e.detach = append(e.detach, e.bus.Subscribe(func(ev eventbus.Event) {
		change, ok := ev.Payload.(model.StockChange)
		if !ok {
			return
		}
		if err := e.syncService.ApplyStockChange(ctx, change); err != nil {
			e.logger.Error("failed to apply stock change",
				zap.String("product_id", change.ProductID), zap.Error(err))
		}
	}, eventbus.StockChange))

	// A reconnected channel is reconciled immediately instead of waiting for
	// the next sweep.
	e.detach = append(e.detach, e.bus.Subscribe(func(ev eventbus.Event) {
		payload, ok := ev.Payload.(eventbus.ChannelPayload)
		if !ok {
			return
		}
		if err := e.Guardian.ReconcileChannel(ctx, e.TenantID, payload.ChannelID); err != nil {
			e.logger.Error("reconnect reconciliation failed",
				zap.String("channel_id", payload.ChannelID), zap.Error(err))
		}
	}, eventbus.ChannelConnected))

	e.detach = append(e.detach, e.Alerts.Attach(ctx))

	e.consume(ctx, queue.Webhook, e.cfg.WebhookConcurrency, e.handleWebhookJob)
	e.consume(ctx, queue.Sync, e.cfg.SyncConcurrency, e.handleSyncJob)
	// Reconciliation is serial so sweeps never race each other.
	e.consume(ctx, queue.Reconcile, 1, e.handleReconcileJob)
	e.consume(ctx, queue.Alert, 1, e.handleAlertJob)

	e.wg.Add(3)
	go func() { defer e.wg.Done(); e.scheduleReconciliation(ctx) }()
	go func() { defer e.wg.Done(); e.sweepAlerts(ctx) }()
	go func() { defer e.wg.Done(); e.Alerts.RunHealthChecks(ctx, e.TenantID) }()

	if err := e.startPollers(ctx); err != nil {
		return err
	}

	e.logger.Info("tenant engine started", zap.String("tenant_id", e.TenantID))
	return nil
}

// Stop cancels all engine work and closes the bus.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.started = false

	e.cancel()
	for _, d := range e.detach {
		d()
	}
	e.detach = nil
	e.wg.Wait()
	e.bus.Close()
}

func (e *Engine) consume(ctx context.Context, name queue.Name, concurrency int, handler queue.Handler) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.jobs.Consume(ctx, e.TenantID, name, concurrency, handler); err != nil && ctx.Err() == nil {
			e.logger.Error("queue consumer exited",
				zap.String("queue", string(name)), zap.Error(err))
		}
	}()
}

func (e *Engine) handleWebhookJob(ctx context.Context, job *queue.Job) error {
	var payload model.WebhookJob
	if err := job.Decode(&payload); err != nil {
		return queue.Permanent(err)
	}
	return e.Watcher.HandleWebhookJob(ctx, &payload)
}

func (e *Engine) handleSyncJob(ctx context.Context, job *queue.Job) error {
	var payload model.SyncJob
	if err := job.Decode(&payload); err != nil {
		return queue.Permanent(err)
	}
	return e.syncService.RunSyncJob(ctx, payload)
}

func (e *Engine) handleReconcileJob(ctx context.Context, job *queue.Job) error {
	var payload model.ReconcileJob
	if err := job.Decode(&payload); err != nil {
		return queue.Permanent(err)
	}
	if payload.ChannelID != "" {
		return e.Guardian.ReconcileChannel(ctx, e.TenantID, payload.ChannelID)
	}
	return e.Guardian.Reconcile(ctx, e.TenantID)
}

func (e *Engine) handleAlertJob(ctx context.Context, job *queue.Job) error {
	var payload model.AlertJob
	if err := job.Decode(&payload); err != nil {
		return queue.Permanent(err)
	}
	if payload.ProductID != "" {
		product, err := e.repo.GetProduct(ctx, payload.ProductID)
		if err != nil {
			return err
		}
		return e.Alerts.EvaluateLowStock(ctx, product)
	}
	return e.Alerts.EvaluateAll(ctx, e.TenantID)
}

// scheduleReconciliation enqueues a scheduled reconcile job every interval.
// Running through the queue keeps sweeps serial and observable like any other
// work.
func (e *Engine) scheduleReconciliation(ctx context.Context) {
	ticker := time.NewTicker(e.Guardian.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := queue.NewJob(e.TenantID, queue.Reconcile,
				model.ReconcileJob{TenantID: e.TenantID}, queue.PriorityScheduled)
			if err != nil {
				continue
			}
			if err := e.jobs.Enqueue(ctx, job); err != nil {
				e.logger.Error("failed to enqueue reconcile job", zap.Error(err))
			}
		}
	}
}

func (e *Engine) sweepAlerts(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.AlertSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := queue.NewJob(e.TenantID, queue.Alert,
				model.AlertJob{TenantID: e.TenantID}, queue.PriorityScheduled)
			if err != nil {
				continue
			}
			if err := e.jobs.Enqueue(ctx, job); err != nil {
				e.logger.Error("failed to enqueue alert sweep", zap.Error(err))
			}
		}
	}
}

// startPollers launches the POS polling fallback for every active POS channel.
func (e *Engine) startPollers(ctx context.Context) error {
	channels, err := e.repo.GetActiveChannels(ctx, e.TenantID)
	if err != nil {
		return err
	}
	for _, channel := range channels {
		if !channel.Type.IsPOS() {
			continue
		}
		channel := channel
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.Poller.Run(ctx, channel)
		}()
	}
	return nil
}
