// Package syncer propagates canonical stock changes to target channels. It
// owns the buffer-stock arithmetic, per-product serialization, conflict
// resolution and the per-target independent fan-out.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/model"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/queue"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

// DefaultProviderTimeout bounds each provider call. Expiry fails that target
// only; sibling targets keep running.
const DefaultProviderTimeout = 30 * time.Second

// Service is the sync surface the engine and telemetry middleware wrap.
type Service interface {
	ApplyStockChange(ctx context.Context, change model.StockChange) error
	RunSyncJob(ctx context.Context, job model.SyncJob) error
}

type Sync struct {
	repo      repository.Repository
	providers *provider.Registry
	bus       *eventbus.Bus
	jobs      queue.Queue
	locks     *KeyedMutex
	logger    *zap.Logger

	ProviderTimeout     time.Duration
	FullSyncParallelism int
	// Metrics, when set, records per-target push outcomes.
	Metrics *metrics.SyncMetrics

	// lastApplied tracks the newest StockChange timestamp applied per product
	// for later-timestamp-wins conflict resolution within the serialization
	// window. Process-local by design: the keyed lock that makes it matter is
	// process-local too.
	mu          sync.Mutex
	lastApplied map[string]time.Time
}

func New(repo repository.Repository, providers *provider.Registry, bus *eventbus.Bus, jobs queue.Queue, logger *zap.Logger) *Sync {
	return &Sync{
		repo:                repo,
		providers:           providers,
		bus:                 bus,
		jobs:                jobs,
		locks:               NewKeyedMutex(),
		logger:              logger,
		ProviderTimeout:     DefaultProviderTimeout,
		FullSyncParallelism: 4,
	}
}

// target is one channel a product's stock must be pushed to.
type target struct {
	channel *model.Channel
	mapping *model.ProductChannelMapping
	stock   int
}

// ApplyStockChange is the propagation path: persist the canonical stock, then
// push the per-channel expected value to every active target except the
// source. Target failures are independent; retryable ones are requeued as a
// push_update job.
func (s *Sync) ApplyStockChange(ctx context.Context, change model.StockChange) error {
	log := s.logger.With(zap.String("product_id", change.ProductID), zap.String("sku", change.SKU))

	// Resolve the product if the watcher could not.
	if change.ProductID == "" {
		mapping, err := s.repo.GetMapping(ctx, change.TenantID, change.SourceChannelID, change.ExternalID)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("failed to resolve mapping: %w", err)
			}
			old, _ := json.Marshal(map[string]any{"external_id": change.ExternalID})
			return s.repo.CreateSyncEvent(ctx, &model.SyncEvent{
				TenantID:     change.TenantID,
				EventType:    model.EventWebhookUnmatched,
				ChannelID:    change.SourceChannelID,
				OldValue:     old,
				Status:       model.StatusFailed,
				ErrorMessage: fmt.Sprintf("No product mapping found for external id %s", change.ExternalID),
			})
		}
		change.ProductID = mapping.ProductID
	}

	unlock := s.locks.Lock(change.TenantID, change.ProductID)

	// Later timestamp wins; an out-of-order change is recorded as superseded
	// and never touches canonical state. Ties break by arrival order.
	if s.superseded(change.ProductID, change.Timestamp) {
		unlock()
		log.Info("stock change superseded by newer update")
		old, _ := json.Marshal(map[string]any{"new_quantity": change.NewQuantity, "timestamp": change.Timestamp})
		return s.repo.CreateSyncEvent(ctx, &model.SyncEvent{
			TenantID:     change.TenantID,
			EventType:    model.EventStockUpdate,
			ChannelID:    change.SourceChannelID,
			ProductID:    change.ProductID,
			OldValue:     old,
			Status:       model.StatusFailed,
			ErrorMessage: "superseded by later stock change",
		})
	}

	product, err := s.repo.GetProduct(ctx, change.ProductID)
	if err != nil {
		unlock()
		return fmt.Errorf("failed to load product: %w", err)
	}

	oldStock := product.CurrentStock
	newStock := change.NewQuantity
	if newStock < 0 {
		newStock = 0
	}

	oldVal, _ := json.Marshal(map[string]any{"current_stock": oldStock})
	newVal, _ := json.Marshal(map[string]any{"current_stock": newStock, "change_type": change.ChangeType})
	if err := s.repo.ApplyStockChange(ctx, product.ID, newStock, &model.SyncEvent{
		TenantID:  change.TenantID,
		EventType: model.EventStockUpdate,
		ChannelID: change.SourceChannelID,
		ProductID: product.ID,
		OldValue:  oldVal,
		NewValue:  newVal,
		Status:    model.StatusCompleted,
	}); err != nil {
		unlock()
		return fmt.Errorf("failed to persist stock change: %w", err)
	}
	product.CurrentStock = newStock
	s.recordApplied(product.ID, change.Timestamp)

	s.bus.Publish(eventbus.StockUpdated, eventbus.StockUpdatedPayload{
		ProductID: product.ID,
		SKU:       product.SKU,
		OldStock:  oldStock,
		NewStock:  newStock,
	})

	targets, err := s.enumerateTargets(ctx, product, change.SourceChannelID)
	unlock() // fan-out proceeds outside the critical section
	if err != nil {
		return err
	}

	started := time.Now()
	succeeded, failed, retryable := s.fanOut(ctx, product, targets)

	s.bus.Publish(eventbus.SyncCompleted, eventbus.SyncCompletedPayload{
		Operation: model.OpPushUpdate,
		ProductID: product.ID,
		Succeeded: succeeded,
		Failed:    failed,
		Duration:  time.Since(started),
	})

	if retryable > 0 {
		// Hand the laggards to the job queue; re-pushing the canonical value
		// to every target is idempotent.
		job, err := queue.NewJob(change.TenantID, queue.Sync, model.SyncJob{
			TenantID:   change.TenantID,
			ChannelID:  change.SourceChannelID,
			Operation:  model.OpPushUpdate,
			ProductIDs: []string{product.ID},
		}, queue.PriorityManual)
		if err == nil {
			if err := s.jobs.Enqueue(ctx, job); err != nil {
				log.Error("failed to enqueue push_update retry", zap.Error(err))
			}
		}
	}

	log.Info("stock change propagated",
		zap.Int("old_stock", oldStock),
		zap.Int("new_stock", newStock),
		zap.Int("targets_ok", succeeded),
		zap.Int("targets_failed", failed),
	)
	return nil
}

// enumerateTargets lists all active mapped channels for the product excluding
// the source channel, with the per-channel expected stock already computed.
func (s *Sync) enumerateTargets(ctx context.Context, product *model.Product, sourceChannelID string) ([]target, error) {
	mappings, err := s.repo.GetMappingsForProduct(ctx, product.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mappings: %w", err)
	}
	channels, err := s.repo.GetActiveChannels(ctx, product.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	active := make(map[string]*model.Channel, len(channels))
	for _, c := range channels {
		active[c.ID] = c
	}

	var targets []target
	for _, m := range mappings {
		if m.ChannelID == sourceChannelID {
			continue // never push back to the source
		}
		channel, ok := active[m.ChannelID]
		if !ok {
			continue
		}
		targets = append(targets, target{
			channel: channel,
			mapping: m,
			stock:   model.StockToSync(channel.Type, product.CurrentStock, product.BufferStock),
		})
	}
	return targets, nil
}

// fanOut pushes to every target in parallel with individual deadlines. One
// target's failure never aborts its siblings.
func (s *Sync) fanOut(ctx context.Context, product *model.Product, targets []target) (succeeded, failed, retryable int) {
	if len(targets) == 0 {
		return 0, 0, 0
	}

	type result struct {
		err       error
		retryable bool
	}
	results := make([]result, len(targets))

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			err := s.pushToTarget(ctx, product, t)
			results[i] = result{err: err, retryable: err != nil && provider.Retryable(err)}
		}(i, t)
	}
	wg.Wait()

	for _, r := range results {
		switch {
		case r.err == nil:
			succeeded++
		case r.retryable:
			failed++
			retryable++
		default:
			failed++
		}
	}
	return succeeded, failed, retryable
}

// pushToTarget performs one provider write with its audit trail:
// pending -> processing -> completed|failed.
func (s *Sync) pushToTarget(ctx context.Context, product *model.Product, t target) error {
	event := &model.SyncEvent{
		TenantID:  product.TenantID,
		EventType: model.EventPushUpdate,
		ChannelID: t.channel.ID,
		ProductID: product.ID,
		Status:    model.StatusPending,
	}
	if err := s.repo.CreateSyncEvent(ctx, event); err != nil {
		return err
	}
	if err := s.repo.UpdateSyncEventStatus(ctx, event.ID, model.StatusProcessing, ""); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.ProviderTimeout)
	defer cancel()

	pushStarted := time.Now()
	err := s.updateChannelStock(callCtx, t)
	if s.Metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.Metrics.PushesTotal.WithLabelValues(string(t.channel.Type), status).Inc()
		s.Metrics.PushDuration.Observe(time.Since(pushStarted).Seconds())
	}
	if err != nil {
		_ = s.repo.UpdateSyncEventStatus(ctx, event.ID, model.StatusFailed, err.Error())
		s.bus.Publish(eventbus.SyncFailed, eventbus.SyncFailedPayload{
			ProductID: product.ID,
			ChannelID: t.channel.ID,
			Error:     err.Error(),
			Retryable: provider.Retryable(err),
		})
		if provider.IsDisconnect(err) {
			s.bus.Publish(eventbus.ChannelDisconnected, eventbus.ChannelPayload{
				ChannelID:   t.channel.ID,
				ChannelType: t.channel.Type,
				Error:       err.Error(),
			})
		}
		return err
	}

	oldVal, _ := json.Marshal(map[string]any{"external_id": t.mapping.ExternalID})
	newVal, _ := json.Marshal(map[string]any{"quantity": t.stock})
	event.OldValue = oldVal
	event.NewValue = newVal
	if err := s.repo.UpdateSyncEventStatus(ctx, event.ID, model.StatusCompleted, ""); err != nil {
		return err
	}
	return s.repo.UpdateChannelLastSync(ctx, t.channel.ID, time.Now())
}

func (s *Sync) updateChannelStock(ctx context.Context, t target) error {
	prov, err := s.providers.For(ctx, t.channel)
	if err != nil {
		return err
	}
	return prov.UpdateStock(ctx, t.mapping.ExternalID, t.stock)
}

// RunSyncJob executes a queued sync operation. A returned error means at
// least one retryable target failure remains, letting the queue's policy
// drive retry and eventual dead-lettering.
func (s *Sync) RunSyncJob(ctx context.Context, job model.SyncJob) error {
	switch job.Operation {
	case model.OpFullSync:
		return s.runBulkSync(ctx, job, true)
	case model.OpIncrementalSync:
		return s.runBulkSync(ctx, job, false)
	case model.OpPushUpdate:
		return s.runPushUpdate(ctx, job)
	default:
		return queue.Permanent(fmt.Errorf("unknown sync operation %q", job.Operation))
	}
}

func (s *Sync) runPushUpdate(ctx context.Context, job model.SyncJob) error {
	var firstRetryable error
	for _, productID := range job.ProductIDs {
		product, err := s.repo.GetProduct(ctx, productID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return err
		}

		unlock := s.locks.Lock(job.TenantID, productID)
		targets, err := s.enumerateTargets(ctx, product, job.ChannelID)
		unlock()
		if err != nil {
			return err
		}

		_, _, retryable := s.fanOut(ctx, product, targets)
		if retryable > 0 && firstRetryable == nil {
			firstRetryable = fmt.Errorf("retryable failures pushing product %s", productID)
		}
	}
	return firstRetryable
}

// runBulkSync pushes expected values for the tenant's products to every
// mapped active channel. full=false limits to products updated since the
// source channel's last sync.
func (s *Sync) runBulkSync(ctx context.Context, job model.SyncJob, full bool) error {
	operation := model.OpIncrementalSync
	if full {
		operation = model.OpFullSync
	}

	products, err := s.selectProducts(ctx, job, full)
	if err != nil {
		return err
	}

	s.bus.Publish(eventbus.SyncStarted, eventbus.SyncStartedPayload{
		Operation: operation,
		Products:  len(products),
	})
	started := time.Now()

	event := &model.SyncEvent{
		TenantID:  job.TenantID,
		EventType: model.EventFullSync,
		ChannelID: job.ChannelID,
		Status:    model.StatusPending,
	}
	if err := s.repo.CreateSyncEvent(ctx, event); err != nil {
		return err
	}
	if err := s.repo.UpdateSyncEventStatus(ctx, event.ID, model.StatusProcessing, ""); err != nil {
		return err
	}

	parallelism := s.FullSyncParallelism
	if parallelism < 1 {
		parallelism = 1
	}
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex
	totalOK, totalFailed, totalRetryable := 0, 0, 0

	for _, p := range products {
		sem <- struct{}{}
		wg.Add(1)
		go func(p *model.Product) {
			defer wg.Done()
			defer func() { <-sem }()

			unlock := s.locks.Lock(job.TenantID, p.ID)
			// A bulk sync has no source channel to exclude unless targeted.
			targets, err := s.enumerateTargets(ctx, p, "")
			unlock()
			if err != nil {
				s.logger.Error("bulk sync: failed to enumerate targets",
					zap.String("product_id", p.ID), zap.Error(err))
				return
			}
			ok, failedN, retryableN := s.fanOut(ctx, p, targets)
			mu.Lock()
			totalOK += ok
			totalFailed += failedN
			totalRetryable += retryableN
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	summary, _ := json.Marshal(map[string]any{
		"products": len(products), "succeeded": totalOK, "failed": totalFailed,
	})
	event.NewValue = summary
	status := model.StatusCompleted
	if totalFailed > 0 && totalOK == 0 && len(products) > 0 {
		status = model.StatusFailed
	}
	if err := s.repo.UpdateSyncEventStatus(ctx, event.ID, status, ""); err != nil {
		return err
	}

	s.bus.Publish(eventbus.SyncCompleted, eventbus.SyncCompletedPayload{
		Operation: operation,
		Succeeded: totalOK,
		Failed:    totalFailed,
		Duration:  time.Since(started),
	})

	if totalRetryable > 0 {
		return fmt.Errorf("bulk sync finished with %d retryable target failures", totalRetryable)
	}
	return nil
}

func (s *Sync) selectProducts(ctx context.Context, job model.SyncJob, full bool) ([]*model.Product, error) {
	if len(job.ProductIDs) > 0 {
		var out []*model.Product
		for _, id := range job.ProductIDs {
			p, err := s.repo.GetProduct(ctx, id)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					continue
				}
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	}

	products, err := s.repo.GetProducts(ctx, job.TenantID)
	if err != nil {
		return nil, err
	}
	if full || job.ChannelID == "" {
		return products, nil
	}

	channel, err := s.repo.GetChannel(ctx, job.ChannelID)
	if err != nil {
		return nil, err
	}
	var out []*model.Product
	for _, p := range products {
		if p.UpdatedAt.After(channel.LastSyncAt) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Sync) superseded(productID string, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastApplied == nil {
		return false
	}
	last, ok := s.lastApplied[productID]
	return ok && ts.Before(last)
}

func (s *Sync) recordApplied(productID string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastApplied == nil {
		s.lastApplied = make(map[string]time.Time)
	}
	if ts.After(s.lastApplied[productID]) {
		s.lastApplied[productID] = ts
	}
}

var _ Service = (*Sync)(nil)
