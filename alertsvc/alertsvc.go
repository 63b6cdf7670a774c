// Package alertsvc evaluates low-stock, channel-disconnect and sync-error
// conditions and maintains the de-duplicated unread alert set: at most one
// unread alert per (tenant, type, product?, channel?) tuple. Conditions that
// clear themselves resolve the prior alert without raising a new one.
package alertsvc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/model"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

// DefaultLowStockMargin is added to bufferStock when no alert rule supplies a
// threshold.
const DefaultLowStockMargin = 5

// DefaultHealthInterval is how often channel health is probed.
const DefaultHealthInterval = time.Minute

type Service struct {
	repo      repository.Repository
	providers *provider.Registry
	bus       *eventbus.Bus
	logger    *zap.Logger

	HealthInterval time.Duration
	Metrics        *metrics.SyncMetrics

	mu          sync.Mutex
	rules       map[string][]*model.AlertRule // tenantID -> cached rules
	downChannel map[string]bool               // channelID -> last check failed
}

func New(repo repository.Repository, providers *provider.Registry, bus *eventbus.Bus, logger *zap.Logger) *Service {
	return &Service{
		repo:           repo,
		providers:      providers,
		bus:            bus,
		logger:         logger,
		HealthInterval: DefaultHealthInterval,
		rules:          make(map[string][]*model.AlertRule),
		downChannel:    make(map[string]bool),
	}
}

// Attach subscribes the service to the bus events it reacts to. The returned
// func detaches all subscriptions.
func (s *Service) Attach(ctx context.Context) func() {
	unsubStock := s.bus.Subscribe(func(ev eventbus.Event) {
		payload, ok := ev.Payload.(eventbus.StockUpdatedPayload)
		if !ok {
			return
		}
		if err := s.onStockUpdated(ctx, ev.TenantID, payload); err != nil {
			s.logger.Error("low stock evaluation failed",
				zap.String("product_id", payload.ProductID), zap.Error(err))
		}
	}, eventbus.StockUpdated)

	unsubFailed := s.bus.Subscribe(func(ev eventbus.Event) {
		payload, ok := ev.Payload.(eventbus.SyncFailedPayload)
		if !ok {
			return
		}
		if err := s.onSyncFailed(ctx, ev.TenantID, payload); err != nil {
			s.logger.Error("sync error alert failed",
				zap.String("product_id", payload.ProductID), zap.Error(err))
		}
	}, eventbus.SyncFailed)

	unsubRules := s.bus.Subscribe(func(ev eventbus.Event) {
		s.InvalidateRules(ev.TenantID)
	}, eventbus.AlertRulesChanged)

	return func() {
		unsubStock()
		unsubFailed()
		unsubRules()
	}
}

func (s *Service) onStockUpdated(ctx context.Context, tenantID string, payload eventbus.StockUpdatedPayload) error {
	product, err := s.repo.GetProduct(ctx, payload.ProductID)
	if err != nil {
		return err
	}
	return s.EvaluateLowStock(ctx, product)
}

// EvaluateLowStock raises a low_stock alert when the product is at or below
// its threshold and resolves a prior alert once stock recovers.
func (s *Service) EvaluateLowStock(ctx context.Context, product *model.Product) error {
	threshold, err := s.threshold(ctx, product)
	if err != nil {
		return err
	}

	if product.CurrentStock > threshold {
		// Recovery marks the unread alert read; it never raises a new one.
		return s.repo.ResolveAlert(ctx, product.TenantID, model.AlertLowStock, product.ID, "")
	}

	return s.raise(ctx, &model.Alert{
		TenantID:  product.TenantID,
		Type:      model.AlertLowStock,
		ProductID: product.ID,
		Message:   fmt.Sprintf("Low stock for %s: %d remaining (threshold %d)", product.SKU, product.CurrentStock, threshold),
		Metadata: map[string]any{
			"currentStock": product.CurrentStock,
			"bufferStock":  product.BufferStock,
			"threshold":    threshold,
		},
	})
}

// EvaluateAll sweeps every product of the tenant. The engine runs this on a
// timer so products that drain without webhooks still alert.
func (s *Service) EvaluateAll(ctx context.Context, tenantID string) error {
	products, err := s.repo.GetProducts(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.EvaluateLowStock(ctx, p); err != nil {
			s.logger.Error("low stock evaluation failed",
				zap.String("product_id", p.ID), zap.Error(err))
		}
	}
	return nil
}

// threshold resolves the low-stock threshold: the largest applicable enabled
// rule wins, else bufferStock plus the default margin.
func (s *Service) threshold(ctx context.Context, product *model.Product) (int, error) {
	rules, err := s.rulesFor(ctx, product.TenantID)
	if err != nil {
		return 0, err
	}
	threshold := product.BufferStock + DefaultLowStockMargin
	matched := false
	for _, rule := range rules {
		if !rule.Enabled || !rule.AppliesTo(product.ID) {
			continue
		}
		if !matched || rule.Threshold > threshold {
			threshold = rule.Threshold
		}
		matched = true
	}
	return threshold, nil
}

func (s *Service) onSyncFailed(ctx context.Context, tenantID string, payload eventbus.SyncFailedPayload) error {
	if payload.Retryable {
		return nil // the queue is still working on it
	}
	return s.raise(ctx, &model.Alert{
		TenantID:  tenantID,
		Type:      model.AlertSyncError,
		ProductID: payload.ProductID,
		ChannelID: payload.ChannelID,
		Message:   fmt.Sprintf("Sync failed permanently: %s", payload.Error),
		Metadata:  map[string]any{"error": payload.Error},
	})
}

// RunHealthChecks probes channel health on every tick until ctx is cancelled.
func (s *Service) RunHealthChecks(ctx context.Context, tenantID string) {
	ticker := time.NewTicker(s.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CheckChannelHealth(ctx, tenantID); err != nil {
				s.logger.Error("channel health sweep failed", zap.Error(err))
			}
		}
	}
}

// CheckChannelHealth probes every active channel once. A channel that goes
// down raises channel_disconnected; one that comes back resolves the alert
// and announces the reconnect so reconciliation can catch it up.
func (s *Service) CheckChannelHealth(ctx context.Context, tenantID string) error {
	channels, err := s.repo.GetActiveChannels(ctx, tenantID)
	if err != nil {
		return err
	}

	for _, channel := range channels {
		status := s.probe(ctx, channel)
		if status.Connected {
			s.markUp(ctx, channel)
			continue
		}
		s.markDown(ctx, channel, status.Error)
	}
	return nil
}

func (s *Service) probe(ctx context.Context, channel *model.Channel) provider.HealthStatus {
	prov, err := s.providers.For(ctx, channel)
	if err != nil {
		return provider.HealthStatus{Connected: false, LastChecked: time.Now(), Error: err.Error()}
	}
	return prov.HealthCheck(ctx)
}

func (s *Service) markDown(ctx context.Context, channel *model.Channel, reason string) {
	s.mu.Lock()
	alreadyDown := s.downChannel[channel.ID]
	s.downChannel[channel.ID] = true
	s.mu.Unlock()
	if alreadyDown {
		return
	}

	s.logger.Warn("channel disconnected",
		zap.String("channel_id", channel.ID), zap.String("reason", reason))
	// Drop the cached client so recovery reconnects from scratch instead of
	// reusing a possibly wedged connection.
	s.providers.Drop(ctx, channel.ID)
	s.bus.Publish(eventbus.ChannelDisconnected, eventbus.ChannelPayload{
		ChannelID:   channel.ID,
		ChannelType: channel.Type,
		Error:       reason,
	})
	if err := s.raise(ctx, &model.Alert{
		TenantID:  channel.TenantID,
		Type:      model.AlertChannelDisconnected,
		ChannelID: channel.ID,
		Message:   fmt.Sprintf("Channel %s (%s) is unreachable: %s", channel.Name, channel.Type, reason),
		Metadata:  map[string]any{"error": reason},
	}); err != nil {
		s.logger.Error("failed to raise disconnect alert", zap.Error(err))
	}
}

func (s *Service) markUp(ctx context.Context, channel *model.Channel) {
	s.mu.Lock()
	wasDown := s.downChannel[channel.ID]
	delete(s.downChannel, channel.ID)
	s.mu.Unlock()
	if !wasDown {
		return
	}

	s.logger.Info("channel reconnected", zap.String("channel_id", channel.ID))
	if err := s.repo.ResolveAlert(ctx, channel.TenantID, model.AlertChannelDisconnected, "", channel.ID); err != nil {
		s.logger.Error("failed to resolve disconnect alert", zap.Error(err))
	}
	s.bus.Publish(eventbus.ChannelConnected, eventbus.ChannelPayload{
		ChannelID:   channel.ID,
		ChannelType: channel.Type,
	})
}

// raise creates the alert unless an unread one already exists for its dedup
// tuple.
func (s *Service) raise(ctx context.Context, alert *model.Alert) error {
	exists, err := s.repo.AlertExists(ctx, alert.TenantID, alert.Type, alert.ProductID, alert.ChannelID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := s.repo.CreateAlert(ctx, alert); err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.AlertsTotal.WithLabelValues(string(alert.Type)).Inc()
	}
	s.bus.Publish(eventbus.AlertTriggered, eventbus.AlertPayload{Alert: *alert})
	return nil
}

// rulesFor is a read-through cache over the tenant's alert rules, invalidated
// by alert:rules_changed.
func (s *Service) rulesFor(ctx context.Context, tenantID string) ([]*model.AlertRule, error) {
	s.mu.Lock()
	cached, ok := s.rules[tenantID]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	rules, err := s.repo.GetAlertRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.rules[tenantID] = rules
	s.mu.Unlock()
	return rules, nil
}

// InvalidateRules drops the cached rules for a tenant.
func (s *Service) InvalidateRules(tenantID string) {
	s.mu.Lock()
	delete(s.rules, tenantID)
	s.mu.Unlock()
}
