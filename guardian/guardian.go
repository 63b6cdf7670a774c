// Package guardian runs the periodic reconciliation sweep: it reads live
// stock from every mapped channel, compares against the source of truth,
// auto-repairs small drift and flags large drift for operators.
package guardian

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/model"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

const (
	// DefaultInterval is the reconciliation period per tenant.
	DefaultInterval = 15 * time.Minute
	// DefaultAutoRepairThreshold is the drift below which guardian repairs
	// silently. Drift at or above it is flagged for a human.
	DefaultAutoRepairThreshold = 5
)

type Guardian struct {
	repo      repository.Repository
	providers *provider.Registry
	bus       *eventbus.Bus
	logger    *zap.Logger

	Interval            time.Duration
	AutoRepairThreshold int
	Metrics             *metrics.SyncMetrics
}

func New(repo repository.Repository, providers *provider.Registry, bus *eventbus.Bus, logger *zap.Logger) *Guardian {
	return &Guardian{
		repo:                repo,
		providers:           providers,
		bus:                 bus,
		logger:              logger,
		Interval:            DefaultInterval,
		AutoRepairThreshold: DefaultAutoRepairThreshold,
	}
}

// Reconcile performs one full sweep over the tenant's products. The engine
// schedules it through the reconcile queue so sweeps stay serial.
func (g *Guardian) Reconcile(ctx context.Context, tenantID string) error {
	return g.reconcile(ctx, tenantID, "")
}

// ReconcileChannel reconciles a single channel, used when a channel comes
// back after a disconnect.
func (g *Guardian) ReconcileChannel(ctx context.Context, tenantID, channelID string) error {
	return g.reconcile(ctx, tenantID, channelID)
}

func (g *Guardian) reconcile(ctx context.Context, tenantID, onlyChannelID string) error {
	channels, err := g.repo.GetActiveChannels(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load channels: %w", err)
	}
	if len(channels) < 2 {
		return nil // a single channel cannot drift from itself
	}

	source := sourceOfTruth(channels)
	if !source.Type.IsPOS() {
		g.logger.Warn("no POS channel, using oldest active channel as source of truth",
			zap.String("channel_id", source.ID))
	}

	products, err := g.repo.GetProducts(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load products: %w", err)
	}

	for _, product := range products {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.reconcileProduct(ctx, source, channels, product, onlyChannelID); err != nil {
			g.logger.Error("failed to reconcile product",
				zap.String("product_id", product.ID), zap.Error(err))
		}
	}
	return nil
}

// sourceOfTruth picks the POS channel if present, else the oldest active
// channel. GetActiveChannels orders by createdAt so the fallback is stable
// across sweeps.
func sourceOfTruth(channels []*model.Channel) *model.Channel {
	for _, c := range channels {
		if c.Type.IsPOS() {
			return c
		}
	}
	return channels[0]
}

func (g *Guardian) reconcileProduct(ctx context.Context, source *model.Channel, channels []*model.Channel, product *model.Product, onlyChannelID string) error {
	mappings, err := g.repo.GetMappingsForProduct(ctx, product.ID)
	if err != nil {
		return err
	}
	byChannel := make(map[string]*model.ProductChannelMapping, len(mappings))
	for _, m := range mappings {
		byChannel[m.ChannelID] = m
	}

	sourceMapping, ok := byChannel[source.ID]
	if !ok {
		return nil // product not listed on the source channel
	}

	truth, err := g.liveQuantity(ctx, source, sourceMapping)
	if err != nil {
		return fmt.Errorf("failed to read source of truth: %w", err)
	}

	var drifting []model.DriftingChannel
	maxDrift := 0
	for _, channel := range channels {
		if channel.ID == source.ID {
			continue
		}
		if onlyChannelID != "" && channel.ID != onlyChannelID {
			continue
		}
		mapping, ok := byChannel[channel.ID]
		if !ok {
			continue
		}

		actual, err := g.liveQuantity(ctx, channel, mapping)
		if err != nil {
			g.logger.Warn("failed to read live stock",
				zap.String("channel_id", channel.ID), zap.Error(err))
			continue
		}
		expected := model.StockToSync(channel.Type, truth, product.BufferStock)
		drift := actual - expected
		if drift < 0 {
			drift = -drift
		}
		if drift == 0 {
			continue
		}
		drifting = append(drifting, model.DriftingChannel{
			ChannelID:   channel.ID,
			ChannelType: channel.Type,
			ExternalID:  mapping.ExternalID,
			Expected:    expected,
			Actual:      actual,
			Drift:       drift,
		})
		if drift > maxDrift {
			maxDrift = drift
		}
	}

	if len(drifting) == 0 {
		return nil
	}

	detection := model.DriftDetection{
		ProductID:       product.ID,
		SKU:             product.SKU,
		SourceChannelID: source.ID,
		SourceQuantity:  truth,
		Channels:        drifting,
		MaxDrift:        maxDrift,
		Severity:        g.severity(maxDrift),
	}

	if g.Metrics != nil {
		g.Metrics.DriftDetectedTotal.WithLabelValues(string(detection.Severity)).Inc()
	}
	g.bus.Publish(eventbus.DriftDetected, eventbus.DriftPayload{Detection: detection})
	g.logger.Info("drift detected",
		zap.String("product_id", product.ID),
		zap.Int("max_drift", maxDrift),
		zap.String("severity", string(detection.Severity)),
	)

	if detection.Severity == model.DriftLow {
		return g.repair(ctx, product, detection)
	}
	return g.flag(ctx, product, detection)
}

func (g *Guardian) severity(maxDrift int) model.DriftSeverity {
	switch {
	case maxDrift < g.AutoRepairThreshold:
		return model.DriftLow
	case maxDrift < 2*g.AutoRepairThreshold:
		return model.DriftMedium
	default:
		return model.DriftHigh
	}
}

// repair adopts the source quantity as canonical and rewrites every drifting
// channel. A channel that fails to update stays drifted until the next sweep;
// the repaired list reports only what was actually written.
func (g *Guardian) repair(ctx context.Context, product *model.Product, detection model.DriftDetection) error {
	if err := g.repo.UpdateProductStock(ctx, product.ID, detection.SourceQuantity); err != nil {
		return fmt.Errorf("failed to adopt source quantity: %w", err)
	}

	var repaired []string
	for _, dc := range detection.Channels {
		channel, err := g.repo.GetChannel(ctx, dc.ChannelID)
		if err != nil {
			continue
		}
		prov, err := g.providers.For(ctx, channel)
		if err != nil {
			g.logger.Warn("repair skipped, provider unavailable",
				zap.String("channel_id", dc.ChannelID), zap.Error(err))
			continue
		}
		if err := prov.UpdateStock(ctx, dc.ExternalID, dc.Expected); err != nil {
			g.logger.Warn("repair write failed",
				zap.String("channel_id", dc.ChannelID), zap.Error(err))
			continue
		}
		repaired = append(repaired, dc.ChannelID)
		if g.Metrics != nil {
			g.Metrics.DriftRepairedTotal.Inc()
		}
	}

	g.bus.Publish(eventbus.DriftRepaired, eventbus.DriftPayload{
		Detection:        detection,
		RepairedChannels: repaired,
	})
	g.logger.Info("drift repaired",
		zap.String("product_id", product.ID),
		zap.Strings("channels", repaired),
	)
	return nil
}

// flag surfaces medium and high drift as a sync_error alert and leaves the
// channels untouched. Drift that persists across sweeps keeps the one unread
// alert instead of raising a new one per sweep.
func (g *Guardian) flag(ctx context.Context, product *model.Product, detection model.DriftDetection) error {
	exists, err := g.repo.AlertExists(ctx, product.TenantID, model.AlertSyncError, product.ID, "")
	if err != nil {
		return fmt.Errorf("failed to check for existing drift alert: %w", err)
	}
	if exists {
		return nil
	}

	alert := &model.Alert{
		TenantID:  product.TenantID,
		Type:      model.AlertSyncError,
		ProductID: product.ID,
		Message: fmt.Sprintf("Stock drift of %d detected for %s (severity %s), manual review required",
			detection.MaxDrift, product.SKU, detection.Severity),
		Metadata: map[string]any{
			"max_drift":       detection.MaxDrift,
			"severity":        string(detection.Severity),
			"source_quantity": detection.SourceQuantity,
			"channels":        len(detection.Channels),
		},
	}
	if err := g.repo.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to create drift alert: %w", err)
	}
	if g.Metrics != nil {
		g.Metrics.AlertsTotal.WithLabelValues(string(model.AlertSyncError)).Inc()
	}
	g.bus.Publish(eventbus.AlertTriggered, eventbus.AlertPayload{Alert: *alert})
	return nil
}

func (g *Guardian) liveQuantity(ctx context.Context, channel *model.Channel, mapping *model.ProductChannelMapping) (int, error) {
	prov, err := g.providers.For(ctx, channel)
	if err != nil {
		return 0, err
	}
	external, err := prov.GetProduct(ctx, mapping.ExternalID)
	if err != nil {
		return 0, err
	}
	return external.Quantity, nil
}
