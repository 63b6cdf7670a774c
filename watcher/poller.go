package watcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/kv"
	"github.com/mkesani1/stockclerk-sub001/model"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

// DefaultPollInterval is how often POS channels are polled for completed
// transactions when webhooks are unreliable.
const DefaultPollInterval = 30 * time.Second

// Poller is the POS polling fallback. It fetches completed transactions since
// the last cursor, produces the same StockChange stream as webhooks, and
// advances the cursor only on success so missed transactions are re-read.
type Poller struct {
	repo      repository.Repository
	kvs       kv.Store
	providers *provider.Registry
	bus       *eventbus.Bus
	logger    *zap.Logger
	Interval  time.Duration
}

func NewPoller(repo repository.Repository, kvs kv.Store, providers *provider.Registry, bus *eventbus.Bus, logger *zap.Logger) *Poller {
	return &Poller{
		repo:      repo,
		kvs:       kvs,
		providers: providers,
		bus:       bus,
		logger:    logger,
		Interval:  DefaultPollInterval,
	}
}

// Run polls one POS channel until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, channel *model.Channel) {
	log := p.logger.With(zap.String("channel_id", channel.ID))
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx, channel); err != nil {
				log.Error("POS poll failed", zap.Error(err))
			}
		}
	}
}

// PollOnce performs a single poll cycle for the channel.
func (p *Poller) PollOnce(ctx context.Context, channel *model.Channel) error {
	prov, err := p.providers.For(ctx, channel)
	if err != nil {
		return err
	}
	source, ok := prov.(provider.TransactionSource)
	if !ok {
		return nil // provider cannot list transactions; nothing to poll
	}

	since := p.cursor(ctx, channel.ID)
	transactions, err := source.TransactionsSince(ctx, since)
	if err != nil {
		return err
	}

	latest := since
	for _, tx := range transactions {
		if err := p.publishTransaction(ctx, channel, tx); err != nil {
			return err
		}
		if tx.CompletedAt.After(latest) {
			latest = tx.CompletedAt
		}
	}

	if latest.After(since) {
		if err := p.kvs.Set(ctx, kv.PollCursorKey(channel.ID), latest.Format(time.RFC3339Nano), 0); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) publishTransaction(ctx context.Context, channel *model.Channel, tx provider.POSTransaction) error {
	for _, item := range tx.Items {
		mapping, err := p.repo.GetMapping(ctx, channel.TenantID, channel.ID, item.ExternalID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue // unmapped POS line, nothing to propagate
			}
			return err
		}
		product, err := p.repo.GetProduct(ctx, mapping.ProductID)
		if err != nil {
			return err
		}

		previous := product.CurrentStock
		newQuantity := previous - item.Quantity
		if newQuantity < 0 {
			newQuantity = 0
		}

		p.bus.Publish(eventbus.StockChange, model.StockChange{
			TenantID:          channel.TenantID,
			SourceChannelID:   channel.ID,
			SourceChannelType: channel.Type,
			ExternalID:        item.ExternalID,
			ProductID:         product.ID,
			SKU:               product.SKU,
			PreviousQuantity:  &previous,
			NewQuantity:       newQuantity,
			ChangeAmount:      newQuantity - previous,
			ChangeType:        model.ChangeSale,
			Timestamp:         tx.CompletedAt,
			Metadata:          map[string]any{"transaction_id": tx.ID},
		})
	}
	return nil
}

// cursor reads the channel's last-poll timestamp, defaulting to one interval
// back so a fresh channel does not replay history.
func (p *Poller) cursor(ctx context.Context, channelID string) time.Time {
	value, ok, err := p.kvs.Get(ctx, kv.PollCursorKey(channelID))
	if err != nil || !ok {
		return time.Now().Add(-p.Interval)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Now().Add(-p.Interval)
	}
	return t
}
