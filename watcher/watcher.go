// Package watcher ingests webhook jobs, verifies and de-duplicates them, and
// normalizes per-channel payloads into canonical StockChange events on the
// tenant's bus. It also runs the POS polling fallback for channels without
// reliable webhooks.
package watcher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/kv"
	"github.com/mkesani1/stockclerk-sub001/model"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

// DedupeTTL is how long webhook event ids are remembered. It must exceed the
// provider's maximum redelivery window.
const DedupeTTL = 7 * 24 * time.Hour

type Watcher struct {
	repo   repository.Repository
	kvs    kv.Store
	bus    *eventbus.Bus
	logger *zap.Logger

	Metrics *metrics.WebhookMetrics
}

func New(repo repository.Repository, kvs kv.Store, bus *eventbus.Bus, logger *zap.Logger) *Watcher {
	return &Watcher{
		repo:   repo,
		kvs:    kvs,
		bus:    bus,
		logger: logger,
	}
}

// HandleWebhookJob processes one queued webhook delivery. Signature failures,
// duplicates and unmatched external ids are terminal outcomes recorded as
// sync events, not errors: returning nil keeps the queue from retrying
// deliveries that can never succeed.
func (w *Watcher) HandleWebhookJob(ctx context.Context, job *model.WebhookJob) error {
	log := w.logger.With(
		zap.String("channel_id", job.ChannelID),
		zap.String("event_type", job.EventType),
	)

	channel, err := w.repo.GetChannel(ctx, job.ChannelID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("webhook for unknown channel, dropping")
			return nil
		}
		return fmt.Errorf("failed to load channel: %w", err)
	}

	if channel.WebhookSecret != "" {
		if !VerifySignature(job.Payload, job.Signature, channel.WebhookSecret) {
			log.Warn("webhook signature verification failed")
			if w.Metrics != nil {
				w.Metrics.InvalidSigTotal.Inc()
			}
			return w.repo.CreateSyncEvent(ctx, &model.SyncEvent{
				TenantID:     job.TenantID,
				EventType:    model.EventWebhookProcessed,
				ChannelID:    job.ChannelID,
				Status:       model.StatusFailed,
				ErrorMessage: "invalid signature",
			})
		}
	} else {
		log.Warn("channel has no webhook secret configured, accepting unsigned payload")
	}

	eventID := extractEventID(job)
	dedupeKey := kv.DedupeKey(job.TenantID, job.ChannelID, eventID)
	fresh, err := w.kvs.SetNX(ctx, dedupeKey, "1", DedupeTTL)
	if err != nil {
		return fmt.Errorf("failed to record webhook id: %w", err)
	}
	if !fresh {
		log.Info("duplicate webhook, short-circuiting", zap.String("event_id", eventID))
		if w.Metrics != nil {
			w.Metrics.DuplicateTotal.Inc()
		}
		dup, _ := json.Marshal(map[string]any{"duplicate": true, "event_id": eventID})
		return w.repo.CreateSyncEvent(ctx, &model.SyncEvent{
			TenantID:  job.TenantID,
			EventType: model.EventWebhookProcessed,
			ChannelID: job.ChannelID,
			NewValue:  dup,
			Status:    model.StatusCompleted,
		})
	}

	raws, err := decode(channel.Type, job.EventType, job.Payload, job.ReceivedAt)
	if err != nil {
		// A payload we cannot decode will not decode on retry either.
		log.Error("failed to decode webhook payload", zap.Error(err))
		return w.repo.CreateSyncEvent(ctx, &model.SyncEvent{
			TenantID:     job.TenantID,
			EventType:    model.EventWebhookProcessed,
			ChannelID:    job.ChannelID,
			Status:       model.StatusFailed,
			ErrorMessage: err.Error(),
		})
	}

	published := 0
	for _, raw := range raws {
		change, err := w.resolve(ctx, channel, job, raw)
		if err != nil {
			w.releaseDedupe(ctx, dedupeKey)
			return err
		}
		if change == nil {
			continue // unmatched, recorded
		}
		w.bus.Publish(eventbus.StockChange, *change)
		published++
	}

	done, _ := json.Marshal(map[string]any{"event_id": eventID, "changes": published})
	if err := w.repo.CreateSyncEvent(ctx, &model.SyncEvent{
		TenantID:  job.TenantID,
		EventType: model.EventWebhookProcessed,
		ChannelID: job.ChannelID,
		NewValue:  done,
		Status:    model.StatusCompleted,
	}); err != nil {
		w.releaseDedupe(ctx, dedupeKey)
		return err
	}

	log.Info("webhook processed", zap.Int("stock_changes", published))
	return nil
}

// releaseDedupe frees the idempotency marker after a retryable failure so the
// queue's redelivery of the same job is not mistaken for a provider duplicate.
// The marker must only outlive deliveries that fully processed.
func (w *Watcher) releaseDedupe(ctx context.Context, key string) {
	if err := w.kvs.Del(ctx, key); err != nil {
		w.logger.Error("failed to release webhook dedupe key",
			zap.String("key", key), zap.Error(err))
	}
}

// resolve turns a raw change into a canonical StockChange, or records a
// webhook_unmatched sync event and returns nil when no mapping exists.
func (w *Watcher) resolve(ctx context.Context, channel *model.Channel, job *model.WebhookJob, raw rawChange) (*model.StockChange, error) {
	mapping, err := w.repo.GetMapping(ctx, job.TenantID, channel.ID, raw.ExternalID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up mapping: %w", err)
		}
		w.logger.Warn("no product mapping for webhook",
			zap.String("channel_id", channel.ID),
			zap.String("external_id", raw.ExternalID),
		)
		if w.Metrics != nil {
			w.Metrics.UnmatchedTotal.Inc()
		}
		old, _ := json.Marshal(map[string]any{"external_id": raw.ExternalID})
		if err := w.repo.CreateSyncEvent(ctx, &model.SyncEvent{
			TenantID:     job.TenantID,
			EventType:    model.EventWebhookUnmatched,
			ChannelID:    channel.ID,
			OldValue:     old,
			Status:       model.StatusFailed,
			ErrorMessage: fmt.Sprintf("No product mapping found for external id %s on channel %s", raw.ExternalID, channel.ID),
		}); err != nil {
			return nil, err
		}
		return nil, nil
	}

	product, err := w.repo.GetProduct(ctx, mapping.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load product %s: %w", mapping.ProductID, err)
	}

	previous := product.CurrentStock
	newQuantity := 0
	switch {
	case raw.NewQuantity != nil:
		newQuantity = *raw.NewQuantity
	case raw.Delta != nil:
		newQuantity = previous + *raw.Delta
	}
	if newQuantity < 0 {
		newQuantity = 0
	}

	reason := extractReason(job.Payload)
	changeType := raw.TypeHint
	if changeType == "" {
		changeType = Classify(job.EventType, reason, &previous, newQuantity)
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = job.ReceivedAt
	}

	return &model.StockChange{
		TenantID:          job.TenantID,
		SourceChannelID:   channel.ID,
		SourceChannelType: channel.Type,
		ExternalID:        raw.ExternalID,
		ProductID:         product.ID,
		SKU:               product.SKU,
		PreviousQuantity:  &previous,
		NewQuantity:       newQuantity,
		ChangeAmount:      newQuantity - previous,
		ChangeType:        changeType,
		Timestamp:         ts,
		RawPayload:        job.Payload,
	}, nil
}

// VerifySignature checks an HMAC-SHA256 hex signature over the raw body using
// constant-time comparison.
func VerifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// extractEventID finds the provider's natural event id, falling back to a
// deterministic digest of the delivery so replays hash identically.
func extractEventID(job *model.WebhookJob) string {
	var probe struct {
		EventID  string      `json:"event_id"`
		EventId2 string      `json:"eventId"`
		EventId3 json.Number `json:"EventId"`
		ID       string      `json:"id"`
	}
	if err := json.Unmarshal(job.Payload, &probe); err == nil {
		switch {
		case probe.EventID != "":
			return probe.EventID
		case probe.EventId2 != "":
			return probe.EventId2
		case probe.EventId3.String() != "":
			return probe.EventId3.String()
		case probe.ID != "":
			return probe.ID
		}
	}
	sum := sha256.Sum256(job.Payload)
	return fmt.Sprintf("%s:%s:%s:%x", job.TenantID, job.ChannelID, job.EventType, sum[:8])
}

func extractReason(payload json.RawMessage) string {
	var probe struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(payload, &probe)
	return probe.Reason
}
