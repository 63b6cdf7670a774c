package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/model"
	"github.com/mkesani1/stockclerk-sub001/queue"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

// maxWebhookBody caps inbound payload size.
const maxWebhookBody = 1 << 20

type handler struct {
	repo     repository.Repository
	jobs     queue.Queue
	webhooks *metrics.WebhookMetrics
	logger   *zap.Logger
}

func NewHandler(repo repository.Repository, jobs queue.Queue, webhooks *metrics.WebhookMetrics, logger *zap.Logger) *handler {
	return &handler{
		repo:     repo,
		jobs:     jobs,
		webhooks: webhooks,
		logger:   logger,
	}
}

func (h *handler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{channelType}/{instanceID}", h.handleWebhook)
}

// handleWebhook accepts a provider delivery, resolves the tenant channel from
// the URL and enqueues the raw body for the tenant worker. Providers retry on
// non-2xx, so anything past channel resolution answers 200: a delivery that
// cannot be processed is dead-lettered downstream, not bounced here.
func (h *handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channelType := model.ChannelType(r.PathValue("channelType"))
	instanceID := r.PathValue("instanceID")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	channel, err := h.repo.GetChannelByExternalInstance(r.Context(), channelType, instanceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.logger.Warn("webhook for unknown instance",
				zap.String("channel_type", string(channelType)),
				zap.String("instance_id", instanceID),
			)
			http.Error(w, "unknown channel", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to resolve channel", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	eventType := extractEventType(r, body)
	h.webhooks.ReceivedTotal.WithLabelValues(string(channelType), eventType).Inc()

	payload := model.WebhookJob{
		TenantID:    channel.TenantID,
		ChannelID:   channel.ID,
		ChannelType: channel.Type,
		EventType:   eventType,
		Payload:     body,
		ReceivedAt:  time.Now(),
		Signature:   extractSignature(r),
	}

	job, err := queue.NewJob(channel.TenantID, queue.Webhook, payload, queue.PriorityWebhook)
	if err != nil {
		h.logger.Error("failed to build webhook job", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := h.jobs.Enqueue(r.Context(), job); err != nil {
		h.logger.Error("failed to enqueue webhook job",
			zap.String("tenant_id", channel.TenantID), zap.Error(err))
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("webhook accepted",
		zap.String("tenant_id", channel.TenantID),
		zap.String("channel_id", channel.ID),
		zap.String("event_type", eventType),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "job_id": job.ID})
}

// extractEventType prefers the explicit header, then common payload fields.
func extractEventType(r *http.Request, body []byte) string {
	if t := r.Header.Get("X-Event-Type"); t != "" {
		return t
	}
	var probe struct {
		EventType  string `json:"event_type"`
		EventType2 string `json:"eventType"`
		Type       string `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err == nil {
		switch {
		case probe.EventType != "":
			return probe.EventType
		case probe.EventType2 != "":
			return probe.EventType2
		case probe.Type != "":
			return probe.Type
		}
	}
	return "unknown"
}

// extractSignature probes the signature headers the supported providers use.
func extractSignature(r *http.Request) string {
	for _, header := range []string{"X-Signature", "X-Wix-Signature", "X-Deliveroo-Hmac-Sha256", "X-Epos-Signature"} {
		if s := r.Header.Get(header); s != "" {
			return s
		}
	}
	return ""
}
