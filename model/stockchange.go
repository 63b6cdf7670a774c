package model

import (
	"encoding/json"
	"time"
)

// ChangeType classifies why stock moved.
type ChangeType string

const (
	ChangeSale       ChangeType = "sale"
	ChangeOrder      ChangeType = "order"
	ChangeRestock    ChangeType = "restock"
	ChangeReturn     ChangeType = "return"
	ChangeAdjustment ChangeType = "adjustment"
)

// StockChange is the canonical normalized event produced by the watcher and
// consumed by the sync service. It is ephemeral: constructed, handled and
// discarded, never persisted directly.
type StockChange struct {
	TenantID          string
	SourceChannelID   string
	SourceChannelType ChannelType
	ExternalID        string
	// ProductID and SKU are set once the external id resolves to a mapping.
	ProductID        string
	SKU              string
	PreviousQuantity *int
	NewQuantity      int
	ChangeAmount     int
	ChangeType       ChangeType
	Timestamp        time.Time
	RawPayload       json.RawMessage
	Metadata         map[string]any
}

// DriftSeverity buckets reconciliation findings.
type DriftSeverity string

const (
	DriftLow    DriftSeverity = "low"
	DriftMedium DriftSeverity = "medium"
	DriftHigh   DriftSeverity = "high"
)

// DriftingChannel is one channel whose live stock disagrees with expectation.
type DriftingChannel struct {
	ChannelID   string
	ChannelType ChannelType
	ExternalID  string
	Expected    int
	Actual      int
	Drift       int
}

// DriftDetection is the computed result of one reconciliation comparison.
// It is never persisted; guardian acts on it and discards it.
type DriftDetection struct {
	ProductID       string
	SKU             string
	SourceChannelID string
	SourceQuantity  int
	Channels        []DriftingChannel
	MaxDrift        int
	Severity        DriftSeverity
}

// WebhookJob is the payload of a queued webhook delivery: the raw body plus
// the routing facts the ingress resolved.
type WebhookJob struct {
	TenantID    string          `json:"tenant_id"`
	ChannelID   string          `json:"channel_id"`
	ChannelType ChannelType     `json:"channel_type"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"received_at"`
	Signature   string          `json:"signature,omitempty"`
}

// SyncOperation names the bulk sync job variants.
type SyncOperation string

const (
	OpFullSync        SyncOperation = "full_sync"
	OpIncrementalSync SyncOperation = "incremental_sync"
	OpPushUpdate      SyncOperation = "push_update"
)

// SyncJob is the payload of a queued sync request.
type SyncJob struct {
	TenantID    string        `json:"tenant_id"`
	ChannelID   string        `json:"channel_id,omitempty"` // source channel
	ChannelType ChannelType   `json:"channel_type,omitempty"`
	Operation   SyncOperation `json:"operation"`
	ProductIDs  []string      `json:"product_ids,omitempty"`
}

// ReconcileJob is the payload of a queued reconciliation request. An empty
// ChannelID means a full sweep.
type ReconcileJob struct {
	TenantID  string `json:"tenant_id"`
	ChannelID string `json:"channel_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
}

// AlertJob is the payload of a queued alert evaluation request.
type AlertJob struct {
	TenantID  string `json:"tenant_id"`
	ProductID string `json:"product_id,omitempty"`
}

// StockToSync computes what a target channel should hold: online channels see
// at most max(0, currentStock - bufferStock), the POS sees the full quantity.
func StockToSync(channelType ChannelType, currentStock, bufferStock int) int {
	if channelType.IsOnline() {
		if v := currentStock - bufferStock; v > 0 {
			return v
		}
		return 0
	}
	if currentStock < 0 {
		return 0
	}
	return currentStock
}
