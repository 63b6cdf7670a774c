// Package model holds the canonical entities shared by every part of the
// sync engine. Storage schema is the repository's concern; these types carry
// the semantics.
package model

import (
	"encoding/json"
	"time"
)

// ChannelType identifies which external commerce system a channel connects to.
type ChannelType string

const (
	ChannelEposNow   ChannelType = "eposnow"   // point of sale
	ChannelWix       ChannelType = "wix"       // online storefront
	ChannelDeliveroo ChannelType = "deliveroo" // delivery platform
)

// IsPOS reports whether the channel type is the point-of-sale system.
func (t ChannelType) IsPOS() bool {
	return t == ChannelEposNow
}

// IsOnline reports whether the channel sells remotely. Online channels see at
// most currentStock - bufferStock; the POS always sees the full quantity.
func (t ChannelType) IsOnline() bool {
	return t == ChannelWix || t == ChannelDeliveroo
}

// TenantSource records how a tenant came to exist.
type TenantSource string

const (
	TenantSelfSignup         TenantSource = "self_signup"
	TenantMarketplaceInstall TenantSource = "marketplace_install"
)

// Tenant is the isolation boundary. Everything below belongs to exactly one tenant.
type Tenant struct {
	ID        string
	Name      string
	Slug      string
	Source    TenantSource
	CreatedAt time.Time
}

// Channel is a connection to one external commerce system.
type Channel struct {
	ID       string
	TenantID string
	Type     ChannelType
	Name     string
	// Credentials is an opaque encrypted blob; the engine never decodes it,
	// it is handed to the provider as-is.
	Credentials []byte
	// WebhookSecret, when set, enables HMAC-SHA256 signature verification on
	// inbound webhooks for this channel.
	WebhookSecret string
	IsActive      bool
	// ExternalInstanceID is used to look up the tenant on inbound webhooks.
	// At most one channel per (tenant, externalInstanceID) when set.
	ExternalInstanceID string
	LastSyncAt         time.Time
	CreatedAt          time.Time
}

// Product is the canonical item for a tenant. CurrentStock is the engine-held
// truth and may lag the point-of-sale by up to one reconciliation cycle.
type Product struct {
	ID       string
	TenantID string
	SKU      string // unique within tenant
	Name     string
	// CurrentStock is always >= 0.
	CurrentStock int
	// BufferStock is a reserve withheld from online channels, never synced.
	BufferStock int
	Metadata    map[string]any
	UpdatedAt   time.Time
}

// ProductChannelMapping binds a product to its identifier on one channel.
// Unique on (productID, channelID) and on (channelID, externalID).
type ProductChannelMapping struct {
	ID          string
	ProductID   string
	ChannelID   string
	ExternalID  string
	ExternalSKU string
}

// SyncEventType classifies audit rows.
type SyncEventType string

const (
	EventStockUpdate      SyncEventType = "stock_update"
	EventPushUpdate       SyncEventType = "push_update"
	EventWebhookProcessed SyncEventType = "webhook_processed"
	EventWebhookUnmatched SyncEventType = "webhook_unmatched"
	EventCrossChannelSync SyncEventType = "cross_channel_sync"
	EventFullSync         SyncEventType = "full_sync"
	EventStockPropagation SyncEventType = "stock_propagation"
)

// SyncStatus progresses monotonically: pending -> processing -> (completed|failed).
type SyncStatus string

const (
	StatusPending    SyncStatus = "pending"
	StatusProcessing SyncStatus = "processing"
	StatusCompleted  SyncStatus = "completed"
	StatusFailed     SyncStatus = "failed"
)

// CanTransition reports whether a status move is legal.
func (s SyncStatus) CanTransition(to SyncStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// SyncEvent is one append-only audit record of a sync attempt.
type SyncEvent struct {
	ID           string
	TenantID     string
	EventType    SyncEventType
	ChannelID    string
	ProductID    string
	OldValue     json.RawMessage
	NewValue     json.RawMessage
	Status       SyncStatus
	ErrorMessage string
	CreatedAt    time.Time
}

// AlertType classifies surfaced conditions.
type AlertType string

const (
	AlertLowStock            AlertType = "low_stock"
	AlertSyncError           AlertType = "sync_error"
	AlertChannelDisconnected AlertType = "channel_disconnected"
)

// Alert is a condition surfaced to operators. At most one unread alert exists
// per (tenant, type, productID?, channelID?) tuple.
type Alert struct {
	ID        string
	TenantID  string
	Type      AlertType
	ProductID string
	ChannelID string
	Message   string
	Metadata  map[string]any
	IsRead    bool
	CreatedAt time.Time
}

// AlertRule is a tenant-scoped low-stock policy. Empty ProductIDs/ChannelIDs
// means the rule applies to all.
type AlertRule struct {
	ID         string
	TenantID   string
	Threshold  int
	ProductIDs []string
	ChannelIDs []string
	Enabled    bool
}

// AppliesTo reports whether the rule scopes to the given product.
func (r *AlertRule) AppliesTo(productID string) bool {
	if !r.Enabled {
		return false
	}
	if len(r.ProductIDs) == 0 {
		return true
	}
	for _, id := range r.ProductIDs {
		if id == productID {
			return true
		}
	}
	return false
}
