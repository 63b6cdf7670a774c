// Package repository defines the typed persistence contract the engine calls
// and its Postgres and in-memory implementations. All reads and writes are
// scoped by tenant id.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mkesani1/stockclerk-sub001/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type Repository interface {
	// Tenants
	GetAllTenantIDs(ctx context.Context) ([]string, error)
	GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error)

	// Channels
	GetChannel(ctx context.Context, channelID string) (*model.Channel, error)
	GetActiveChannels(ctx context.Context, tenantID string) ([]*model.Channel, error)
	GetChannelByExternalInstance(ctx context.Context, channelType model.ChannelType, externalInstanceID string) (*model.Channel, error)
	UpdateChannelLastSync(ctx context.Context, channelID string, at time.Time) error

	// Products
	GetProduct(ctx context.Context, productID string) (*model.Product, error)
	GetProducts(ctx context.Context, tenantID string) ([]*model.Product, error)
	UpdateProductStock(ctx context.Context, productID string, newStock int) error

	// Mappings
	GetMapping(ctx context.Context, tenantID, channelID, externalID string) (*model.ProductChannelMapping, error)
	GetMappingsForProduct(ctx context.Context, productID string) ([]*model.ProductChannelMapping, error)
	GetMappingsForChannel(ctx context.Context, channelID string) ([]*model.ProductChannelMapping, error)

	// Sync events (append-only audit log)
	CreateSyncEvent(ctx context.Context, event *model.SyncEvent) error
	UpdateSyncEventStatus(ctx context.Context, eventID string, status model.SyncStatus, errorMessage string) error

	// ApplyStockChange writes the canonical stock and its audit row in one
	// transaction so a partial failure never leaves an orphan.
	ApplyStockChange(ctx context.Context, productID string, newStock int, event *model.SyncEvent) error

	// Alerts
	CreateAlert(ctx context.Context, alert *model.Alert) error
	AlertExists(ctx context.Context, tenantID string, alertType model.AlertType, productID, channelID string) (bool, error)
	MarkAlertRead(ctx context.Context, alertID string) error
	// ResolveAlert marks the unread alert for the dedup tuple as read, if one
	// exists. The resolving transition creates no new alert.
	ResolveAlert(ctx context.Context, tenantID string, alertType model.AlertType, productID, channelID string) error

	// Alert rules
	GetAlertRules(ctx context.Context, tenantID string) ([]*model.AlertRule, error)
}
