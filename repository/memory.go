package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkesani1/stockclerk-sub001/model"
)

// MemoryRepository is an in-process Repository used by tests and local
// development. It enforces the same invariants as the Postgres implementation:
// monotonic sync-event status, non-negative stock, at most one unread alert
// per dedup tuple.
type MemoryRepository struct {
	mu       sync.RWMutex
	tenants  map[string]*model.Tenant
	channels map[string]*model.Channel
	products map[string]*model.Product
	mappings map[string]*model.ProductChannelMapping
	events   map[string]*model.SyncEvent
	alerts   map[string]*model.Alert
	rules    map[string]*model.AlertRule
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tenants:  make(map[string]*model.Tenant),
		channels: make(map[string]*model.Channel),
		products: make(map[string]*model.Product),
		mappings: make(map[string]*model.ProductChannelMapping),
		events:   make(map[string]*model.SyncEvent),
		alerts:   make(map[string]*model.Alert),
		rules:    make(map[string]*model.AlertRule),
	}
}

// Seed helpers -----------------------------------------------------------

func (r *MemoryRepository) AddTenant(t *model.Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.tenants[t.ID] = &cp
}

func (r *MemoryRepository) AddChannel(c *model.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.channels[c.ID] = &cp
}

func (r *MemoryRepository) AddProduct(p *model.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.products[p.ID] = &cp
}

func (r *MemoryRepository) AddMapping(m *model.ProductChannelMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	r.mappings[cp.ID] = &cp
}

func (r *MemoryRepository) AddAlertRule(rule *model.AlertRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rule
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	r.rules[cp.ID] = &cp
}

// Inspection helpers for tests -------------------------------------------

// SyncEvents returns all audit rows of a type, oldest first.
func (r *MemoryRepository) SyncEvents(tenantID string, eventType model.SyncEventType) []*model.SyncEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.SyncEvent
	for _, e := range r.events {
		if e.TenantID == tenantID && e.EventType == eventType {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Alerts returns all alerts for a tenant, oldest first.
func (r *MemoryRepository) Alerts(tenantID string) []*model.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Alert
	for _, a := range r.alerts {
		if a.TenantID == tenantID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Repository implementation ----------------------------------------------

func (r *MemoryRepository) GetAllTenantIDs(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRepository) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) GetActiveChannels(ctx context.Context, tenantID string) ([]*model.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Channel
	for _, c := range r.channels {
		if c.TenantID == tenantID && c.IsActive {
			cp := *c
			out = append(out, &cp)
		}
	}
	// Oldest first, id as tiebreaker: source-of-truth fallback selection
	// depends on this order being stable.
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) GetChannelByExternalInstance(ctx context.Context, channelType model.ChannelType, externalInstanceID string) (*model.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.channels {
		if c.Type == channelType && c.ExternalInstanceID == externalInstanceID && c.ExternalInstanceID != "" {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) UpdateChannelLastSync(ctx context.Context, channelID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	c.LastSyncAt = at
	return nil
}

func (r *MemoryRepository) GetProduct(ctx context.Context, productID string) (*model.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[productID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) GetProducts(ctx context.Context, tenantID string) ([]*model.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Product
	for _, p := range r.products {
		if p.TenantID == tenantID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (r *MemoryRepository) UpdateProductStock(ctx context.Context, productID string, newStock int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateStockLocked(productID, newStock)
}

func (r *MemoryRepository) updateStockLocked(productID string, newStock int) error {
	p, ok := r.products[productID]
	if !ok {
		return ErrNotFound
	}
	if newStock < 0 {
		newStock = 0
	}
	p.CurrentStock = newStock
	p.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) GetMapping(ctx context.Context, tenantID, channelID, externalID string) (*model.ProductChannelMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.mappings {
		if m.ChannelID == channelID && m.ExternalID == externalID {
			if p, ok := r.products[m.ProductID]; !ok || p.TenantID != tenantID {
				continue
			}
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) GetMappingsForProduct(ctx context.Context, productID string) ([]*model.ProductChannelMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.ProductChannelMapping
	for _, m := range r.mappings {
		if m.ProductID == productID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (r *MemoryRepository) GetMappingsForChannel(ctx context.Context, channelID string) ([]*model.ProductChannelMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.ProductChannelMapping
	for _, m := range r.mappings {
		if m.ChannelID == channelID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (r *MemoryRepository) CreateSyncEvent(ctx context.Context, event *model.SyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createSyncEventLocked(event)
}

func (r *MemoryRepository) createSyncEventLocked(event *model.SyncEvent) error {
	cp := *event
	if cp.ID == "" {
		cp.ID = uuid.NewString()
		event.ID = cp.ID
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
		event.CreatedAt = cp.CreatedAt
	}
	r.events[cp.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateSyncEventStatus(ctx context.Context, eventID string, status model.SyncStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[eventID]
	if !ok {
		return ErrNotFound
	}
	if !e.Status.CanTransition(status) {
		return &IllegalTransitionError{From: e.Status, To: status}
	}
	e.Status = status
	if errorMessage != "" {
		e.ErrorMessage = errorMessage
	}
	return nil
}

func (r *MemoryRepository) ApplyStockChange(ctx context.Context, productID string, newStock int, event *model.SyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.updateStockLocked(productID, newStock); err != nil {
		return err
	}
	if event != nil {
		return r.createSyncEventLocked(event)
	}
	return nil
}

func (r *MemoryRepository) CreateAlert(ctx context.Context, alert *model.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Dedup invariant: silently drop when an unread alert for the tuple exists.
	for _, a := range r.alerts {
		if !a.IsRead && a.TenantID == alert.TenantID && a.Type == alert.Type &&
			a.ProductID == alert.ProductID && a.ChannelID == alert.ChannelID {
			return nil
		}
	}
	cp := *alert
	if cp.ID == "" {
		cp.ID = uuid.NewString()
		alert.ID = cp.ID
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
		alert.CreatedAt = cp.CreatedAt
	}
	r.alerts[cp.ID] = &cp
	return nil
}

func (r *MemoryRepository) AlertExists(ctx context.Context, tenantID string, alertType model.AlertType, productID, channelID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.alerts {
		if !a.IsRead && a.TenantID == tenantID && a.Type == alertType &&
			a.ProductID == productID && a.ChannelID == channelID {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) MarkAlertRead(ctx context.Context, alertID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	a.IsRead = true
	return nil
}

func (r *MemoryRepository) ResolveAlert(ctx context.Context, tenantID string, alertType model.AlertType, productID, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if !a.IsRead && a.TenantID == tenantID && a.Type == alertType &&
			a.ProductID == productID && a.ChannelID == channelID {
			a.IsRead = true
		}
	}
	return nil
}

func (r *MemoryRepository) GetAlertRules(ctx context.Context, tenantID string) ([]*model.AlertRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.AlertRule
	for _, rule := range r.rules {
		if rule.TenantID == tenantID {
			cp := *rule
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Repository = (*MemoryRepository)(nil)
