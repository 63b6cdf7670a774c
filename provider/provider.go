// Package provider defines the contract every channel adapter implements and
// the error taxonomy the engine uses to decide between retry, dead-letter and
// alert. Real SDK adapters (EposNow, Wix, Deliveroo) live outside this module;
// the engine only sees this interface.
package provider

import (
	"context"
	"sync"
	"time"

	"github.com/mkesani1/stockclerk-sub001/model"
)

// HealthStatus is the result of a provider health check.
type HealthStatus struct {
	Connected   bool
	LastChecked time.Time
	Error       string
}

// ExternalProduct is the live state of a product as one channel reports it.
type ExternalProduct struct {
	ExternalID  string
	ExternalSKU string
	Name        string
	Quantity    int
}

// Provider is the per-channel adapter contract. Implementations keep their own
// connection state and rate limiting; all methods honor ctx deadlines.
type Provider interface {
	Connect(ctx context.Context, credentials []byte) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) HealthStatus
	GetProduct(ctx context.Context, externalID string) (*ExternalProduct, error)
	UpdateStock(ctx context.Context, externalID string, quantity int) error
	HandleWebhook(ctx context.Context, rawPayload []byte) ([]model.StockChange, error)
}

// Factory builds a provider for one channel.
type Factory func(channel *model.Channel) (Provider, error)

// Registry maps channel types to provider factories and caches one connected
// provider per channel id. Access is safe for concurrent use.
type Registry struct {
	// RequestsPerMinute, when positive, wraps every constructed provider in a
	// per-channel token bucket.
	RequestsPerMinute int

	mu        sync.RWMutex
	factories map[model.ChannelType]Factory
	clients   map[string]Provider // channelID -> connected provider
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[model.ChannelType]Factory),
		clients:   make(map[string]Provider),
	}
}

// RegisterFactory installs the factory for a channel type.
func (r *Registry) RegisterFactory(t model.ChannelType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// For returns the connected provider for a channel, constructing and
// connecting one on first use.
func (r *Registry) For(ctx context.Context, channel *model.Channel) (Provider, error) {
	r.mu.RLock()
	p, ok := r.clients[channel.ID]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.clients[channel.ID]; ok {
		return p, nil
	}

	factory, ok := r.factories[channel.Type]
	if !ok {
		return nil, &NotConnectedError{ChannelID: channel.ID, Reason: "no provider registered for channel type " + string(channel.Type)}
	}

	p, err := factory(channel)
	if err != nil {
		return nil, err
	}
	if r.RequestsPerMinute > 0 {
		p = NewRateLimited(p, r.RequestsPerMinute)
	}
	if err := p.Connect(ctx, channel.Credentials); err != nil {
		return nil, err
	}

	r.clients[channel.ID] = p
	return p, nil
}

// Drop disconnects and forgets the provider for a channel, forcing a fresh
// connect on next use. Used when a channel is deactivated or re-authed.
func (r *Registry) Drop(ctx context.Context, channelID string) {
	r.mu.Lock()
	p, ok := r.clients[channelID]
	delete(r.clients, channelID)
	r.mu.Unlock()
	if ok {
		_ = p.Disconnect(ctx)
	}
}
