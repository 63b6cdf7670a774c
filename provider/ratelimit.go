package provider

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/mkesani1/stockclerk-sub001/model"
)

// RateLimited wraps a provider with a per-channel token bucket so the engine
// stays inside channel API quotas (typically 50-100 requests/min). Connect,
// Disconnect and HandleWebhook are not limited; they do not hit the channel's
// product API.
type RateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// NewRateLimited builds a wrapper allowing requestsPerMinute sustained calls
// with a small burst.
func NewRateLimited(next Provider, requestsPerMinute int) *RateLimited {
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 5),
	}
}

func (p *RateLimited) Connect(ctx context.Context, credentials []byte) error {
	return p.next.Connect(ctx, credentials)
}

func (p *RateLimited) Disconnect(ctx context.Context) error {
	return p.next.Disconnect(ctx)
}

func (p *RateLimited) HealthCheck(ctx context.Context) HealthStatus {
	if err := p.limiter.Wait(ctx); err != nil {
		return HealthStatus{Connected: false, Error: err.Error()}
	}
	return p.next.HealthCheck(ctx)
}

func (p *RateLimited) GetProduct(ctx context.Context, externalID string) (*ExternalProduct, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.next.GetProduct(ctx, externalID)
}

func (p *RateLimited) UpdateStock(ctx context.Context, externalID string, quantity int) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.next.UpdateStock(ctx, externalID, quantity)
}

func (p *RateLimited) HandleWebhook(ctx context.Context, rawPayload []byte) ([]model.StockChange, error) {
	return p.next.HandleWebhook(ctx, rawPayload)
}

var _ Provider = (*RateLimited)(nil)
