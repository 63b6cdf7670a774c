package main

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/engine"
	"github.com/mkesani1/stockclerk-sub001/kv"
	"github.com/mkesani1/stockclerk-sub001/model"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/queue"
)

// A tenant whose worker latches at the restart cap keeps being served: the
// supervisor's lifecycle event hands the tenant to the fallback pool, which
// drains its queues in-process.
func TestLatchedTenantFallsBackInProcess(t *testing.T) {
	s, repo := newTestSupervisor()
	s.MaxRestarts = 0
	repo.AddTenant(&model.Tenant{ID: "t1", Name: "Acme"})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.AddChannel(&model.Channel{ID: "pos", TenantID: "t1", Type: model.ChannelEposNow, IsActive: true, CreatedAt: base})
	repo.AddChannel(&model.Channel{ID: "online", TenantID: "t1", Type: model.ChannelWix, IsActive: true, CreatedAt: base.Add(time.Hour)})
	repo.AddProduct(&model.Product{ID: "p1", TenantID: "t1", SKU: "WH-001", CurrentStock: 100, BufferStock: 10})
	repo.AddMapping(&model.ProductChannelMapping{ProductID: "p1", ChannelID: "pos", ExternalID: "12345"})
	repo.AddMapping(&model.ProductChannelMapping{ProductID: "p1", ChannelID: "online", ExternalID: "wix-1"})

	jobs := queue.NewMemory()
	pos := provider.NewMemory("pos")
	pos.Seed("12345", 100)
	online := provider.NewMemory("online")
	online.Seed("wix-1", 90)

	providers := provider.NewRegistry()
	byID := map[string]*provider.Memory{"pos": pos, "online": online}
	factory := func(channel *model.Channel) (provider.Provider, error) {
		return byID[channel.ID], nil
	}
	providers.RegisterFactory(model.ChannelEposNow, factory)
	providers.RegisterFactory(model.ChannelWix, factory)

	var starts atomic.Int32
	pool := newFallbackPool(zap.NewNop(), func(tenantID string) (*engine.Engine, error) {
		starts.Add(1)
		return engine.New(tenantID, repo, kv.NewMemory(), providers, jobs, zap.NewNop(), engine.Config{
			ReconcileInterval:  time.Hour,
			AlertSweepInterval: time.Hour,
			HealthInterval:     time.Hour,
			PollInterval:       time.Hour,
		}), nil
	})
	t.Cleanup(pool.StopAll)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.OnEvent = func(tenantID string, state WorkerState) {
		if state == StateMaxRestarts && !s.HasWorker(tenantID) {
			pool.Serve(ctx, tenantID)
		}
	}

	// The worker binary does not exist, so the tenant latches immediately.
	require.NoError(t, s.reconcileTenants(ctx))
	require.Eventually(t, func() bool {
		return pool.Serving("t1")
	}, 5*time.Second, 10*time.Millisecond)

	// A webhook accepted while the worker is suspended still propagates.
	job, err := queue.NewJob("t1", queue.Webhook, model.WebhookJob{
		TenantID:    "t1",
		ChannelID:   "pos",
		ChannelType: model.ChannelEposNow,
		EventType:   "stock.updated",
		Payload:     json.RawMessage(`{"event_id":"e1","ProductId":"12345","CurrentStockLevel":85}`),
		ReceivedAt:  time.Now(),
	}, queue.PriorityWebhook)
	require.NoError(t, err)
	require.NoError(t, jobs.Enqueue(ctx, job))

	require.Eventually(t, func() bool {
		updates := online.Updates()
		return len(updates) == 1 && updates[0].Quantity == 75
	}, 5*time.Second, 10*time.Millisecond)

	// Repeated latch events must not start a second engine.
	pool.Serve(ctx, "t1")
	require.Equal(t, int32(1), starts.Load())
}
