package alertsvc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/model"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

type alertFixture struct {
	repo      *repository.MemoryRepository
	bus       *eventbus.Bus
	service   *Service
	online    *provider.Memory
	triggered chan eventbus.AlertPayload
	channel   chan eventbus.Event
}

func newAlertFixture(t *testing.T) *alertFixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	repo.AddTenant(&model.Tenant{ID: "t1", Name: "Acme"})
	repo.AddChannel(&model.Channel{ID: "online", TenantID: "t1", Name: "Web Store", Type: model.ChannelWix, IsActive: true})
	repo.AddProduct(&model.Product{ID: "p1", TenantID: "t1", SKU: "WH-001", CurrentStock: 100, BufferStock: 20})

	f := &alertFixture{
		repo:      repo,
		online:    provider.NewMemory("online"),
		triggered: make(chan eventbus.AlertPayload, 16),
		channel:   make(chan eventbus.Event, 16),
	}

	providers := provider.NewRegistry()
	providers.RegisterFactory(model.ChannelWix, func(channel *model.Channel) (provider.Provider, error) {
		return f.online, nil
	})

	f.bus = eventbus.New("t1", zap.NewNop())
	t.Cleanup(f.bus.Close)
	f.bus.Subscribe(func(ev eventbus.Event) {
		if p, ok := ev.Payload.(eventbus.AlertPayload); ok {
			f.triggered <- p
		}
	}, eventbus.AlertTriggered)
	f.bus.Subscribe(func(ev eventbus.Event) {
		f.channel <- ev
	}, eventbus.ChannelConnected, eventbus.ChannelDisconnected)

	f.service = New(repo, providers, f.bus, zap.NewNop())
	return f
}

func (f *alertFixture) product(t *testing.T, stock int) *model.Product {
	t.Helper()
	require.NoError(t, f.repo.UpdateProductStock(context.Background(), "p1", stock))
	p, err := f.repo.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	return p
}

func TestLowStockAlertCreated(t *testing.T) {
	f := newAlertFixture(t)

	require.NoError(t, f.service.EvaluateLowStock(context.Background(), f.product(t, 5)))

	alerts := f.repo.Alerts("t1")
	require.Len(t, alerts, 1)
	require.Equal(t, model.AlertLowStock, alerts[0].Type)
	require.Equal(t, "p1", alerts[0].ProductID)
	require.Equal(t, 5, alerts[0].Metadata["currentStock"])
	require.Equal(t, 20, alerts[0].Metadata["bufferStock"])
	require.Equal(t, 25, alerts[0].Metadata["threshold"]) // bufferStock + 5 default

	select {
	case p := <-f.triggered:
		require.Equal(t, model.AlertLowStock, p.Alert.Type)
	case <-time.After(time.Second):
		t.Fatal("no alert:triggered event")
	}
}

func TestLowStockAlertDeduplicated(t *testing.T) {
	f := newAlertFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.EvaluateLowStock(ctx, f.product(t, 5)))
	require.NoError(t, f.service.EvaluateLowStock(ctx, f.product(t, 4)))
	require.NoError(t, f.service.EvaluateLowStock(ctx, f.product(t, 3)))

	require.Len(t, f.repo.Alerts("t1"), 1)
}

func TestLowStockRecoveryResolvesWithoutNewAlert(t *testing.T) {
	f := newAlertFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.EvaluateLowStock(ctx, f.product(t, 5)))
	require.NoError(t, f.service.EvaluateLowStock(ctx, f.product(t, 80)))

	alerts := f.repo.Alerts("t1")
	require.Len(t, alerts, 1)
	require.True(t, alerts[0].IsRead)

	// Dropping again after recovery raises a fresh alert.
	require.NoError(t, f.service.EvaluateLowStock(ctx, f.product(t, 2)))
	require.Len(t, f.repo.Alerts("t1"), 2)
}

func TestRuleThresholdOverridesDefault(t *testing.T) {
	f := newAlertFixture(t)
	f.repo.AddAlertRule(&model.AlertRule{TenantID: "t1", Threshold: 50, Enabled: true})

	require.NoError(t, f.service.EvaluateLowStock(context.Background(), f.product(t, 40)))

	alerts := f.repo.Alerts("t1")
	require.Len(t, alerts, 1)
	require.Equal(t, 50, alerts[0].Metadata["threshold"])
}

func TestDisabledRuleIgnored(t *testing.T) {
	f := newAlertFixture(t)
	f.repo.AddAlertRule(&model.AlertRule{TenantID: "t1", Threshold: 50, Enabled: false})

	// 40 is above the default threshold of 25, so no alert without the rule.
	require.NoError(t, f.service.EvaluateLowStock(context.Background(), f.product(t, 40)))
	require.Empty(t, f.repo.Alerts("t1"))
}

func TestRuleCacheInvalidation(t *testing.T) {
	f := newAlertFixture(t)
	ctx := context.Background()

	// Prime the cache with no rules.
	require.NoError(t, f.service.EvaluateLowStock(ctx, f.product(t, 40)))
	require.Empty(t, f.repo.Alerts("t1"))

	f.repo.AddAlertRule(&model.AlertRule{TenantID: "t1", Threshold: 50, Enabled: true})

	// Still cached; the new rule is invisible.
	require.NoError(t, f.service.EvaluateLowStock(ctx, f.product(t, 40)))
	require.Empty(t, f.repo.Alerts("t1"))

	f.service.InvalidateRules("t1")
	require.NoError(t, f.service.EvaluateLowStock(ctx, f.product(t, 40)))
	require.Len(t, f.repo.Alerts("t1"), 1)
}

func TestSyncFailureRaisesAlertOnlyWhenTerminal(t *testing.T) {
	f := newAlertFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.onSyncFailed(ctx, "t1", eventbus.SyncFailedPayload{
		ProductID: "p1", ChannelID: "online", Error: "rate limited", Retryable: true,
	}))
	require.Empty(t, f.repo.Alerts("t1"))

	require.NoError(t, f.service.onSyncFailed(ctx, "t1", eventbus.SyncFailedPayload{
		ProductID: "p1", ChannelID: "online", Error: "not found", Retryable: false,
	}))
	alerts := f.repo.Alerts("t1")
	require.Len(t, alerts, 1)
	require.Equal(t, model.AlertSyncError, alerts[0].Type)
}

func TestChannelDisconnectAndRecovery(t *testing.T) {
	f := newAlertFixture(t)
	ctx := context.Background()
	f.online.SetHealthError(errors.New("connection refused"))

	require.NoError(t, f.service.CheckChannelHealth(ctx, "t1"))

	alerts := f.repo.Alerts("t1")
	require.Len(t, alerts, 1)
	require.Equal(t, model.AlertChannelDisconnected, alerts[0].Type)
	require.Equal(t, "online", alerts[0].ChannelID)

	select {
	case ev := <-f.channel:
		require.Equal(t, eventbus.ChannelDisconnected, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no channel:disconnected event")
	}

	// Repeat while still down: no duplicate alert, no duplicate event.
	require.NoError(t, f.service.CheckChannelHealth(ctx, "t1"))
	require.Len(t, f.repo.Alerts("t1"), 1)

	// Recovery resolves the alert and announces the reconnect.
	f.online.SetHealthError(nil)
	require.NoError(t, f.service.CheckChannelHealth(ctx, "t1"))

	alerts = f.repo.Alerts("t1")
	require.Len(t, alerts, 1)
	require.True(t, alerts[0].IsRead)

	select {
	case ev := <-f.channel:
		require.Equal(t, eventbus.ChannelConnected, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no channel:connected event")
	}
}

func TestAttachReactsToStockUpdates(t *testing.T) {
	f := newAlertFixture(t)
	ctx := context.Background()
	detach := f.service.Attach(ctx)
	defer detach()

	f.product(t, 5)
	f.bus.Publish(eventbus.StockUpdated, eventbus.StockUpdatedPayload{ProductID: "p1", NewStock: 5})

	require.Eventually(t, func() bool {
		return len(f.repo.Alerts("t1")) == 1
	}, time.Second, 5*time.Millisecond)
}
