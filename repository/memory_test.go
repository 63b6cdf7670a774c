package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkesani1/stockclerk-sub001/model"
)

func seededRepo() *MemoryRepository {
	r := NewMemoryRepository()
	r.AddTenant(&model.Tenant{ID: "t1", Name: "Acme"})
	r.AddProduct(&model.Product{ID: "p1", TenantID: "t1", SKU: "WH-001", CurrentStock: 100, BufferStock: 10})
	return r
}

func TestSyncEventStatusIsMonotonic(t *testing.T) {
	r := seededRepo()
	ctx := context.Background()

	ev := &model.SyncEvent{TenantID: "t1", EventType: model.EventStockUpdate, Status: model.StatusPending}
	require.NoError(t, r.CreateSyncEvent(ctx, ev))

	require.NoError(t, r.UpdateSyncEventStatus(ctx, ev.ID, model.StatusProcessing, ""))
	require.NoError(t, r.UpdateSyncEventStatus(ctx, ev.ID, model.StatusCompleted, ""))

	err := r.UpdateSyncEventStatus(ctx, ev.ID, model.StatusProcessing, "")
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	require.Equal(t, model.StatusCompleted, illegal.From)
	require.Equal(t, model.StatusProcessing, illegal.To)

	// The stored row kept its terminal status.
	events := r.SyncEvents("t1", model.EventStockUpdate)
	require.Len(t, events, 1)
	require.Equal(t, model.StatusCompleted, events[0].Status)
}

func TestApplyStockChangeClampsAndAudits(t *testing.T) {
	r := seededRepo()
	ctx := context.Background()

	ev := &model.SyncEvent{TenantID: "t1", EventType: model.EventStockUpdate, Status: model.StatusPending}
	require.NoError(t, r.ApplyStockChange(ctx, "p1", -5, ev))

	p, err := r.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 0, p.CurrentStock)
	require.Len(t, r.SyncEvents("t1", model.EventStockUpdate), 1)
}

func TestApplyStockChangeUnknownProduct(t *testing.T) {
	r := seededRepo()
	err := r.ApplyStockChange(context.Background(), "ghost", 5, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnreadAlertDeduplication(t *testing.T) {
	r := seededRepo()
	ctx := context.Background()

	alert := func() *model.Alert {
		return &model.Alert{TenantID: "t1", Type: model.AlertLowStock, ProductID: "p1", Message: "low"}
	}
	require.NoError(t, r.CreateAlert(ctx, alert()))
	require.NoError(t, r.CreateAlert(ctx, alert()))
	require.Len(t, r.Alerts("t1"), 1)

	exists, err := r.AlertExists(ctx, "t1", model.AlertLowStock, "p1", "")
	require.NoError(t, err)
	require.True(t, exists)

	// A different dedup tuple is unaffected.
	exists, err = r.AlertExists(ctx, "t1", model.AlertLowStock, "p2", "")
	require.NoError(t, err)
	require.False(t, exists)

	// Resolving frees the tuple for a new alert.
	require.NoError(t, r.ResolveAlert(ctx, "t1", model.AlertLowStock, "p1", ""))
	require.NoError(t, r.CreateAlert(ctx, alert()))
	require.Len(t, r.Alerts("t1"), 2)
}

func TestActiveChannelOrderIsStable(t *testing.T) {
	r := seededRepo()
	ctx := context.Background()

	r.AddChannel(&model.Channel{ID: "b", TenantID: "t1", Type: model.ChannelWix, IsActive: true})
	r.AddChannel(&model.Channel{ID: "a", TenantID: "t1", Type: model.ChannelDeliveroo, IsActive: true})
	r.AddChannel(&model.Channel{ID: "c", TenantID: "t1", Type: model.ChannelWix, IsActive: false})

	channels, err := r.GetActiveChannels(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, channels, 2)
	// Identical CreatedAt falls back to id order.
	require.Equal(t, "a", channels[0].ID)
	require.Equal(t, "b", channels[1].ID)
}

func TestGetMappingScopedToTenant(t *testing.T) {
	r := seededRepo()
	ctx := context.Background()

	r.AddChannel(&model.Channel{ID: "pos", TenantID: "t1", Type: model.ChannelEposNow, IsActive: true})
	r.AddMapping(&model.ProductChannelMapping{ProductID: "p1", ChannelID: "pos", ExternalID: "12345"})

	m, err := r.GetMapping(ctx, "t1", "pos", "12345")
	require.NoError(t, err)
	require.Equal(t, "p1", m.ProductID)

	_, err = r.GetMapping(ctx, "t2", "pos", "12345")
	require.ErrorIs(t, err, ErrNotFound)
}
