package watcher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkesani1/stockclerk-sub001/model"
)

var receivedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecodeEposNowStockUpdate(t *testing.T) {
	payload := json.RawMessage(`{"ProductId":"12345","CurrentStockLevel":85,"PreviousStockLevel":100}`)

	changes, err := decode(model.ChannelEposNow, "stock.updated", payload, receivedAt)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "12345", changes[0].ExternalID)
	require.NotNil(t, changes[0].NewQuantity)
	require.Equal(t, 85, *changes[0].NewQuantity)
	require.Nil(t, changes[0].Delta)
}

func TestDecodeEposNowNumericProductID(t *testing.T) {
	payload := json.RawMessage(`{"ProductId":12345,"CurrentStockLevel":7}`)

	changes, err := decode(model.ChannelEposNow, "stock.updated", payload, receivedAt)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "12345", changes[0].ExternalID)
}

func TestDecodeEposNowTransaction(t *testing.T) {
	payload := json.RawMessage(`{
		"TransactionId": 99,
		"Items": [
			{"ProductId": "12345", "Quantity": 2},
			{"ProductId": "67890", "Quantity": 1},
			{"ProductId": "", "Quantity": 5}
		]
	}`)

	changes, err := decode(model.ChannelEposNow, "transaction.created", payload, receivedAt)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.Equal(t, "12345", changes[0].ExternalID)
	require.Equal(t, -2, *changes[0].Delta)
	require.Equal(t, model.ChangeSale, changes[0].TypeHint)
	require.Equal(t, -1, *changes[1].Delta)
}

func TestDecodeEposNowMissingProductID(t *testing.T) {
	_, err := decode(model.ChannelEposNow, "stock.updated", json.RawMessage(`{"CurrentStockLevel":85}`), receivedAt)
	require.Error(t, err)
}

func TestDecodeWixInventoryVariants(t *testing.T) {
	payload := json.RawMessage(`{"variants":[{"id":"v1","quantity":12},{"id":"v2","quantity":0}]}`)

	changes, err := decode(model.ChannelWix, "inventory.updated", payload, receivedAt)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.Equal(t, "v1", changes[0].ExternalID)
	require.Equal(t, 12, *changes[0].NewQuantity)
	require.Equal(t, 0, *changes[1].NewQuantity)
}

func TestDecodeWixSingleVariantShape(t *testing.T) {
	payload := json.RawMessage(`{"id":"v1","quantity":3}`)

	changes, err := decode(model.ChannelWix, "inventory_item_updated", payload, receivedAt)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "v1", changes[0].ExternalID)
	require.Equal(t, 3, *changes[0].NewQuantity)
}

func TestDecodeWixOrder(t *testing.T) {
	payload := json.RawMessage(`{"orderId":"o1","lineItems":[{"variantId":"v1","quantity":2}]}`)

	changes, err := decode(model.ChannelWix, "order.created", payload, receivedAt)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, -2, *changes[0].Delta)
	require.Equal(t, model.ChangeOrder, changes[0].TypeHint)
}

func TestDecodeDeliverooAvailability(t *testing.T) {
	changes, err := decode(model.ChannelDeliveroo, "item.availability.updated",
		json.RawMessage(`{"item_id":"i1","available":false}`), receivedAt)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, 0, *changes[0].NewQuantity)
	require.Equal(t, model.ChangeAdjustment, changes[0].TypeHint)

	changes, err = decode(model.ChannelDeliveroo, "item.availability.updated",
		json.RawMessage(`{"item_id":"i1","available":true}`), receivedAt)
	require.NoError(t, err)
	require.Equal(t, 1, *changes[0].NewQuantity)
}

func TestDecodeDeliverooOrder(t *testing.T) {
	payload := json.RawMessage(`{"order_id":"o1","items":[{"item_id":"i1","quantity":3}]}`)

	changes, err := decode(model.ChannelDeliveroo, "order.created", payload, receivedAt)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, -3, *changes[0].Delta)
}

func TestDecodeUnknownChannelType(t *testing.T) {
	_, err := decode(model.ChannelType("shopify"), "stock.updated", json.RawMessage(`{}`), receivedAt)
	require.Error(t, err)
}

func TestDecodeUnhandledEventTypeYieldsNothing(t *testing.T) {
	changes, err := decode(model.ChannelEposNow, "customer.created", json.RawMessage(`{}`), receivedAt)
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestClassify(t *testing.T) {
	prev := func(n int) *int { return &n }

	tests := []struct {
		name      string
		eventType string
		reason    string
		previous  *int
		newQty    int
		want      model.ChangeType
	}{
		{"event keyword sale", "sale.completed", "", nil, 10, model.ChangeSale},
		{"event keyword transaction", "transaction.created", "", nil, 10, model.ChangeSale},
		{"event keyword order", "order.created", "", nil, 10, model.ChangeOrder},
		{"reason return", "stock.updated", "customer return", prev(10), 12, model.ChangeReturn},
		{"reason refund", "stock.updated", "refund issued", prev(10), 11, model.ChangeReturn},
		{"reason restock", "stock.updated", "restock delivery", prev(10), 50, model.ChangeRestock},
		{"delta down is sale", "stock.updated", "", prev(10), 7, model.ChangeSale},
		{"delta up is restock", "stock.updated", "", prev(10), 15, model.ChangeRestock},
		{"no signal is adjustment", "stock.updated", "", prev(10), 10, model.ChangeAdjustment},
		{"no previous is adjustment", "stock.updated", "", nil, 10, model.ChangeAdjustment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.eventType, tt.reason, tt.previous, tt.newQty))
		})
	}
}
