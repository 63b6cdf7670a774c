package watcher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mkesani1/stockclerk-sub001/model"
)

// rawChange is a decoded-but-unresolved stock movement. Exactly one of
// NewQuantity or Delta is set: absolute updates carry NewQuantity, sale/order
// lines carry a negative Delta applied against the canonical stock.
type rawChange struct {
	ExternalID  string
	NewQuantity *int
	Delta       *int
	TypeHint    model.ChangeType
	Timestamp   time.Time
}

// decode dispatches on channel type and event type and returns zero or more
// raw changes. Each channel has its own payload shape; the decoders are the
// explicit tagged variants that replace ad-hoc field probing.
func decode(channelType model.ChannelType, eventType string, payload json.RawMessage, receivedAt time.Time) ([]rawChange, error) {
	switch channelType {
	case model.ChannelEposNow:
		return decodeEposNow(eventType, payload, receivedAt)
	case model.ChannelWix:
		return decodeWix(eventType, payload, receivedAt)
	case model.ChannelDeliveroo:
		return decodeDeliveroo(eventType, payload, receivedAt)
	default:
		return nil, fmt.Errorf("unknown channel type %q", channelType)
	}
}

// EposNow (POS) payloads -------------------------------------------------

type eposStockPayload struct {
	ProductID          json.Number `json:"ProductId"`
	CurrentStockLevel  int         `json:"CurrentStockLevel"`
	PreviousStockLevel *int        `json:"PreviousStockLevel"`
	UpdatedAt          *time.Time  `json:"UpdatedAt"`
}

type eposTransactionPayload struct {
	TransactionID json.Number `json:"TransactionId"`
	CompletedAt   *time.Time  `json:"CompletedAt"`
	Items         []struct {
		ProductID json.Number `json:"ProductId"`
		Quantity  int         `json:"Quantity"`
	} `json:"Items"`
}

func decodeEposNow(eventType string, payload json.RawMessage, receivedAt time.Time) ([]rawChange, error) {
	switch eventType {
	case "stock.updated", "product.updated":
		var p eposStockPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode eposnow %s payload: %w", eventType, err)
		}
		if p.ProductID.String() == "" {
			return nil, fmt.Errorf("eposnow %s payload missing ProductId", eventType)
		}
		qty := p.CurrentStockLevel
		ts := receivedAt
		if p.UpdatedAt != nil {
			ts = *p.UpdatedAt
		}
		return []rawChange{{
			ExternalID:  p.ProductID.String(),
			NewQuantity: &qty,
			Timestamp:   ts,
		}}, nil

	case "transaction.created", "sale.completed":
		var p eposTransactionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode eposnow %s payload: %w", eventType, err)
		}
		ts := receivedAt
		if p.CompletedAt != nil {
			ts = *p.CompletedAt
		}
		changes := make([]rawChange, 0, len(p.Items))
		for _, item := range p.Items {
			if item.ProductID.String() == "" || item.Quantity <= 0 {
				continue
			}
			delta := -item.Quantity
			changes = append(changes, rawChange{
				ExternalID: item.ProductID.String(),
				Delta:      &delta,
				TypeHint:   model.ChangeSale,
				Timestamp:  ts,
			})
		}
		return changes, nil
	}
	return nil, nil // unhandled event types carry no stock information
}

// Wix (online store) payloads --------------------------------------------

type wixInventoryPayload struct {
	Variants []struct {
		ID       string `json:"id"`
		Quantity int    `json:"quantity"`
	} `json:"variants"`
	// Single-variant shape
	ID       string `json:"id"`
	Quantity *int   `json:"quantity"`
}

type wixOrderPayload struct {
	OrderID   string `json:"orderId"`
	LineItems []struct {
		VariantID string `json:"variantId"`
		Quantity  int    `json:"quantity"`
	} `json:"lineItems"`
}

func decodeWix(eventType string, payload json.RawMessage, receivedAt time.Time) ([]rawChange, error) {
	switch {
	case strings.HasPrefix(eventType, "inventory") && strings.HasSuffix(eventType, "updated"):
		var p wixInventoryPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode wix %s payload: %w", eventType, err)
		}
		var changes []rawChange
		for _, v := range p.Variants {
			if v.ID == "" {
				continue
			}
			qty := v.Quantity
			changes = append(changes, rawChange{ExternalID: v.ID, NewQuantity: &qty, Timestamp: receivedAt})
		}
		if len(changes) == 0 && p.ID != "" && p.Quantity != nil {
			changes = append(changes, rawChange{ExternalID: p.ID, NewQuantity: p.Quantity, Timestamp: receivedAt})
		}
		return changes, nil

	case eventType == "order.created" || eventType == "order_paid":
		var p wixOrderPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode wix %s payload: %w", eventType, err)
		}
		changes := make([]rawChange, 0, len(p.LineItems))
		for _, item := range p.LineItems {
			if item.VariantID == "" || item.Quantity <= 0 {
				continue
			}
			delta := -item.Quantity
			changes = append(changes, rawChange{
				ExternalID: item.VariantID,
				Delta:      &delta,
				TypeHint:   model.ChangeOrder,
				Timestamp:  receivedAt,
			})
		}
		return changes, nil
	}
	return nil, nil
}

// Deliveroo (delivery platform) payloads ---------------------------------

type deliverooAvailabilityPayload struct {
	ItemID    string `json:"item_id"`
	Available bool   `json:"available"`
}

type deliverooOrderPayload struct {
	OrderID string `json:"order_id"`
	Items   []struct {
		ItemID   string `json:"item_id"`
		Quantity int    `json:"quantity"`
	} `json:"items"`
}

func decodeDeliveroo(eventType string, payload json.RawMessage, receivedAt time.Time) ([]rawChange, error) {
	switch eventType {
	case "item.availability.updated":
		var p deliverooAvailabilityPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode deliveroo %s payload: %w", eventType, err)
		}
		if p.ItemID == "" {
			return nil, fmt.Errorf("deliveroo %s payload missing item_id", eventType)
		}
		// Deliveroo only reports availability, not counts.
		qty := 0
		if p.Available {
			qty = 1
		}
		return []rawChange{{
			ExternalID:  p.ItemID,
			NewQuantity: &qty,
			TypeHint:    model.ChangeAdjustment,
			Timestamp:   receivedAt,
		}}, nil

	case "order.created":
		var p deliverooOrderPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode deliveroo %s payload: %w", eventType, err)
		}
		changes := make([]rawChange, 0, len(p.Items))
		for _, item := range p.Items {
			if item.ItemID == "" || item.Quantity <= 0 {
				continue
			}
			delta := -item.Quantity
			changes = append(changes, rawChange{
				ExternalID: item.ItemID,
				Delta:      &delta,
				TypeHint:   model.ChangeOrder,
				Timestamp:  receivedAt,
			})
		}
		return changes, nil
	}
	return nil, nil
}

// Classify derives the change type: event-name keywords win, then the payload
// reason field, then the sign of the quantity delta, else adjustment.
func Classify(eventType, reason string, previous *int, newQuantity int) model.ChangeType {
	if t, ok := keywordType(eventType); ok {
		return t
	}
	if t, ok := keywordType(reason); ok {
		return t
	}
	if previous != nil {
		switch {
		case newQuantity < *previous:
			return model.ChangeSale
		case newQuantity > *previous:
			return model.ChangeRestock
		}
	}
	return model.ChangeAdjustment
}

func keywordType(s string) (model.ChangeType, bool) {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, "sale"), strings.Contains(s, "transaction"):
		return model.ChangeSale, true
	case strings.Contains(s, "order"):
		return model.ChangeOrder, true
	case strings.Contains(s, "return"), strings.Contains(s, "refund"):
		return model.ChangeReturn, true
	case strings.Contains(s, "restock"), strings.Contains(s, "receive"):
		return model.ChangeRestock, true
	}
	return "", false
}
