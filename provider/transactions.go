package provider

import (
	"context"
	"time"
)

// POSTransaction is one completed point-of-sale transaction, used by the
// polling fallback for POS channels without reliable webhooks.
type POSTransaction struct {
	ID          string
	CompletedAt time.Time
	Items       []TransactionItem
}

// TransactionItem is one line of a POS transaction.
type TransactionItem struct {
	ExternalID string
	Quantity   int
}

// TransactionSource is implemented by POS providers that can list completed
// transactions since a cursor. Providers without it are not polled.
type TransactionSource interface {
	TransactionsSince(ctx context.Context, since time.Time) ([]POSTransaction, error)
}

// Transaction support for the in-memory provider ------------------------

// AddTransaction records a completed transaction for polling tests.
func (m *Memory) AddTransaction(tx POSTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = append(m.transactions, tx)
}

// TransactionsSince returns transactions completed strictly after since.
func (m *Memory) TransactionsSince(ctx context.Context, since time.Time) ([]POSTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, &NotConnectedError{ChannelID: m.ChannelID, Reason: "not connected"}
	}
	var out []POSTransaction
	for _, tx := range m.transactions {
		if tx.CompletedAt.After(since) {
			out = append(out, tx)
		}
	}
	return out, nil
}

var _ TransactionSource = (*Memory)(nil)
