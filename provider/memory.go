package provider

import (
	"context"
	"sync"
	"time"

	"github.com/mkesani1/stockclerk-sub001/model"
)

// Memory is an in-process provider used by tests and by local development.
// It keeps per-external-id quantities and records every UpdateStock call so
// tests can assert on fan-out behavior. Errors can be injected per external id.
type Memory struct {
	ChannelID string

	mu           sync.Mutex
	connected    bool
	stock        map[string]int
	updates      []StockUpdate
	transactions []POSTransaction
	failWith     map[string]error // externalID -> error returned by UpdateStock/GetProduct
	failUpdate   map[string]error // externalID -> error returned by UpdateStock only
	healthErr    error
}

// StockUpdate records one UpdateStock call.
type StockUpdate struct {
	ExternalID string
	Quantity   int
	At         time.Time
}

func NewMemory(channelID string) *Memory {
	return &Memory{
		ChannelID:  channelID,
		stock:      make(map[string]int),
		failWith:   make(map[string]error),
		failUpdate: make(map[string]error),
	}
}

// Seed sets the live quantity for an external id.
func (m *Memory) Seed(externalID string, quantity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[externalID] = quantity
}

// FailWith makes calls touching externalID return err.
func (m *Memory) FailWith(externalID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith[externalID] = err
}

// FailUpdateWith makes UpdateStock for externalID return err while reads keep
// working, modeling a channel that is readable but rejects writes.
func (m *Memory) FailUpdateWith(externalID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUpdate[externalID] = err
}

// SetHealthError makes HealthCheck report disconnected with err.
func (m *Memory) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// Updates returns a copy of all recorded UpdateStock calls.
func (m *Memory) Updates() []StockUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StockUpdate, len(m.updates))
	copy(out, m.updates)
	return out
}

func (m *Memory) Connect(ctx context.Context, credentials []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *Memory) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *Memory) HealthCheck(ctx context.Context) HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := HealthStatus{Connected: m.connected, LastChecked: time.Now()}
	if m.healthErr != nil {
		status.Connected = false
		status.Error = m.healthErr.Error()
	}
	return status
}

func (m *Memory) GetProduct(ctx context.Context, externalID string) (*ExternalProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, &NotConnectedError{ChannelID: m.ChannelID, Reason: "not connected"}
	}
	if err := m.failWith[externalID]; err != nil {
		return nil, err
	}
	qty, ok := m.stock[externalID]
	if !ok {
		return nil, &NotFoundError{ExternalID: externalID}
	}
	return &ExternalProduct{ExternalID: externalID, Quantity: qty}, nil
}

func (m *Memory) UpdateStock(ctx context.Context, externalID string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return &NotConnectedError{ChannelID: m.ChannelID, Reason: "not connected"}
	}
	if err := m.failWith[externalID]; err != nil {
		return err
	}
	if err := m.failUpdate[externalID]; err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.stock[externalID] = quantity
	m.updates = append(m.updates, StockUpdate{ExternalID: externalID, Quantity: quantity, At: time.Now()})
	return nil
}

func (m *Memory) HandleWebhook(ctx context.Context, rawPayload []byte) ([]model.StockChange, error) {
	// Normalization lives in the watcher; the in-memory provider has no
	// channel-specific payload shape of its own.
	return nil, nil
}

var _ Provider = (*Memory)(nil)
