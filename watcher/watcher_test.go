package watcher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/kv"
	"github.com/mkesani1/stockclerk-sub001/model"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

// Registered once: promauto panics on duplicate collector registration.
var testWebhookMetrics = metrics.NewWebhookMetrics("watcher_test")

type watcherFixture struct {
	repo    *repository.MemoryRepository
	kvs     *kv.Memory
	bus     *eventbus.Bus
	watcher *Watcher
	changes chan model.StockChange
}

func newWatcherFixture(t *testing.T) *watcherFixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	kvs := kv.NewMemory()
	bus := eventbus.New("t1", zap.NewNop())
	t.Cleanup(bus.Close)

	changes := make(chan model.StockChange, 16)
	bus.Subscribe(func(ev eventbus.Event) {
		if c, ok := ev.Payload.(model.StockChange); ok {
			changes <- c
		}
	}, eventbus.StockChange)

	repo.AddTenant(&model.Tenant{ID: "t1", Name: "Acme"})
	repo.AddChannel(&model.Channel{
		ID: "pos", TenantID: "t1", Type: model.ChannelEposNow, IsActive: true,
	})
	repo.AddProduct(&model.Product{
		ID: "p1", TenantID: "t1", SKU: "WH-001", CurrentStock: 100, BufferStock: 10,
	})
	repo.AddMapping(&model.ProductChannelMapping{
		ProductID: "p1", ChannelID: "pos", ExternalID: "12345",
	})

	w := New(repo, kvs, bus, zap.NewNop())
	w.Metrics = testWebhookMetrics

	return &watcherFixture{
		repo:    repo,
		kvs:     kvs,
		bus:     bus,
		watcher: w,
		changes: changes,
	}
}

func (f *watcherFixture) job(eventType string, payload string) *model.WebhookJob {
	return &model.WebhookJob{
		TenantID:    "t1",
		ChannelID:   "pos",
		ChannelType: model.ChannelEposNow,
		EventType:   eventType,
		Payload:     json.RawMessage(payload),
		ReceivedAt:  time.Now(),
	}
}

func waitForChange(t *testing.T, ch chan model.StockChange) model.StockChange {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("no stock change published")
		return model.StockChange{}
	}
}

func TestWebhookProducesStockChange(t *testing.T) {
	f := newWatcherFixture(t)

	err := f.watcher.HandleWebhookJob(context.Background(),
		f.job("stock.updated", `{"event_id":"e1","ProductId":"12345","CurrentStockLevel":85}`))
	require.NoError(t, err)

	change := waitForChange(t, f.changes)
	require.Equal(t, "t1", change.TenantID)
	require.Equal(t, "pos", change.SourceChannelID)
	require.Equal(t, "p1", change.ProductID)
	require.Equal(t, "WH-001", change.SKU)
	require.Equal(t, 85, change.NewQuantity)
	require.NotNil(t, change.PreviousQuantity)
	require.Equal(t, 100, *change.PreviousQuantity)
	require.Equal(t, -15, change.ChangeAmount)
	require.Equal(t, model.ChangeSale, change.ChangeType)

	events := f.repo.SyncEvents("t1", model.EventWebhookProcessed)
	require.Len(t, events, 1)
	require.Equal(t, model.StatusCompleted, events[0].Status)
}

func TestDuplicateWebhookShortCircuits(t *testing.T) {
	f := newWatcherFixture(t)
	ctx := context.Background()
	job := f.job("stock.updated", `{"event_id":"e1","ProductId":"12345","CurrentStockLevel":85}`)
	duplicates := testutil.ToFloat64(testWebhookMetrics.DuplicateTotal)

	require.NoError(t, f.watcher.HandleWebhookJob(ctx, job))
	waitForChange(t, f.changes)

	require.NoError(t, f.watcher.HandleWebhookJob(ctx, job))
	require.Equal(t, duplicates+1, testutil.ToFloat64(testWebhookMetrics.DuplicateTotal))

	select {
	case <-f.changes:
		t.Fatal("duplicate webhook published a second stock change")
	case <-time.After(50 * time.Millisecond):
	}

	events := f.repo.SyncEvents("t1", model.EventWebhookProcessed)
	require.Len(t, events, 2)
	require.Equal(t, model.StatusCompleted, events[1].Status)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(events[1].NewValue, &meta))
	require.Equal(t, true, meta["duplicate"])
}

// flakyMappingRepo fails the first GetMapping calls, modeling a transient
// database error.
type flakyMappingRepo struct {
	*repository.MemoryRepository
	failures int
}

func (r *flakyMappingRepo) GetMapping(ctx context.Context, tenantID, channelID, externalID string) (*model.ProductChannelMapping, error) {
	if r.failures > 0 {
		r.failures--
		return nil, errors.New("connection reset by peer")
	}
	return r.MemoryRepository.GetMapping(ctx, tenantID, channelID, externalID)
}

func TestTransientFailureDoesNotConsumeDedupeKey(t *testing.T) {
	f := newWatcherFixture(t)
	ctx := context.Background()
	flaky := &flakyMappingRepo{MemoryRepository: f.repo, failures: 1}
	w := New(flaky, f.kvs, f.bus, zap.NewNop())
	job := f.job("stock.updated", `{"event_id":"e9","ProductId":"12345","CurrentStockLevel":85}`)

	// The first delivery fails after the event id was recorded. The error goes
	// back to the queue for a retry.
	require.Error(t, w.HandleWebhookJob(ctx, job))

	// The redelivery must process, not short-circuit as a duplicate.
	require.NoError(t, w.HandleWebhookJob(ctx, job))
	change := waitForChange(t, f.changes)
	require.Equal(t, 85, change.NewQuantity)

	events := f.repo.SyncEvents("t1", model.EventWebhookProcessed)
	require.Len(t, events, 1)
	require.Equal(t, model.StatusCompleted, events[0].Status)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(events[0].NewValue, &meta))
	require.NotContains(t, meta, "duplicate")

	// A third delivery of the same event id is a real duplicate again.
	require.NoError(t, w.HandleWebhookJob(ctx, job))
	events = f.repo.SyncEvents("t1", model.EventWebhookProcessed)
	require.Len(t, events, 2)
	require.NoError(t, json.Unmarshal(events[1].NewValue, &meta))
	require.Equal(t, true, meta["duplicate"])
}

func TestUnmatchedExternalIDRecordsFailure(t *testing.T) {
	f := newWatcherFixture(t)
	unmatched := testutil.ToFloat64(testWebhookMetrics.UnmatchedTotal)

	err := f.watcher.HandleWebhookJob(context.Background(),
		f.job("stock.updated", `{"event_id":"e2","ProductId":"unknown-xyz","CurrentStockLevel":85}`))
	require.NoError(t, err)
	require.Equal(t, unmatched+1, testutil.ToFloat64(testWebhookMetrics.UnmatchedTotal))

	select {
	case <-f.changes:
		t.Fatal("unmatched webhook must not publish a stock change")
	case <-time.After(50 * time.Millisecond):
	}

	events := f.repo.SyncEvents("t1", model.EventWebhookUnmatched)
	require.Len(t, events, 1)
	require.Equal(t, model.StatusFailed, events[0].Status)
	require.Contains(t, events[0].ErrorMessage, "No product mapping found")
}

func TestInvalidSignatureRejected(t *testing.T) {
	f := newWatcherFixture(t)
	f.repo.AddChannel(&model.Channel{
		ID: "pos", TenantID: "t1", Type: model.ChannelEposNow, IsActive: true,
		WebhookSecret: "s3cret",
	})

	badSigs := testutil.ToFloat64(testWebhookMetrics.InvalidSigTotal)
	job := f.job("stock.updated", `{"event_id":"e3","ProductId":"12345","CurrentStockLevel":85}`)
	job.Signature = "deadbeef"
	require.NoError(t, f.watcher.HandleWebhookJob(context.Background(), job))
	require.Equal(t, badSigs+1, testutil.ToFloat64(testWebhookMetrics.InvalidSigTotal))

	select {
	case <-f.changes:
		t.Fatal("bad signature must not publish a stock change")
	case <-time.After(50 * time.Millisecond):
	}

	events := f.repo.SyncEvents("t1", model.EventWebhookProcessed)
	require.Len(t, events, 1)
	require.Equal(t, model.StatusFailed, events[0].Status)
	require.Equal(t, "invalid signature", events[0].ErrorMessage)
}

func TestValidSignatureAccepted(t *testing.T) {
	f := newWatcherFixture(t)
	f.repo.AddChannel(&model.Channel{
		ID: "pos", TenantID: "t1", Type: model.ChannelEposNow, IsActive: true,
		WebhookSecret: "s3cret",
	})

	body := `{"event_id":"e4","ProductId":"12345","CurrentStockLevel":85}`
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte(body))

	job := f.job("stock.updated", body)
	job.Signature = hex.EncodeToString(mac.Sum(nil))
	require.NoError(t, f.watcher.HandleWebhookJob(context.Background(), job))

	change := waitForChange(t, f.changes)
	require.Equal(t, 85, change.NewQuantity)
}

func TestUnknownChannelDropped(t *testing.T) {
	f := newWatcherFixture(t)
	job := f.job("stock.updated", `{"ProductId":"12345","CurrentStockLevel":85}`)
	job.ChannelID = "gone"

	require.NoError(t, f.watcher.HandleWebhookJob(context.Background(), job))
	require.Empty(t, f.repo.SyncEvents("t1", model.EventWebhookProcessed))
}

func TestUndecodablePayloadRecordsFailure(t *testing.T) {
	f := newWatcherFixture(t)

	err := f.watcher.HandleWebhookJob(context.Background(), f.job("stock.updated", `{"CurrentStockLevel":85}`))
	require.NoError(t, err)

	events := f.repo.SyncEvents("t1", model.EventWebhookProcessed)
	require.Len(t, events, 1)
	require.Equal(t, model.StatusFailed, events[0].Status)
}

func TestTransactionWebhookAppliesDelta(t *testing.T) {
	f := newWatcherFixture(t)

	err := f.watcher.HandleWebhookJob(context.Background(),
		f.job("transaction.created", `{"event_id":"e5","TransactionId":9,"Items":[{"ProductId":"12345","Quantity":3}]}`))
	require.NoError(t, err)

	change := waitForChange(t, f.changes)
	require.Equal(t, 97, change.NewQuantity)
	require.Equal(t, model.ChangeSale, change.ChangeType)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	good := hex.EncodeToString(mac.Sum(nil))

	require.True(t, VerifySignature(body, good, "secret"))
	require.False(t, VerifySignature(body, good, "other"))
	require.False(t, VerifySignature(body, "bogus", "secret"))
	require.False(t, VerifySignature(body, "", "secret"))
}
