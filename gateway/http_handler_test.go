package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/model"
	"github.com/mkesani1/stockclerk-sub001/queue"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

// Registered once: promauto panics on duplicate collector registration.
var testWebhookMetrics = metrics.NewWebhookMetrics("gateway_test")

type captureQueue struct {
	jobs []*queue.Job
	err  error
}

func (q *captureQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *captureQueue) Consume(ctx context.Context, tenantID string, name queue.Name, concurrency int, handler queue.Handler) error {
	return nil
}

func (q *captureQueue) OnDeadLetter(fn queue.DeadLetterFunc) {}

func newGatewayFixture(t *testing.T) (*http.ServeMux, *captureQueue, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	repo.AddTenant(&model.Tenant{ID: "t1", Name: "Acme"})
	repo.AddChannel(&model.Channel{
		ID: "pos", TenantID: "t1", Type: model.ChannelEposNow,
		IsActive: true, ExternalInstanceID: "inst-42",
	})

	jobs := &captureQueue{}
	mux := http.NewServeMux()
	NewHandler(repo, jobs, testWebhookMetrics, zap.NewNop()).registerRoutes(mux)
	return mux, jobs, repo
}

func TestWebhookAcceptedAndEnqueued(t *testing.T) {
	mux, jobs, _ := newGatewayFixture(t)

	body := `{"event_type":"stock.updated","ProductId":"12345","CurrentStockLevel":85}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/eposnow/inst-42", strings.NewReader(body))
	req.Header.Set("X-Epos-Signature", "abc123")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"accepted"`)
	require.Contains(t, rec.Body.String(), `"job_id"`)

	require.Len(t, jobs.jobs, 1)
	job := jobs.jobs[0]
	require.Equal(t, "t1", job.TenantID)
	require.Equal(t, queue.Webhook, job.Name)
	require.Equal(t, queue.PriorityWebhook, job.Priority)

	var payload model.WebhookJob
	require.NoError(t, job.Decode(&payload))
	require.Equal(t, "pos", payload.ChannelID)
	require.Equal(t, model.ChannelEposNow, payload.ChannelType)
	require.Equal(t, "stock.updated", payload.EventType)
	require.Equal(t, "abc123", payload.Signature)
	require.JSONEq(t, body, string(payload.Payload))
}

func TestEventTypeHeaderWins(t *testing.T) {
	mux, jobs, _ := newGatewayFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/eposnow/inst-42",
		strings.NewReader(`{"event_type":"from_body"}`))
	req.Header.Set("X-Event-Type", "from_header")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload model.WebhookJob
	require.NoError(t, jobs.jobs[0].Decode(&payload))
	require.Equal(t, "from_header", payload.EventType)
}

func TestUnknownInstanceRejected(t *testing.T) {
	mux, jobs, _ := newGatewayFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/eposnow/inst-unknown",
		strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, jobs.jobs)
}

func TestWrongChannelTypeRejected(t *testing.T) {
	mux, jobs, _ := newGatewayFixture(t)

	// Right instance id, wrong provider path segment.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/wix/inst-42",
		strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, jobs.jobs)
}

func TestQueueFailureReturns503(t *testing.T) {
	mux, jobs, _ := newGatewayFixture(t)
	jobs.err = errors.New("broker down")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/eposnow/inst-42",
		strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
