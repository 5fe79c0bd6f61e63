package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsoftware/dispatchbox/internal/domain"
)

type fakeRepo struct {
	connected bool
	dead      []domain.Event
	total     int
	resetOK   bool
	processed int

	lastLimit, lastOffset  int
	lastAggregate, lastTyp string
	lastResetID            int64
	lastBatchIDs           []int64
	closed                 bool
}

func (f *fakeRepo) IsConnected(ctx context.Context) bool { return f.connected }

func (f *fakeRepo) FetchDeadEvents(ctx context.Context, limit, offset int, aggregateType, eventType string) ([]domain.Event, error) {
	f.lastLimit, f.lastOffset = limit, offset
	f.lastAggregate, f.lastTyp = aggregateType, eventType
	return f.dead, nil
}

func (f *fakeRepo) CountDeadEvents(ctx context.Context, aggregateType, eventType string) (int, error) {
	f.lastAggregate, f.lastTyp = aggregateType, eventType
	return f.total, nil
}

func (f *fakeRepo) GetDeadEvent(ctx context.Context, eventID int64) (*domain.Event, error) {
	for i := range f.dead {
		if f.dead[i].ID == eventID {
			return &f.dead[i], nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) ResetDeadToPending(ctx context.Context, eventID int64) (bool, error) {
	f.lastResetID = eventID
	return f.resetOK, nil
}

func (f *fakeRepo) ResetDeadToPendingBatch(ctx context.Context, eventIDs []int64) (int, error) {
	f.lastBatchIDs = eventIDs
	return f.processed, nil
}

func (f *fakeRepo) Close() error {
	f.closed = true
	return nil
}

func newTestServer(repo *fakeRepo) *Server {
	return New("127.0.0.1:0", func(ctx context.Context) (Repository, error) {
		return repo, nil
	}, nil, nil)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func deadEvent(id int64) domain.Event {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return domain.Event{
		ID:            id,
		AggregateType: "order",
		AggregateID:   "1001",
		EventType:     "order.created",
		Payload:       json.RawMessage(`{"orderId":"1001"}`),
		Status:        domain.StatusDead,
		Attempts:      5,
		NextRunAt:     created,
		CreatedAt:     &created,
	}
}

func TestHealth(t *testing.T) {
	w := doRequest(t, newTestServer(&fakeRepo{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

func TestReadyOK(t *testing.T) {
	repo := &fakeRepo{connected: true}
	w := doRequest(t, newTestServer(repo), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decodeBody(t, w)["status"])
	assert.True(t, repo.closed)
}

func TestReadyDatabaseDown(t *testing.T) {
	w := doRequest(t, newTestServer(&fakeRepo{connected: false}), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "database not connected", body["reason"])
}

func TestReadyFactoryError(t *testing.T) {
	s := New("127.0.0.1:0", func(ctx context.Context) (Repository, error) {
		return nil, errors.New("connect: connection refused")
	}, nil, nil)
	w := doRequest(t, s, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decodeBody(t, w)["reason"], "connection refused")
}

func TestMetricsNotConfigured(t *testing.T) {
	w := doRequest(t, newTestServer(&fakeRepo{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Contains(t, w.Body.String(), "metrics not configured")
}

func TestMetricsDelegates(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("dispatchbox_outbox_events{status=\"dead\"} 2\n"))
	})
	s := New("127.0.0.1:0", func(ctx context.Context) (Repository, error) {
		return &fakeRepo{}, nil
	}, metrics, nil)
	w := doRequest(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dispatchbox_outbox_events")
}

func TestListDeadEvents(t *testing.T) {
	repo := &fakeRepo{dead: []domain.Event{deadEvent(11), deadEvent(10)}}
	w := doRequest(t, newTestServer(repo), http.MethodGet, "/api/dead-events", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, float64(100), body["limit"])
	assert.Equal(t, float64(0), body["offset"])
	events := body["events"].([]any)
	require.Len(t, events, 2)
	first := events[0].(map[string]any)
	assert.Equal(t, float64(11), first["id"])
	assert.Equal(t, "dead", first["status"])
	assert.True(t, repo.closed)
}

func TestListDeadEventsParams(t *testing.T) {
	repo := &fakeRepo{}
	w := doRequest(t, newTestServer(repo), http.MethodGet,
		"/api/dead-events?limit=50&offset=10&aggregate_type=order&event_type=order.created", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, repo.lastLimit)
	assert.Equal(t, 10, repo.lastOffset)
	assert.Equal(t, "order", repo.lastAggregate)
	assert.Equal(t, "order.created", repo.lastTyp)
}

func TestListDeadEventsClampsLimit(t *testing.T) {
	repo := &fakeRepo{}
	w := doRequest(t, newTestServer(repo), http.MethodGet, "/api/dead-events?limit=9999", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1000, repo.lastLimit)
}

func TestListDeadEventsBadParams(t *testing.T) {
	w := doRequest(t, newTestServer(&fakeRepo{}), http.MethodGet, "/api/dead-events?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, newTestServer(&fakeRepo{}), http.MethodGet, "/api/dead-events?offset=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeadEventStats(t *testing.T) {
	repo := &fakeRepo{total: 7}
	w := doRequest(t, newTestServer(repo), http.MethodGet, "/api/dead-events/stats?aggregate_type=order", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(7), body["total"])
	assert.Equal(t, "order", body["aggregate_type"])
	assert.Nil(t, body["event_type"])
}

func TestGetDeadEvent(t *testing.T) {
	repo := &fakeRepo{dead: []domain.Event{deadEvent(9)}}
	w := doRequest(t, newTestServer(repo), http.MethodGet, "/api/dead-events/9", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(9), body["id"])
	assert.Equal(t, float64(5), body["attempts"])
}

func TestGetDeadEventNotFound(t *testing.T) {
	w := doRequest(t, newTestServer(&fakeRepo{}), http.MethodGet, "/api/dead-events/9", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "not found")
}

func TestGetDeadEventNonNumericID(t *testing.T) {
	w := doRequest(t, newTestServer(&fakeRepo{}), http.MethodGet, "/api/dead-events/abc", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetryDeadEvent(t *testing.T) {
	repo := &fakeRepo{resetOK: true}
	w := doRequest(t, newTestServer(repo), http.MethodPost, "/api/dead-events/9/retry", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(9), body["event_id"])
	assert.Equal(t, int64(9), repo.lastResetID)
}

func TestRetryDeadEventNotFound(t *testing.T) {
	w := doRequest(t, newTestServer(&fakeRepo{resetOK: false}), http.MethodPost, "/api/dead-events/9/retry", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetryBatch(t *testing.T) {
	repo := &fakeRepo{processed: 2}
	w := doRequest(t, newTestServer(repo), http.MethodPost,
		"/api/dead-events/retry-batch", `{"event_ids":[1,2,3]}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(3), body["requested"])
	assert.Equal(t, float64(2), body["processed"])
	assert.Equal(t, []int64{1, 2, 3}, repo.lastBatchIDs)
}

func TestRetryBatchValidation(t *testing.T) {
	s := newTestServer(&fakeRepo{})

	w := doRequest(t, s, http.MethodPost, "/api/dead-events/retry-batch", `{"event_ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, s, http.MethodPost, "/api/dead-events/retry-batch", `{broken`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "Invalid JSON")

	w = doRequest(t, s, http.MethodPost, "/api/dead-events/retry-batch", `{"event_ids":[0]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWrongMethodIsJSON405(t *testing.T) {
	s := newTestServer(&fakeRepo{})
	cases := []struct{ method, path string }{
		{http.MethodPost, "/health"},
		{http.MethodPost, "/ready"},
		{http.MethodPost, "/metrics"},
		{http.MethodPost, "/api/dead-events"},
		{http.MethodDelete, "/api/dead-events/9"},
		{http.MethodGet, "/api/dead-events/9/retry"},
		{http.MethodGet, "/api/dead-events/retry-batch"},
	}
	for _, tc := range cases {
		w := doRequest(t, s, tc.method, tc.path, "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "%s %s", tc.method, tc.path)
		assert.Equal(t, "Method Not Allowed", decodeBody(t, w)["error"], "%s %s", tc.method, tc.path)
	}
}

func TestUnknownPathIsJSON404(t *testing.T) {
	w := doRequest(t, newTestServer(&fakeRepo{}), http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Not Found", decodeBody(t, w)["error"])
}
