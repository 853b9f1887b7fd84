package pullsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersync/backend/internal/batch"
	"ordersync/backend/internal/domain"
)

type fakeHandler struct {
	mu     sync.Mutex
	calls  []batch.Inbound
	result domain.BatchResponse
}

func (f *fakeHandler) Handle(_ context.Context, in batch.Inbound) batch.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	body, _ := json.Marshal(f.result)
	return batch.Reply{Status: http.StatusOK, Body: body}
}

type upstream struct {
	mu      sync.Mutex
	body    string
	status  int
	queries []string
	auth    []string
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.queries = append(u.queries, r.URL.Query().Get("since"))
	u.auth = append(u.auth, r.Header.Get("Authorization"))
	status := u.status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(u.body))
}

func newPoller(t *testing.T, up *upstream, handler *fakeHandler, clock *time.Time) *Poller {
	t.Helper()
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)
	p := New(Config{URL: srv.URL + "/orders", APIKey: "pull-key", RegisterID: "main"}, handler, srv.Client())
	p.now = func() time.Time { return *clock }
	return p
}

func TestSyncOnceFeedsOrdersAndAdvancesCursor(t *testing.T) {
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	up := &upstream{body: `[{"OrderID":"P-1"},{"OrderID":"P-2"}]`}
	handler := &fakeHandler{result: domain.BatchResponse{
		Status: domain.BatchSuccess,
		Data:   &domain.BatchData{Total: 2, Successful: 2},
	}}
	p := newPoller(t, up, handler, &clock)

	state, err := p.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, state.LastStatus)
	assert.Equal(t, "Processed 2 orders successfully", state.LastMessage)
	assert.Equal(t, clock, state.LastSyncAt)

	require.Len(t, handler.calls, 1)
	call := handler.calls[0]
	require.NotNil(t, call.Actor)
	assert.Equal(t, domain.AuthMethodPullSync, call.Actor.Method)
	var req domain.BatchRequest
	require.NoError(t, json.Unmarshal(call.Body, &req))
	assert.Equal(t, "main", req.RegisterID)
	require.Len(t, req.Orders, 2)
	assert.Equal(t, domain.ExternalID("P-2"), req.Orders[1].OrderID)

	clock = clock.Add(15 * time.Minute)
	_, err = p.SyncOnce(context.Background())
	require.NoError(t, err)

	up.mu.Lock()
	defer up.mu.Unlock()
	require.Len(t, up.queries, 2)
	assert.Empty(t, up.queries[0])
	assert.Equal(t, "2026-05-01T08:00:00Z", up.queries[1])
	assert.Equal(t, "Bearer pull-key", up.auth[0])
}

func TestSyncOnceReportsFailedOrders(t *testing.T) {
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	up := &upstream{body: `{"orders":[{"OrderID":"P-1"},{"OrderID":"P-2"},{"OrderID":"P-3"}]}`}
	handler := &fakeHandler{result: domain.BatchResponse{
		Status: domain.BatchPartial,
		Data:   &domain.BatchData{Total: 3, Successful: 2, Failed: 1},
	}}
	p := newPoller(t, up, handler, &clock)

	state, err := p.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusError, state.LastStatus)
	assert.Equal(t, "Processed 2 orders successfully, 1 failed", state.LastMessage)
	assert.Equal(t, state, p.State())
}

func TestSyncOnceWithoutOrders(t *testing.T) {
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	up := &upstream{body: `[]`}
	handler := &fakeHandler{}
	p := newPoller(t, up, handler, &clock)

	state, err := p.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusNoOrders, state.LastStatus)
	assert.Empty(t, handler.calls)
	assert.Equal(t, clock, state.LastSyncAt)
}

func TestSyncOnceKeepsCursorOnFetchError(t *testing.T) {
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	up := &upstream{body: `[{"OrderID":"P-1"}]`}
	handler := &fakeHandler{result: domain.BatchResponse{Status: domain.BatchSuccess, Data: &domain.BatchData{Total: 1, Successful: 1}}}
	p := newPoller(t, up, handler, &clock)

	_, err := p.SyncOnce(context.Background())
	require.NoError(t, err)
	cursor := p.State().LastSyncAt

	up.mu.Lock()
	up.status = http.StatusBadGateway
	up.mu.Unlock()
	clock = clock.Add(time.Hour)
	state, err := p.SyncOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusError, state.LastStatus)
	assert.Contains(t, state.LastMessage, "unexpected status 502")
	assert.Equal(t, cursor, state.LastSyncAt)
	assert.Len(t, handler.calls, 1)
}

func TestDecodeOrdersShapes(t *testing.T) {
	cases := map[string]int{
		`[{"OrderID":1},{"OrderID":2}]`:        2,
		`{"orders":[{"OrderID":1}]}`:           1,
		`{"OrderID":"single","OrderItems":[]}`: 1,
		`{}`:                                   0,
		`null`:                                 0,
		`  `:                                   0,
	}
	for raw, want := range cases {
		orders, err := decodeOrders([]byte(raw))
		require.NoError(t, err, raw)
		assert.Len(t, orders, want, raw)
	}

	_, err := decodeOrders([]byte(`[{"OrderID":`))
	assert.Error(t, err)
}
