package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelsync/panelsync/internal/apperr"
	"github.com/panelsync/panelsync/internal/dispatch"
	"github.com/panelsync/panelsync/internal/fallback"
	"github.com/panelsync/panelsync/internal/livebackend"
	"github.com/panelsync/panelsync/internal/model"
	"github.com/panelsync/panelsync/internal/notify"
	"github.com/panelsync/panelsync/internal/storage"
	"github.com/panelsync/panelsync/internal/updates"
)

const webhookSecret = "hook-secret"

type backendCall struct {
	Method string
	Path   string
	Body   string
}

type fakeLive struct {
	mu     sync.Mutex
	calls  []backendCall
	status int
	body   string
}

func (f *fakeLive) recorded() []backendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backendCall(nil), f.calls...)
}

type fakeState struct {
	state fallback.AggregateState
	user  fallback.UserStatus
	err   error
}

func (f *fakeState) AggregateState(context.Context) (fallback.AggregateState, error) {
	return f.state, f.err
}

func (f *fakeState) UserStatus(_ context.Context, username string) (fallback.UserStatus, error) {
	if f.err != nil {
		return fallback.UserStatus{}, f.err
	}
	u := f.user
	u.Username = username
	return u, nil
}

type fakeExpiring struct {
	subs []model.Subscriber
}

func (f *fakeExpiring) SubscribersExpiringBetween(context.Context, time.Time, time.Time) ([]model.Subscriber, error) {
	return f.subs, nil
}

type recordingFeed struct {
	mu     sync.Mutex
	events []*model.ChangeEvent
}

func (f *recordingFeed) Publish(event *model.ChangeEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return true
}

type harness struct {
	handler http.Handler
	live    *fakeLive
	liveURL string
	state   *fakeState
	store   *storage.Storage
	feed    *recordingFeed
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()

	live := &fakeLive{status: http.StatusOK, body: `{"ok":true}`}
	liveSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		live.mu.Lock()
		live.calls = append(live.calls, backendCall{Method: r.Method, Path: r.URL.Path, Body: string(body)})
		status, reply := live.status, live.body
		live.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(liveSrv.Close)

	store, err := storage.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := livebackend.New(2 * time.Second)
	engine := notify.NewEngine(&fakeExpiring{subs: []model.Subscriber{{ID: "1", Username: "dave"}}}, notify.Options{}, nil)
	engine.AddSink(store)

	state := &fakeState{}
	feed := &recordingFeed{}

	serializer := dispatch.NewAsyncHandler(dispatch.New(client, nil), liveSrv.URL)
	t.Cleanup(func() { serializer.Close(context.Background()) })

	cfg := Config{LiveBaseURL: liveSrv.URL, SweepMinGap: time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv := New(cfg, Deps{
		Client:  client,
		Sync:    serializer,
		State:   state,
		Updates: updates.NewManager(store, webhookSecret, nil),
		Inbox:   store,
		Sweeper: engine,
		Feed:    feed,
	}, nil)

	return &harness{
		handler: srv.Handler(),
		live:    live,
		liveURL: liveSrv.URL,
		state:   state,
		store:   store,
		feed:    feed,
	}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errorReader struct{}

func (errorReader) Read([]byte) (int, error) { return 0, errors.New("body must not be read") }

func TestCORSPreflightSkipsBody(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/functions/sync-proxy", "/functions/table-sync", "/functions/update-webhook", "/api/stats"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, path, errorReader{})
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
			assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
		})
	}
	assert.Empty(t, h.live.recorded())
}

func TestCORSHeadersOnNormalResponse(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSyncProxyActions(t *testing.T) {
	tests := []struct {
		action string
		data   string
		method string
		path   string
		body   string
	}{
		{"sync-streams", `[{"id":1}]`, http.MethodPost, "/api/streams/sync", `[{"id":1}]`},
		{"sync-stream", `{"id":2,"name":"News"}`, http.MethodPost, "/api/streams", `{"id":2,"name":"News"}`},
		{"delete-stream", `{"id":3}`, http.MethodDelete, "/api/streams/3", ""},
		{"cleanup-streams", `{"ids":[1]}`, http.MethodPost, "/api/streams/cleanup", `{"ids":[1]}`},
		{"sync-users", `[]`, http.MethodPost, "/api/users/sync", `[]`},
		{"health", `null`, http.MethodGet, "/api/health", ""},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			h := newHarness(t)
			h.live.status = http.StatusAccepted
			h.live.body = `{"queued":true}`

			payload := `{"action":"` + tt.action + `","backendUrl":"` + h.liveURL + `","data":` + tt.data + `}`
			rec := h.do(t, http.MethodPost, "/functions/sync-proxy", payload)

			assert.Equal(t, http.StatusAccepted, rec.Code)
			assert.JSONEq(t, `{"queued":true}`, rec.Body.String())

			calls := h.live.recorded()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.method, calls[0].Method)
			assert.Equal(t, tt.path, calls[0].Path)
			if tt.body != "" {
				assert.JSONEq(t, tt.body, calls[0].Body)
			} else {
				assert.Empty(t, calls[0].Body)
			}
		})
	}
}

func TestSyncProxyRelaysErrorStatus(t *testing.T) {
	h := newHarness(t)
	h.live.status = http.StatusUnprocessableEntity
	h.live.body = `{"error":"bad stream"}`

	rec := h.do(t, http.MethodPost, "/functions/sync-proxy",
		`{"action":"sync-stream","backendUrl":"`+h.liveURL+`","data":{"id":1}}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.JSONEq(t, `{"error":"bad stream"}`, rec.Body.String())
}

func TestSyncProxyValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing backendUrl", `{"action":"health"}`},
		{"unknown action", `{"action":"reboot","backendUrl":"http://example.test"}`},
		{"delete without id", `{"action":"delete-stream","backendUrl":"http://example.test","data":{}}`},
		{"not a url", `{"action":"health","backendUrl":"example.test"}`},
		{"malformed json", `{"action":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/functions/sync-proxy", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}
	assert.Empty(t, h.live.recorded())
}

func TestSyncProxyTransportFailure(t *testing.T) {
	h := newHarness(t)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	rec := h.do(t, http.MethodPost, "/functions/sync-proxy", `{"action":"health","backendUrl":"`+deadURL+`"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
}

func TestTableSyncDispatches(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/functions/table-sync",
		`{"table":"streams","action":"Update","data":{"id":9,"name":"Movies","status":"online"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decode[dispatch.Result](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, "9", res.EntityID)

	calls := h.live.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPut, calls[0].Method)
	assert.Equal(t, "/api/streams/9", calls[0].Path)

	require.Len(t, h.feed.events, 1)
	assert.Equal(t, model.ActionUpdate, h.feed.events[0].Action)
}

func TestTableSyncUsesDockerURL(t *testing.T) {
	h := newHarness(t)

	other := &fakeLive{status: http.StatusCreated}
	otherSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		other.mu.Lock()
		other.calls = append(other.calls, backendCall{Method: r.Method, Path: r.URL.Path})
		other.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer otherSrv.Close()

	rec := h.do(t, http.MethodPost, "/functions/table-sync",
		`{"table":"servers","action":"insert","data":{"id":"s1"},"dockerUrl":"`+otherSrv.URL+`/"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, h.live.recorded())
	require.Len(t, other.recorded(), 1)
	assert.Equal(t, "/api/servers", other.recorded()[0].Path)
}

func TestTableSyncUnmappedTable(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/functions/table-sync", `{"table":"notifications","action":"insert","data":{"id":1}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Table not synced","table":"notifications"}`, rec.Body.String())
	assert.Empty(t, h.live.recorded())
	assert.Empty(t, h.feed.events)
}

func TestTableSyncValidation(t *testing.T) {
	h := newHarness(t)

	for _, body := range []string{
		`{"table":"streams","action":"upsert","data":{"id":1}}`,
		`{"table":"channels","action":"insert","data":{"id":1}}`,
	} {
		rec := h.do(t, http.MethodPost, "/functions/table-sync", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, h.live.recorded())
}

func TestTableSyncFailureIsNonBlocking(t *testing.T) {
	h := newHarness(t)
	h.live.status = http.StatusInternalServerError
	h.live.body = `boom`

	rec := h.do(t, http.MethodPost, "/functions/table-sync", `{"table":"categories","action":"delete","data":{"id":4}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decode[dispatch.Result](t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "boom", res.Detail)
}

func TestTableSyncSerializesSameEntity(t *testing.T) {
	h := newHarness(t)

	var (
		mu                    sync.Mutex
		inFlight, maxInFlight int
		names                 []string
	)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		var rec map[string]any
		_ = json.Unmarshal(body, &rec)
		name, _ := rec["name"].(string)
		names = append(names, name)
		first := len(names) == 1
		mu.Unlock()

		if first {
			time.Sleep(200 * time.Millisecond)
		}

		mu.Lock()
		inFlight--
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	send := func(name string) *httptest.ResponseRecorder {
		return h.do(t, http.MethodPost, "/functions/table-sync",
			`{"table":"streams","action":"update","data":{"id":9,"name":"`+name+`"},"dockerUrl":"`+slow.URL+`"}`)
	}

	var wg sync.WaitGroup
	codes := make([]int, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		codes[0] = send("first").Code
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) == 1
	}, 2*time.Second, 5*time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		codes[1] = send("second").Code
	}()
	wg.Wait()

	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "same-entity updates reached the live backend concurrently")
	assert.Equal(t, []string{"first", "second"}, names)
}

func TestTableSyncSkipsDispatchWhenReplicationActive(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ReplicationActive = true })

	rec := h.do(t, http.MethodPost, "/functions/table-sync",
		`{"table":"streams","action":"insert","data":{"id":9,"name":"Movies"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decode[dispatch.Result](t, rec)
	assert.True(t, res.Skipped)
	assert.Equal(t, dispatch.ReasonReplicationActive, res.Reason)
	assert.Equal(t, "9", res.EntityID)
	assert.Empty(t, h.live.recorded())
	assert.Empty(t, h.feed.events)

	rec = h.do(t, http.MethodPost, "/functions/table-sync", `{"table":"channels","action":"insert","data":{"id":1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "validation still applies with replication active")
}

func TestUpdateWebhookLifecycle(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/functions/update-webhook", `{"version":"2.0.0","changelog":"fixes","secret":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/functions/update-webhook", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hasUpdate":false,"update":null}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/functions/update-webhook", `{"version":"2.0.0","changelog":"fixes","secret":"`+webhookSecret+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/functions/update-webhook", "")
	require.Equal(t, http.StatusOK, rec.Code)
	check := decode[updates.Check](t, rec)
	require.True(t, check.HasUpdate)
	assert.Equal(t, "2.0.0", check.Update.Version)
	assert.Nil(t, check.Update.AppliedAt)

	rec = h.do(t, http.MethodPatch, "/functions/update-webhook", `{"updateId":"`+check.Update.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/functions/update-webhook", "")
	assert.JSONEq(t, `{"hasUpdate":false,"update":null}`, rec.Body.String())

	rec = h.do(t, http.MethodPatch, "/functions/update-webhook", `{"updateId":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodDelete, "/functions/update-webhook", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatsAndUserStatus(t *testing.T) {
	h := newHarness(t)
	h.state.state = fallback.AggregateState{TotalUsers: 10, OnlineUsers: 4, ActiveConnections: 6, Source: fallback.SourceStore}
	h.state.user = fallback.UserStatus{Status: model.StatusExpired, Source: fallback.SourceStore}

	rec := h.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"totalUsers":10,"onlineUsers":4,"activeConnections":6,"source":"store"}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/users/erin/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[fallback.UserStatus](t, rec)
	assert.Equal(t, "erin", got.Username)
	assert.Equal(t, model.StatusExpired, got.Status)
}

func TestStatsStoreFailure(t *testing.T) {
	h := newHarness(t)
	h.state.err = apperr.Store("store.Subscribers", errors.New("connection refused"))

	rec := h.do(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestSweepAndInbox(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/notifications", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"notifications":[]}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/api/notifications/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[sweepBody](t, rec)
	assert.True(t, first.Ran)
	require.NotNil(t, first.Notification)
	assert.Equal(t, notify.KindExpiringSoon, first.Notification.Kind)

	rec = h.do(t, http.MethodPost, "/api/notifications/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[sweepBody](t, rec).Ran)

	rec = h.do(t, http.MethodGet, "/api/notifications?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	inbox := decode[map[string][]notify.Notification](t, rec)
	require.Len(t, inbox["notifications"], 1)
	assert.Equal(t, first.Notification.ID, inbox["notifications"][0].ID)

	rec = h.do(t, http.MethodGet, "/api/notifications?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	srv := New(Config{}, Deps{}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}
