package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelsync/panelsync/internal/livebackend"
	"github.com/panelsync/panelsync/internal/model"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	respond  func(w http.ResponseWriter, r *http.Request) bool
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	fb := &fakeBackend{status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fb.mu.Lock()
		fb.requests = append(fb.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: string(body)})
		respond, status := fb.respond, fb.status
		fb.mu.Unlock()

		if respond != nil && respond(w, r) {
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return fb, srv
}

func (fb *fakeBackend) recorded() []recordedRequest {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]recordedRequest, len(fb.requests))
	copy(out, fb.requests)
	return out
}

func newDispatcher() *Dispatcher {
	return New(livebackend.New(time.Second), nil)
}

func TestDispatchUnmappedTableIssuesNoRequest(t *testing.T) {
	fb, srv := newFakeBackend(t)
	d := newDispatcher()

	for _, action := range []model.Action{model.ActionInsert, model.ActionUpdate, model.ActionDelete} {
		res := d.Dispatch(context.Background(), &model.ChangeEvent{
			Table:  model.TableNotifications,
			Action: action,
			Before: model.Record{"id": "1"},
			After:  model.Record{"id": "1"},
		}, srv.URL)

		assert.True(t, res.Skipped)
		assert.Equal(t, ReasonTableNotSynced, res.Reason)
		assert.False(t, res.Success)
	}
	assert.Empty(t, fb.recorded())
}

func TestDispatchWithoutBaseURLSkips(t *testing.T) {
	res := newDispatcher().Dispatch(context.Background(), &model.ChangeEvent{
		Table:  model.TableStreams,
		Action: model.ActionInsert,
		After:  model.Record{"id": "1"},
	}, "")

	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonNotConfigured, res.Reason)
}

func TestDispatchVerbMapping(t *testing.T) {
	tests := []struct {
		name       string
		event      *model.ChangeEvent
		wantMethod string
		wantPath   string
		wantBody   string
	}{
		{
			name: "insert posts to collection",
			event: &model.ChangeEvent{
				Table:  model.TableStreams,
				Action: model.ActionInsert,
				After:  model.Record{"id": "5", "name": "News"},
			},
			wantMethod: http.MethodPost,
			wantPath:   "/api/streams",
			wantBody:   `{"id":"5","name":"News"}`,
		},
		{
			name: "update puts to entity",
			event: &model.ChangeEvent{
				Table:  model.TableSubscribers,
				Action: model.ActionUpdate,
				Before: model.Record{"id": "9", "username": "old"},
				After:  model.Record{"id": "9", "username": "new"},
			},
			wantMethod: http.MethodPut,
			wantPath:   "/api/users/9",
			wantBody:   `{"id":"9","username":"new"}`,
		},
		{
			name: "delete uses before id and no body",
			event: &model.ChangeEvent{
				Table:  model.TableServers,
				Action: model.ActionDelete,
				Before: model.Record{"id": float64(3)},
			},
			wantMethod: http.MethodDelete,
			wantPath:   "/api/servers/3",
			wantBody:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb, srv := newFakeBackend(t)
			res := newDispatcher().Dispatch(context.Background(), tt.event, srv.URL)

			require.True(t, res.Success, res.Detail)
			assert.Equal(t, http.StatusOK, res.StatusCode)

			reqs := fb.recorded()
			require.Len(t, reqs, 1)
			assert.Equal(t, tt.wantMethod, reqs[0].Method)
			assert.Equal(t, tt.wantPath, reqs[0].Path)
			if tt.wantBody == "" {
				assert.Empty(t, reqs[0].Body)
			} else {
				assert.JSONEq(t, tt.wantBody, reqs[0].Body)
			}
		})
	}
}

func TestDispatchNon2xxIsFailureNotError(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.status = http.StatusInternalServerError

	res := newDispatcher().Dispatch(context.Background(), &model.ChangeEvent{
		Table:  model.TableStreams,
		Action: model.ActionUpdate,
		After:  model.Record{"id": "1"},
	}, srv.URL)

	assert.False(t, res.Success)
	assert.False(t, res.Skipped)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.NotEmpty(t, res.Detail)
}

func TestDispatchNetworkFailure(t *testing.T) {
	_, srv := newFakeBackend(t)
	url := srv.URL
	srv.Close()

	res := newDispatcher().Dispatch(context.Background(), &model.ChangeEvent{
		Table:  model.TableStreams,
		Action: model.ActionInsert,
		After:  model.Record{"id": "1"},
	}, url)

	assert.False(t, res.Success)
	assert.Zero(t, res.StatusCode)
	assert.NotEmpty(t, res.Detail)
}

func TestDispatchUpdateWithoutID(t *testing.T) {
	fb, srv := newFakeBackend(t)

	res := newDispatcher().Dispatch(context.Background(), &model.ChangeEvent{
		Table:  model.TableStreams,
		Action: model.ActionUpdate,
		After:  model.Record{"name": "no id"},
	}, srv.URL)

	assert.False(t, res.Success)
	assert.Equal(t, "record has no id", res.Detail)
	assert.Empty(t, fb.recorded())
}

func TestSyncAll(t *testing.T) {
	fb, srv := newFakeBackend(t)
	records := []model.Record{{"id": "1"}, {"id": "2"}}

	res := newDispatcher().SyncAll(context.Background(), model.TableStreams, records, srv.URL)

	require.True(t, res.Success)
	assert.Equal(t, 2, res.Pushed)
	reqs := fb.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/api/streams/sync", reqs[0].Path)
	assert.JSONEq(t, `{"items":[{"id":"1"},{"id":"2"}]}`, reqs[0].Body)
}

func TestSyncAllUnmappedTable(t *testing.T) {
	fb, srv := newFakeBackend(t)
	res := newDispatcher().SyncAll(context.Background(), model.TableUpdates, nil, srv.URL)
	assert.True(t, res.Skipped)
	assert.Empty(t, fb.recorded())
}

func TestCleanupDeletesOnlyRemoteOnlyEntities(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.respond = func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`[{"id":"1"},{"id":"2"},{"id":"3"},{"id":"4"}]`))
			return true
		}
		if strings.HasSuffix(r.URL.Path, "/4") {
			w.WriteHeader(http.StatusInternalServerError)
			return true
		}
		return false
	}

	res := newDispatcher().Cleanup(context.Background(), model.TableStreams, []string{"1", "3"}, srv.URL)

	assert.Equal(t, []string{"2"}, res.Deleted)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "delete 4")
	assert.False(t, res.Success)

	var deletes []string
	for _, r := range fb.recorded() {
		if r.Method == http.MethodDelete {
			deletes = append(deletes, r.Path)
		}
	}
	assert.Equal(t, []string{"/api/streams/2", "/api/streams/4"}, deletes)
}

type fakeSnapshotter struct {
	records []model.Record
	err     error
}

func (f *fakeSnapshotter) Snapshot(ctx context.Context, table model.Table) ([]model.Record, error) {
	return f.records, f.err
}

func TestReconcile(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.respond = func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"items":[{"id":"1"},{"id":"7"}]}`))
			return true
		}
		return false
	}

	snap := &fakeSnapshotter{records: []model.Record{{"id": "1", "name": "a"}}}
	results, err := newDispatcher().Reconcile(context.Background(), snap, model.TableStreams, srv.URL)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Equal(t, []string{"7"}, results[1].Deleted)
}

func TestReconcileStoreFailurePropagates(t *testing.T) {
	_, srv := newFakeBackend(t)
	snap := &fakeSnapshotter{err: errors.New("db down")}

	_, err := newDispatcher().Reconcile(context.Background(), snap, model.TableStreams, srv.URL)
	assert.Error(t, err)
}

func TestDifference(t *testing.T) {
	assert.Equal(t, []string{"a", "c"}, Difference([]string{"c", "b", "a", "a"}, []string{"b"}))
	assert.Empty(t, Difference([]string{"x"}, []string{"x"}))
	assert.Empty(t, Difference(nil, []string{"x"}))
}

func TestAsyncHandlerPreservesPerEntityOrder(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.respond = func(w http.ResponseWriter, r *http.Request) bool {
		time.Sleep(time.Millisecond)
		return false
	}

	h := NewAsyncHandler(newDispatcher(), srv.URL)

	var (
		mu      sync.Mutex
		results []Result
	)
	h.OnResult(func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	const perEntity = 15
	for seq := 0; seq < perEntity; seq++ {
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, h.HandleChange(&model.ChangeEvent{
				Table:  model.TableStreams,
				Action: model.ActionUpdate,
				After:  model.Record{"id": id, "seq": float64(seq)},
			}))
		}
	}

	require.NoError(t, h.Close(context.Background()))
	assert.Zero(t, h.Pending())

	mu.Lock()
	assert.Len(t, results, perEntity*3)
	mu.Unlock()

	lastSeq := map[string]float64{"a": -1, "b": -1, "c": -1}
	for _, r := range fb.recorded() {
		var body map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.Body), &body))
		id := body["id"].(string)
		seq := body["seq"].(float64)
		assert.Greater(t, seq, lastSeq[id], "entity %s received seq %v after %v", id, seq, lastSeq[id])
		lastSeq[id] = seq
	}
	for id, seq := range lastSeq {
		assert.Equal(t, float64(perEntity-1), seq, "entity %s", id)
	}
}

func TestAsyncHandlerRejectsAfterClose(t *testing.T) {
	_, srv := newFakeBackend(t)
	h := NewAsyncHandler(newDispatcher(), srv.URL)
	require.NoError(t, h.Close(context.Background()))

	err := h.HandleChange(&model.ChangeEvent{
		Table:  model.TableStreams,
		Action: model.ActionInsert,
		After:  model.Record{"id": "1"},
	})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = h.Submit(context.Background(), &model.ChangeEvent{
		Table:  model.TableStreams,
		Action: model.ActionInsert,
		After:  model.Record{"id": "1"},
	}, srv.URL)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAsyncHandlerIgnoresUnsyncedTables(t *testing.T) {
	fb, srv := newFakeBackend(t)
	h := NewAsyncHandler(newDispatcher(), srv.URL)

	require.NoError(t, h.HandleChange(&model.ChangeEvent{
		Table:  model.TableUpdates,
		Action: model.ActionInsert,
		After:  model.Record{"id": "1"},
	}))
	require.NoError(t, h.Close(context.Background()))
	assert.Empty(t, fb.recorded())
}

func TestAsyncHandlerSubmitSerializesSameEntity(t *testing.T) {
	var (
		mu                    sync.Mutex
		inFlight, maxInFlight int32
	)
	fb, srv := newFakeBackend(t)
	fb.respond = func(w http.ResponseWriter, r *http.Request) bool {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return false
	}

	h := NewAsyncHandler(newDispatcher(), "")
	defer h.Close(context.Background())

	var wg sync.WaitGroup
	for seq := 0; seq < 4; seq++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			res, err := h.Submit(context.Background(), &model.ChangeEvent{
				Table:  model.TableStreams,
				Action: model.ActionUpdate,
				After:  model.Record{"id": "9", "seq": float64(seq)},
			}, srv.URL)
			assert.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, "9", res.EntityID)
		}(seq)
	}
	wg.Wait()

	assert.Len(t, fb.recorded(), 4)
	mu.Lock()
	assert.Equal(t, int32(1), maxInFlight, "same-entity dispatches overlapped")
	mu.Unlock()
}

func TestAsyncHandlerSubmitOrderFollowsArrival(t *testing.T) {
	release := make(chan struct{})
	fb, srv := newFakeBackend(t)
	var (
		firstMu sync.Mutex
		first   = true
	)
	fb.respond = func(w http.ResponseWriter, r *http.Request) bool {
		firstMu.Lock()
		wait := first
		first = false
		firstMu.Unlock()
		if wait {
			<-release
		}
		return false
	}

	h := NewAsyncHandler(newDispatcher(), "")
	defer h.Close(context.Background())

	older := make(chan Result, 1)
	go func() {
		res, _ := h.Submit(context.Background(), &model.ChangeEvent{
			Table:  model.TableStreams,
			Action: model.ActionUpdate,
			After:  model.Record{"id": "9", "name": "old"},
		}, srv.URL)
		older <- res
	}()

	require.Eventually(t, func() bool { return len(fb.recorded()) == 1 }, 2*time.Second, 5*time.Millisecond)

	newer := make(chan Result, 1)
	go func() {
		res, _ := h.Submit(context.Background(), &model.ChangeEvent{
			Table:  model.TableStreams,
			Action: model.ActionUpdate,
			After:  model.Record{"id": "9", "name": "new"},
		}, srv.URL)
		newer <- res
	}()

	require.Eventually(t, func() bool { return h.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, fb.recorded(), 1, "later update must wait for the earlier one")

	close(release)
	<-older
	<-newer

	reqs := fb.recorded()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0].Body, `"old"`)
	assert.Contains(t, reqs[1].Body, `"new"`)
}

func TestAsyncHandlerSubmitUnsyncedTable(t *testing.T) {
	fb, srv := newFakeBackend(t)
	h := NewAsyncHandler(newDispatcher(), "")
	defer h.Close(context.Background())

	res, err := h.Submit(context.Background(), &model.ChangeEvent{
		Table:  model.TableUpdates,
		Action: model.ActionInsert,
		After:  model.Record{"id": "1"},
	}, srv.URL)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonTableNotSynced, res.Reason)
	assert.Empty(t, fb.recorded())
}
