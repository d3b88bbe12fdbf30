package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/panelsync/panelsync/internal/model"
)

var ErrClosed = errors.New("async dispatcher closed")

// AsyncHandler dispatches change events off the caller's goroutine. Events
// for the same entity are sent in arrival order whether they come from
// HandleChange or Submit; different entities proceed concurrently with no
// ordering between them.
type AsyncHandler struct {
	dispatcher *Dispatcher
	baseURL    string

	mu     sync.Mutex
	queues map[string][]queued
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	onResult func(Result)
}

func NewAsyncHandler(d *Dispatcher, baseURL string) *AsyncHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncHandler{
		dispatcher: d,
		baseURL:    baseURL,
		queues:     make(map[string][]queued),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnResult registers a callback invoked after every dispatch. It must be set
// before the first HandleChange.
func (h *AsyncHandler) OnResult(fn func(Result)) {
	h.onResult = fn
}

// queued is one pending dispatch. done is nil for fire-and-forget events.
type queued struct {
	event   *model.ChangeEvent
	baseURL string
	done    chan Result
}

func entityKey(ev *model.ChangeEvent) string {
	return string(ev.Table) + "/" + ev.EntityID()
}

// HandleChange queues the event and returns immediately.
func (h *AsyncHandler) HandleChange(event *model.ChangeEvent) error {
	if _, ok := event.Table.SyncEndpoint(); !ok {
		return nil
	}
	return h.enqueue(queued{event: event.Clone(), baseURL: h.baseURL})
}

// Submit queues the event behind earlier changes to the same entity, sends
// it to baseURL and waits for the result. If ctx ends first the dispatch
// still happens in order; only the wait is abandoned.
func (h *AsyncHandler) Submit(ctx context.Context, event *model.ChangeEvent, baseURL string) (Result, error) {
	if _, ok := event.Table.SyncEndpoint(); !ok {
		return h.dispatcher.Dispatch(ctx, event, baseURL), nil
	}

	done := make(chan Result, 1)
	if err := h.enqueue(queued{event: event.Clone(), baseURL: baseURL, done: done}); err != nil {
		return Result{}, err
	}

	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *AsyncHandler) enqueue(item queued) error {
	key := entityKey(item.event)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	q, active := h.queues[key]
	h.queues[key] = append(q, item)
	if !active {
		h.wg.Add(1)
		go h.drain(key)
	}
	return nil
}

// drain sends queued events for key until the queue is empty.
func (h *AsyncHandler) drain(key string) {
	defer h.wg.Done()

	for {
		h.mu.Lock()
		q := h.queues[key]
		if len(q) == 0 {
			delete(h.queues, key)
			h.mu.Unlock()
			return
		}
		item := q[0]
		h.queues[key] = q[1:]
		h.mu.Unlock()

		res := h.dispatcher.Dispatch(h.ctx, item.event, item.baseURL)
		if item.done != nil {
			item.done <- res
		}
		if h.onResult != nil {
			h.onResult(res)
		}
	}
}

// Pending returns the number of queued, not yet dispatched events.
func (h *AsyncHandler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, q := range h.queues {
		n += len(q)
	}
	return n
}

// Close stops accepting events and waits for queued work. If ctx expires
// first, in-flight requests are cancelled.
func (h *AsyncHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		<-done
		return ctx.Err()
	}
}
