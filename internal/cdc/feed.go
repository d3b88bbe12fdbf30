package cdc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panelsync/panelsync/internal/model"
)

var ErrFeedClosed = errors.New("change feed closed")

const feedPollInterval = time.Second

// ChannelFeed is an in-process Source. Events published to it are delivered
// to the handler in publish order. It stands in for logical replication
// when the database cannot provide a replication slot.
type ChannelFeed struct {
	events  chan *model.ChangeEvent
	handler EventHandler

	mu     sync.RWMutex
	closed bool
}

func NewChannelFeed(buffer int, handler EventHandler) *ChannelFeed {
	return &ChannelFeed{
		events:  make(chan *model.ChangeEvent, buffer),
		handler: handler,
	}
}

// Publish enqueues a copy of event. It never blocks: when the buffer is full
// the event is dropped and false is returned.
func (f *ChannelFeed) Publish(event *model.ChangeEvent) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}

	select {
	case f.events <- event.Clone():
		return true
	default:
		return false
	}
}

func (f *ChannelFeed) ReceiveMessage(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(feedPollInterval):
		return nil
	case ev, ok := <-f.events:
		if !ok {
			return ErrFeedClosed
		}
		return f.handler.HandleChange(ev)
	}
}

func (f *ChannelFeed) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}
