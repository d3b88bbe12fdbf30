package cdc

import (
	"context"

	"github.com/panelsync/panelsync/internal/model"
)

// EventHandler consumes change events in commit order. Handlers must not
// retain or mutate the event after returning; the manager gives each
// handler its own copy.
type EventHandler interface {
	HandleChange(event *model.ChangeEvent) error
}

type HandlerFunc func(event *model.ChangeEvent) error

func (f HandlerFunc) HandleChange(event *model.ChangeEvent) error {
	return f(event)
}

// Source produces change events by calling back into the handler it was
// built with. ReceiveMessage blocks for at most one message or a short poll
// interval and returns nil when nothing arrived.
type Source interface {
	ReceiveMessage(ctx context.Context) error
	Close(ctx context.Context) error
}
