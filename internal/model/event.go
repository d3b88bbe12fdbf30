package model

import (
	"strings"
	"time"

	"github.com/panelsync/panelsync/internal/apperr"
)

type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ParseAction accepts insert/update/delete in any case.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return a, nil
	default:
		return "", apperr.Validation("model.ParseAction", "unknown action "+s)
	}
}

// ChangeEvent is a single row change observed on the system of record.
// Before is nil for inserts and After is nil for deletes.
type ChangeEvent struct {
	Table      Table     `json:"table"`
	Action     Action    `json:"action"`
	Before     Record    `json:"before,omitempty"`
	After      Record    `json:"after,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EntityID is after.id for inserts and updates, before.id for deletes.
func (e *ChangeEvent) EntityID() string {
	if e.Action == ActionDelete {
		return e.Before.ID()
	}
	return e.After.ID()
}

// Clone returns a deep copy so that handlers never share a record map.
func (e *ChangeEvent) Clone() *ChangeEvent {
	c := *e
	c.Before = e.Before.Clone()
	c.After = e.After.Clone()
	return &c
}
