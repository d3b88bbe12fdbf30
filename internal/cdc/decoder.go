package cdc

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/panelsync/panelsync/internal/model"
)

// pgoutput tuple column kinds and the old-tuple marker sent for REPLICA
// IDENTITY FULL.
const (
	columnNull   = 'n'
	columnText   = 't'
	oldTupleFull = 'O'
)

// walDecoder turns a pgoutput message stream into change events. It keeps
// the relation cache and the timestamp of the open transaction, so it must
// see every message in order.
type walDecoder struct {
	relations map[uint32]*pglogrepl.RelationMessage
	txTime    time.Time
	now       func() time.Time
}

func newWALDecoder(now func() time.Time) *walDecoder {
	return &walDecoder{
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		now:       now,
	}
}

// decode returns the event carried by msg, or nil for bookkeeping messages
// and rows of tables the bridge does not model.
func (d *walDecoder) decode(msg pglogrepl.Message) (*model.ChangeEvent, error) {
	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		d.relations[m.RelationID] = m
		return nil, nil
	case *pglogrepl.BeginMessage:
		d.txTime = m.CommitTime
		return nil, nil
	case *pglogrepl.CommitMessage:
		d.txTime = time.Time{}
		return nil, nil
	case *pglogrepl.InsertMessage:
		return d.row(m.RelationID, model.ActionInsert, nil, m.Tuple)
	case *pglogrepl.UpdateMessage:
		// Only a full old tuple is a before image; the key-only form is not.
		var before *pglogrepl.TupleData
		if m.OldTupleType == oldTupleFull {
			before = m.OldTuple
		}
		return d.row(m.RelationID, model.ActionUpdate, before, m.NewTuple)
	case *pglogrepl.DeleteMessage:
		return d.row(m.RelationID, model.ActionDelete, m.OldTuple, nil)
	default:
		return nil, nil
	}
}

func (d *walDecoder) row(relationID uint32, action model.Action, before, after *pglogrepl.TupleData) (*model.ChangeEvent, error) {
	rel, ok := d.relations[relationID]
	if !ok {
		return nil, fmt.Errorf("change for relation %d arrived before its relation message", relationID)
	}

	table, err := model.ParseTable(rel.RelationName)
	if err != nil {
		return nil, nil
	}

	at := d.txTime
	if at.IsZero() {
		at = d.now()
	}

	return &model.ChangeEvent{
		Table:      table,
		Action:     action,
		Before:     columnsOf(rel, before),
		After:      columnsOf(rel, after),
		OccurredAt: at.UTC(),
	}, nil
}

// columnsOf keeps values in Postgres text form; model.Record accessors parse
// them on demand. Unchanged TOAST columns are left out.
func columnsOf(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) model.Record {
	if tuple == nil {
		return nil
	}

	rec := make(model.Record, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case columnNull:
			rec[name] = nil
		case columnText:
			rec[name] = string(col.Data)
		}
	}
	return rec
}
