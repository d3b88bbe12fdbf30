// Package dispatch mirrors system-of-record changes onto the live backend.
//
// Sync is advisory: the system of record has already committed by the time a
// change reaches the dispatcher, so failures are reported in the Result and
// logged, never raised. There are no built-in retries.
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/panelsync/panelsync/internal/livebackend"
	"github.com/panelsync/panelsync/internal/logging"
	"github.com/panelsync/panelsync/internal/model"
)

const (
	ReasonTableNotSynced = "table not synced"
	ReasonNotConfigured  = "live backend not configured"

	// ReasonReplicationActive marks webhook changes left to the replication
	// feed, which dispatches the same row change itself.
	ReasonReplicationActive = "replication active"
)

// Result describes what happened to one change event.
type Result struct {
	Table      model.Table  `json:"table"`
	Action     model.Action `json:"action"`
	EntityID   string       `json:"entity_id,omitempty"`
	Skipped    bool         `json:"skipped"`
	Reason     string       `json:"reason,omitempty"`
	Success    bool         `json:"success"`
	StatusCode int          `json:"status_code,omitempty"`
	Detail     string       `json:"detail,omitempty"`
	Body       []byte       `json:"-"`
}

type Dispatcher struct {
	client *livebackend.Client
	logger *zerolog.Logger
}

func New(client *livebackend.Client, logger *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		logger: logging.Component(logger, "dispatch"),
	}
}

// Dispatch sends one change to the live backend at baseURL.
func (d *Dispatcher) Dispatch(ctx context.Context, event *model.ChangeEvent, baseURL string) Result {
	res := Result{Table: event.Table, Action: event.Action}

	endpoint, ok := event.Table.SyncEndpoint()
	if !ok {
		res.Skipped = true
		res.Reason = ReasonTableNotSynced
		return res
	}
	if baseURL == "" {
		res.Skipped = true
		res.Reason = ReasonNotConfigured
		return res
	}

	res.EntityID = event.EntityID()

	var (
		method string
		target string
		body   []byte
	)

	switch event.Action {
	case model.ActionInsert:
		method = http.MethodPost
		target = livebackend.Join(baseURL, endpoint)
	case model.ActionUpdate:
		method = http.MethodPut
	case model.ActionDelete:
		method = http.MethodDelete
	default:
		res.Detail = "unsupported action " + string(event.Action)
		return d.finish(res)
	}

	if event.Action != model.ActionInsert {
		if res.EntityID == "" {
			res.Detail = "record has no id"
			return d.finish(res)
		}
		target = livebackend.Join(baseURL, endpoint, res.EntityID)
	}

	if event.Action != model.ActionDelete {
		if event.After == nil {
			res.Detail = "change has no after image"
			return d.finish(res)
		}
		encoded, err := json.Marshal(event.After)
		if err != nil {
			res.Detail = "failed to encode record: " + err.Error()
			return d.finish(res)
		}
		body = encoded
	}

	resp, err := d.client.Do(ctx, method, target, body)
	if err != nil {
		res.Detail = err.Error()
		return d.finish(res)
	}

	res.StatusCode = resp.StatusCode
	res.Body = resp.Body
	res.Success = resp.OK()
	if !res.Success {
		res.Detail = string(resp.Body)
	}
	return d.finish(res)
}

func (d *Dispatcher) finish(res Result) Result {
	if res.Success {
		d.logger.Debug().
			Str("table", string(res.Table)).
			Str("action", string(res.Action)).
			Str("id", res.EntityID).
			Int("status", res.StatusCode).
			Msg("Synced change to live backend")
		return res
	}
	d.logger.Warn().
		Str("table", string(res.Table)).
		Str("action", string(res.Action)).
		Str("id", res.EntityID).
		Int("status", res.StatusCode).
		Str("detail", res.Detail).
		Msg("Live backend sync failed")
	return res
}
