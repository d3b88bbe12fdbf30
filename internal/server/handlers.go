package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/panelsync/panelsync/internal/apperr"
	"github.com/panelsync/panelsync/internal/dispatch"
	"github.com/panelsync/panelsync/internal/livebackend"
	"github.com/panelsync/panelsync/internal/logging"
	"github.com/panelsync/panelsync/internal/model"
	"github.com/panelsync/panelsync/internal/notify"
	"github.com/panelsync/panelsync/internal/server/response"
)

type proxyRoute struct {
	method string
	path   string
	withID bool
}

var proxyRoutes = map[string]proxyRoute{
	"sync-streams":    {method: http.MethodPost, path: "/api/streams/sync"},
	"sync-stream":     {method: http.MethodPost, path: "/api/streams"},
	"delete-stream":   {method: http.MethodDelete, path: "/api/streams", withID: true},
	"cleanup-streams": {method: http.MethodPost, path: "/api/streams/cleanup"},
	"sync-users":      {method: http.MethodPost, path: "/api/users/sync"},
	"health":          {method: http.MethodGet, path: "/api/health"},
}

type syncProxyRequest struct {
	Action     string          `json:"action"`
	BackendURL string          `json:"backendUrl"`
	Data       json.RawMessage `json:"data"`
}

// handleSyncProxy forwards a named action to the live backend and relays the
// reply verbatim.
func (s *Server) handleSyncProxy(w http.ResponseWriter, r *http.Request) {
	var req syncProxyRequest
	if err := decodeBody(w, r, &req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	if strings.TrimSpace(req.BackendURL) == "" {
		response.BadRequest(w, "backendUrl is required")
		return
	}
	if u, err := url.Parse(req.BackendURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		response.BadRequest(w, "backendUrl must be an http(s) URL")
		return
	}

	route, ok := proxyRoutes[req.Action]
	if !ok {
		response.BadRequest(w, fmt.Sprintf("unknown action %q", req.Action))
		return
	}

	var segments []string
	if route.withID {
		var data model.Record
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &data); err != nil {
				response.BadRequest(w, "data must be an object")
				return
			}
		}
		id := data.ID()
		if id == "" {
			response.BadRequest(w, "data.id is required for "+req.Action)
			return
		}
		segments = append(segments, id)
	}

	var body []byte
	if route.method == http.MethodPost && len(req.Data) > 0 && string(req.Data) != "null" {
		body = req.Data
	}

	target := livebackend.Join(req.BackendURL, route.path, segments...)
	resp, err := s.deps.Client.Do(r.Context(), route.method, target, body)
	if err != nil {
		logging.FromContext(r.Context()).Warn().Err(err).Str("action", req.Action).Msg("Sync proxy request failed")
		response.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.Raw(w, resp.StatusCode, resp.Body)
}

type tableSyncRequest struct {
	Table     string       `json:"table"`
	Action    string       `json:"action"`
	Data      model.Record `json:"data"`
	OldData   model.Record `json:"oldData,omitempty"`
	DockerURL string       `json:"dockerUrl"`
}

type tableNotSynced struct {
	Message string `json:"message"`
	Table   string `json:"table"`
}

// handleTableSync dispatches one row change behind any earlier change to the
// same entity. Sync failures are reported in the body with a 200 because the
// write to the system of record has already succeeded.
func (s *Server) handleTableSync(w http.ResponseWriter, r *http.Request) {
	var req tableSyncRequest
	if err := decodeBody(w, r, &req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	action, err := model.ParseAction(req.Action)
	if err != nil {
		response.FromError(w, err)
		return
	}
	table, err := model.ParseTable(req.Table)
	if err != nil {
		response.FromError(w, err)
		return
	}

	if _, ok := table.SyncEndpoint(); !ok {
		response.OK(w, tableNotSynced{Message: "Table not synced", Table: string(table)})
		return
	}

	event := &model.ChangeEvent{
		Table:      table,
		Action:     action,
		OccurredAt: s.now().UTC(),
	}
	switch action {
	case model.ActionInsert:
		event.After = req.Data
	case model.ActionUpdate:
		event.Before = req.OldData
		event.After = req.Data
	case model.ActionDelete:
		event.Before = req.Data
	}

	base := strings.TrimRight(strings.TrimSpace(req.DockerURL), "/")
	if base == "" {
		base = s.config.LiveBaseURL
	}

	if s.config.ReplicationActive {
		response.OK(w, dispatch.Result{
			Table:    table,
			Action:   action,
			EntityID: event.EntityID(),
			Skipped:  true,
			Reason:   dispatch.ReasonReplicationActive,
		})
		return
	}

	res, err := s.deps.Sync.Submit(r.Context(), event, base)
	if err != nil {
		logging.FromContext(r.Context()).Warn().Err(err).
			Str("table", string(table)).
			Str("id", event.EntityID()).
			Msg("Table sync not dispatched")
		response.Error(w, http.StatusServiceUnavailable, "sync unavailable: "+err.Error())
		return
	}

	if s.deps.Feed != nil && !s.deps.Feed.Publish(event) {
		logging.FromContext(r.Context()).Warn().
			Str("table", string(table)).
			Msg("Change feed full; notification rules skipped this change")
	}

	response.OK(w, res)
}

type registerUpdateRequest struct {
	Version   string `json:"version"`
	Changelog string `json:"changelog"`
	Secret    string `json:"secret"`
}

type markAppliedRequest struct {
	UpdateID string `json:"updateId"`
}

type successBody struct {
	Success bool `json:"success"`
	Update  any  `json:"update,omitempty"`
}

func (s *Server) handleRegisterUpdate(w http.ResponseWriter, r *http.Request) {
	var req registerUpdateRequest
	if err := decodeBody(w, r, &req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	rec, err := s.deps.Updates.Register(r.Context(), req.Version, req.Changelog, req.Secret)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.OK(w, successBody{Success: true, Update: rec})
}

func (s *Server) handleCheckUpdate(w http.ResponseWriter, r *http.Request) {
	check, err := s.deps.Updates.Check(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.OK(w, check)
}

func (s *Server) handleMarkApplied(w http.ResponseWriter, r *http.Request) {
	var req markAppliedRequest
	if err := decodeBody(w, r, &req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	if _, err := s.deps.Updates.MarkApplied(r.Context(), req.UpdateID); err != nil {
		response.FromError(w, err)
		return
	}
	response.OK(w, successBody{Success: true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.State.AggregateState(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.OK(w, state)
}

func (s *Server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if username == "" {
		response.BadRequest(w, "username is required")
		return
	}

	status, err := s.deps.State.UserStatus(r.Context(), username)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.OK(w, status)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit := defaultNotificationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	notes, err := s.deps.Inbox.Notifications(limit)
	if err != nil {
		response.FromError(w, apperr.Store("server.notifications", err))
		return
	}
	if notes == nil {
		notes = []notify.Notification{}
	}
	response.OK(w, map[string]any{"notifications": notes})
}

type sweepBody struct {
	Ran          bool                 `json:"ran"`
	Notification *notify.Notification `json:"notification"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, ran, err := s.deps.Sweeper.SweepIfDue(r.Context(), s.config.SweepMinGap)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.OK(w, sweepBody{Ran: ran, Notification: n})
}

type healthBody struct {
	Status                string `json:"status"`
	LiveBackendConfigured bool   `json:"liveBackendConfigured"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response.OK(w, healthBody{Status: "ok", LiveBackendConfigured: s.config.LiveBaseURL != ""})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body too large")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
