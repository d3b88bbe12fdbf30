package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/panelsync/panelsync/internal/livebackend"
	"github.com/panelsync/panelsync/internal/model"
)

// BatchResult summarises a snapshot sync or a cleanup pass.
type BatchResult struct {
	Table      model.Table `json:"table"`
	Skipped    bool        `json:"skipped"`
	Reason     string      `json:"reason,omitempty"`
	Success    bool        `json:"success"`
	StatusCode int         `json:"status_code,omitempty"`
	Pushed     int         `json:"pushed"`
	Deleted    []string    `json:"deleted,omitempty"`
	Errors     []string    `json:"errors,omitempty"`
}

// Snapshotter reads the full current contents of a table from the system of
// record.
type Snapshotter interface {
	Snapshot(ctx context.Context, table model.Table) ([]model.Record, error)
}

type snapshotBody struct {
	Items []model.Record `json:"items"`
}

// SyncAll pushes a full snapshot to {base}{endpoint}/sync, letting the live
// backend upsert every item.
func (d *Dispatcher) SyncAll(ctx context.Context, table model.Table, records []model.Record, baseURL string) BatchResult {
	res := BatchResult{Table: table}
	endpoint, ok := d.batchTarget(&res, baseURL)
	if !ok {
		return res
	}

	if records == nil {
		records = []model.Record{}
	}
	body, err := json.Marshal(snapshotBody{Items: records})
	if err != nil {
		res.Errors = append(res.Errors, "failed to encode snapshot: "+err.Error())
		return res
	}

	resp, err := d.client.Do(ctx, http.MethodPost, livebackend.Join(baseURL, endpoint, "sync"), body)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		d.logger.Warn().Err(err).Str("table", string(table)).Msg("Snapshot sync failed")
		return res
	}

	res.StatusCode = resp.StatusCode
	res.Success = resp.OK()
	if res.Success {
		res.Pushed = len(records)
	} else {
		res.Errors = append(res.Errors, fmt.Sprintf("live backend returned %d: %s", resp.StatusCode, resp.Body))
		d.logger.Warn().Str("table", string(table)).Int("status", resp.StatusCode).Msg("Snapshot sync rejected")
	}
	return res
}

// Cleanup deletes every entity the live backend holds at the table's
// endpoint whose id is not in localIDs. Individual delete failures are
// collected; the pass continues.
func (d *Dispatcher) Cleanup(ctx context.Context, table model.Table, localIDs []string, baseURL string) BatchResult {
	res := BatchResult{Table: table}
	endpoint, ok := d.batchTarget(&res, baseURL)
	if !ok {
		return res
	}

	remote, err := d.client.ListIDs(ctx, baseURL, endpoint)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		d.logger.Warn().Err(err).Str("table", string(table)).Msg("Cleanup could not list live backend entities")
		return res
	}

	stale := Difference(remote, localIDs)
	for _, id := range stale {
		resp, err := d.client.Do(ctx, http.MethodDelete, livebackend.Join(baseURL, endpoint, id), nil)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("delete %s: %v", id, err))
		case !resp.OK():
			res.Errors = append(res.Errors, fmt.Sprintf("delete %s: status %d", id, resp.StatusCode))
		default:
			res.Deleted = append(res.Deleted, id)
		}
	}

	res.Success = len(res.Errors) == 0
	d.logger.Info().
		Str("table", string(table)).
		Int("remote", len(remote)).
		Int("deleted", len(res.Deleted)).
		Int("failed", len(res.Errors)).
		Msg("Cleanup finished")
	return res
}

// Reconcile reads the table from the system of record, pushes the snapshot
// and removes entities that no longer exist locally. A snapshot read error is
// returned because the system of record is authoritative.
func (d *Dispatcher) Reconcile(ctx context.Context, snap Snapshotter, table model.Table, baseURL string) ([]BatchResult, error) {
	if _, ok := table.SyncEndpoint(); !ok {
		return []BatchResult{{Table: table, Skipped: true, Reason: ReasonTableNotSynced}}, nil
	}

	records, err := snap.Snapshot(ctx, table)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		if id := r.ID(); id != "" {
			ids = append(ids, id)
		}
	}

	pushed := d.SyncAll(ctx, table, records, baseURL)
	if pushed.Skipped || !pushed.Success {
		return []BatchResult{pushed}, nil
	}
	return []BatchResult{pushed, d.Cleanup(ctx, table, ids, baseURL)}, nil
}

func (d *Dispatcher) batchTarget(res *BatchResult, baseURL string) (string, bool) {
	endpoint, ok := res.Table.SyncEndpoint()
	if !ok {
		res.Skipped = true
		res.Reason = ReasonTableNotSynced
		return "", false
	}
	if baseURL == "" {
		res.Skipped = true
		res.Reason = ReasonNotConfigured
		return "", false
	}
	return endpoint, true
}

// Difference returns the sorted ids in remote that are absent from local.
func Difference(remote, local []string) []string {
	keep := make(map[string]struct{}, len(local))
	for _, id := range local {
		keep[id] = struct{}{}
	}

	seen := make(map[string]struct{}, len(remote))
	var out []string
	for _, id := range remote {
		if _, ok := keep[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
