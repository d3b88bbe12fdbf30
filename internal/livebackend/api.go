package livebackend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/panelsync/panelsync/internal/apperr"
)

// UserStats is the users block of GET /api/stats.
type UserStats struct {
	Total             int `json:"total"`
	Online            int `json:"online"`
	ActiveConnections int `json:"activeConnections"`
}

type StreamStats struct {
	Total  int `json:"total"`
	Online int `json:"online"`
}

type statsResponse struct {
	Users *UserStats `json:"users"`
}

type UserStatus struct {
	Username    string `json:"username"`
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

// Stats fetches {base}/api/stats. A reply without a users block is treated
// as unusable.
func (c *Client) Stats(ctx context.Context, baseURL string) (UserStats, error) {
	var resp statsResponse
	if err := c.getJSON(ctx, Join(baseURL, "/api/stats"), &resp); err != nil {
		return UserStats{}, err
	}
	if resp.Users == nil {
		return UserStats{}, apperr.Unreachable("livebackend.Stats", fmt.Errorf("stats response has no users block"))
	}
	return *resp.Users, nil
}

func (c *Client) StreamStats(ctx context.Context, baseURL string) (StreamStats, error) {
	var resp StreamStats
	if err := c.getJSON(ctx, Join(baseURL, "/api/streams/stats"), &resp); err != nil {
		return StreamStats{}, err
	}
	return resp, nil
}

func (c *Client) UserStatus(ctx context.Context, baseURL, username string) (UserStatus, error) {
	var resp UserStatus
	if err := c.getJSON(ctx, Join(baseURL, "/api/users", username, "status"), &resp); err != nil {
		return UserStatus{}, err
	}
	if resp.Username == "" {
		resp.Username = username
	}
	return resp, nil
}

// ListIDs returns the ids of every entity the live backend holds at
// endpoint. Bare arrays and {items|data: [...]} envelopes are accepted.
func (c *Client) ListIDs(ctx context.Context, baseURL, endpoint string) ([]string, error) {
	resp, err := c.Do(ctx, http.MethodGet, Join(baseURL, endpoint), nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, apperr.Unreachable("livebackend.ListIDs", fmt.Errorf("%s returned status %d", endpoint, resp.StatusCode))
	}

	var items []map[string]any
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		var envelope struct {
			Items []map[string]any `json:"items"`
			Data  []map[string]any `json:"data"`
		}
		if err := json.Unmarshal(resp.Body, &envelope); err != nil {
			return nil, apperr.Unreachable("livebackend.ListIDs", fmt.Errorf("failed to decode list: %w", err))
		}
		items = envelope.Items
		if items == nil {
			items = envelope.Data
		}
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, ok := item["id"]
		if !ok || id == nil {
			continue
		}
		switch v := id.(type) {
		case float64:
			ids = append(ids, fmt.Sprintf("%d", int64(v)))
		case string:
			ids = append(ids, v)
		default:
			ids = append(ids, fmt.Sprintf("%v", v))
		}
	}
	return ids, nil
}
