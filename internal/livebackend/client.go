// Package livebackend talks to the Docker-hosted live backend over its REST
// API. Every call is bounded by the client timeout and transport failures
// are reported as apperr.KindUnreachable.
package livebackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/panelsync/panelsync/internal/apperr"
)

const DefaultTimeout = 4 * time.Second

// maxBodySize caps how much of a live backend response is buffered.
const maxBodySize = 8 << 20

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	httpClient HTTPClient
	timeout    time.Duration
}

// Response is a live backend reply, body fully read.
type Response struct {
	StatusCode int
	Body       []byte
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

func NewWithClient(timeout time.Duration, client HTTPClient) *Client {
	c := New(timeout)
	c.httpClient = client
	return c
}

func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Do sends body (may be nil) to rawURL. Any response, 2xx or not, is returned
// without error; only transport failures produce an error.
func (c *Client) Do(ctx context.Context, method, rawURL string, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "livebackend.Do", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Unreachable("livebackend.Do", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, apperr.Unreachable("livebackend.Do", fmt.Errorf("failed to read response: %w", err))
	}

	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// getJSON performs a GET and decodes a 2xx body into out. Non-2xx replies
// count as unreachable.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return apperr.Unreachable("livebackend.get", fmt.Errorf("%s returned status %d", rawURL, resp.StatusCode))
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return apperr.Unreachable("livebackend.get", fmt.Errorf("failed to decode %s: %w", rawURL, err))
	}
	return nil
}

// Join appends path segments to base, escaping each segment.
func Join(base, path string, segments ...string) string {
	u := strings.TrimRight(base, "/") + path
	for _, s := range segments {
		u += "/" + url.PathEscape(s)
	}
	return u
}
