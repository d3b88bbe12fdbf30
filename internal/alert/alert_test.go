package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/panelsync/panelsync/internal/model"
	"github.com/panelsync/panelsync/internal/notify"
)

type mockHTTPClient struct {
	statusCode int
	err        error
	lastReq    *http.Request
	lastBody   []byte
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	if req.Body != nil {
		m.lastBody, _ = io.ReadAll(req.Body)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       http.NoBody,
	}, nil
}

func offlineServer() notify.Notification {
	return notify.Notification{
		ID:       "n1",
		Kind:     notify.KindEntityWentOffline,
		Severity: notify.SeverityCritical,
		Title:    "Server offline",
		Message:  "Server edge-1 went offline",
		Table:    model.TableServers,
		EntityID: "12",
	}
}

func TestNewManager(t *testing.T) {
	m := NewManager(true, "https://hooks.slack.com/test")
	if m == nil {
		t.Fatal("expected non-nil manager")
	}
	if !m.enabled {
		t.Error("expected enabled to be true")
	}
	if m.slackWebhook != "https://hooks.slack.com/test" {
		t.Error("expected slack webhook to be set")
	}
}

func TestDeliver_Disabled(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(false, "https://hooks.slack.com/test", mock)
	if err := m.Deliver(context.Background(), offlineServer()); err != nil {
		t.Errorf("expected nil error when disabled, got: %v", err)
	}
	if mock.lastReq != nil {
		t.Error("expected no request when disabled")
	}
}

func TestDeliver_EmptyWebhook(t *testing.T) {
	m := NewManager(true, "")
	if err := m.Deliver(context.Background(), offlineServer()); err != nil {
		t.Errorf("expected nil error with empty webhook, got: %v", err)
	}
}

func TestDeliver_SkipsInfo(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	n := offlineServer()
	n.Severity = notify.SeverityInfo
	if err := m.Deliver(context.Background(), n); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if mock.lastReq != nil {
		t.Error("expected info notification not to be forwarded")
	}
}

func TestDeliver_Success(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.Deliver(context.Background(), offlineServer()); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if mock.lastReq == nil {
		t.Fatal("expected request to be made")
	}
	if mock.lastReq.Method != http.MethodPost {
		t.Errorf("expected POST method, got: %s", mock.lastReq.Method)
	}
	if mock.lastReq.Header.Get("Content-Type") != "application/json" {
		t.Error("expected Content-Type to be application/json")
	}

	var msg slackMessage
	if err := json.Unmarshal(mock.lastBody, &msg); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Color != "danger" {
		t.Errorf("expected one danger attachment, got %+v", msg.Attachments)
	}
	if msg.Attachments[0].Text != "Server edge-1 went offline" {
		t.Errorf("unexpected attachment text: %s", msg.Attachments[0].Text)
	}
}

func TestDeliver_SlackError(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusInternalServerError}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.Deliver(context.Background(), offlineServer()); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestDeliver_TransportError(t *testing.T) {
	mock := &mockHTTPClient{err: errors.New("connection refused")}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.Deliver(context.Background(), offlineServer()); err == nil {
		t.Error("expected error when transport fails")
	}
}

func TestSendSystemAlert(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.SendSystemAlert(context.Background(), "Change stream lost", "replication slot dropped", notify.SeverityWarning); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}

	var msg slackMessage
	if err := json.Unmarshal(mock.lastBody, &msg); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if msg.Attachments[0].Color != "warning" {
		t.Errorf("expected warning color, got %s", msg.Attachments[0].Color)
	}
}
