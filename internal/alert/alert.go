package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/panelsync/panelsync/internal/notify"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager forwards notifications and operational alerts to a Slack
// webhook. Info notifications are not forwarded.
type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
	now          func() time.Time
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, &http.Client{Timeout: 10 * time.Second})
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
		now:          time.Now,
	}
}

func (m *Manager) active() bool {
	return m.enabled && m.slackWebhook != ""
}

// Deliver implements notify.Sink.
func (m *Manager) Deliver(ctx context.Context, n notify.Notification) error {
	if !m.active() || n.Severity == notify.SeverityInfo {
		return nil
	}

	fields := []slackField{
		{Title: "Kind", Value: string(n.Kind), Short: true},
		{Title: "Severity", Value: string(n.Severity), Short: true},
	}
	if n.Table != "" {
		fields = append(fields, slackField{Title: "Table", Value: string(n.Table), Short: true})
	}
	if n.EntityID != "" {
		fields = append(fields, slackField{Title: "Entity", Value: n.EntityID, Short: true})
	}

	ts := n.CreatedAt
	if ts.IsZero() {
		ts = m.now()
	}

	msg := slackMessage{
		Text: fmt.Sprintf("%s *%s*", severityIcon(n.Severity), n.Title),
		Attachments: []slackAttachment{
			{
				Color:  severityColor(n.Severity),
				Title:  n.Title,
				Text:   n.Message,
				Fields: fields,
				Footer: "panelsync notifications",
				Ts:     ts.Unix(),
			},
		},
	}

	return m.sendSlackMessage(ctx, msg)
}

// SendSystemAlert reports a bridge-level problem such as a lost change
// stream.
func (m *Manager) SendSystemAlert(ctx context.Context, title, message string, severity notify.Severity) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: fmt.Sprintf("%s *SYSTEM ALERT: %s*", severityIcon(severity), title),
		Attachments: []slackAttachment{
			{
				Color: severityColor(severity),
				Title: title,
				Fields: []slackField{
					{Title: "Message", Value: message, Short: false},
				},
				Footer: "panelsync system monitor",
				Ts:     m.now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(ctx, msg)
}

func severityColor(s notify.Severity) string {
	switch s {
	case notify.SeverityCritical:
		return "danger"
	case notify.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func severityIcon(s notify.Severity) string {
	switch s {
	case notify.SeverityCritical:
		return "🚨"
	case notify.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func (m *Manager) sendSlackMessage(ctx context.Context, msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
