package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/panelsync/panelsync/internal/model"
)

// Evaluate applies the edge-triggered rules to one change observed at now.
// Rules compare the before and after images only: time passing without a
// write never produces a notification here.
func Evaluate(event *model.ChangeEvent, now time.Time) ([]Notification, error) {
	switch {
	case event.Table == model.TableSubscribers:
		return evaluateSubscriber(event, now)
	case event.Table.HasLifecycle():
		return evaluateLifecycle(event), nil
	default:
		return nil, nil
	}
}

func evaluateSubscriber(event *model.ChangeEvent, now time.Time) ([]Notification, error) {
	if event.Action != model.ActionUpdate {
		return nil, nil
	}
	if event.Before == nil || event.After == nil {
		return nil, fmt.Errorf("subscriber update %s is missing a before or after image", event.EntityID())
	}

	before, err := model.SubscriberFromRecord(event.Before)
	if err != nil {
		return nil, fmt.Errorf("decode before image: %w", err)
	}
	after, err := model.SubscriberFromRecord(event.After)
	if err != nil {
		return nil, fmt.Errorf("decode after image: %w", err)
	}

	var out []Notification

	if after.AtConnectionLimit() && !before.AtConnectionLimit() {
		out = append(out, Notification{
			Kind:     KindConnectionLimitReached,
			Severity: SeverityWarning,
			Title:    "Connection limit reached",
			Message: fmt.Sprintf("%s is using %d of %d allowed connections",
				after.Username, after.Connections, after.MaxConnections),
			Table:    model.TableSubscribers,
			EntityID: after.ID,
			Payload: map[string]any{
				"username":        after.Username,
				"connections":     after.Connections,
				"max_connections": after.MaxConnections,
			},
		})
	}

	if !after.ExpiryDate.After(now) && before.ExpiryDate.After(now) {
		out = append(out, Notification{
			Kind:     KindSubscriptionExpired,
			Severity: SeverityCritical,
			Title:    "Subscription expired",
			Message:  fmt.Sprintf("Subscription for %s expired on %s", after.Username, after.ExpiryDate.Format(time.RFC3339)),
			Table:    model.TableSubscribers,
			EntityID: after.ID,
			Payload: map[string]any{
				"username":    after.Username,
				"expiry_date": after.ExpiryDate,
			},
		})
	}

	return out, nil
}

func evaluateLifecycle(event *model.ChangeEvent) []Notification {
	noun := entityNoun(event.Table)

	switch event.Action {
	case model.ActionInsert:
		name := displayName(event.After)
		return []Notification{{
			Kind:     KindEntityCreated,
			Severity: SeverityInfo,
			Title:    fmt.Sprintf("New %s", noun),
			Message:  fmt.Sprintf("%s %s was created", capitalize(noun), name),
			Table:    event.Table,
			EntityID: event.EntityID(),
			Payload:  map[string]any{"name": name},
		}}

	case model.ActionUpdate:
		if event.Before == nil || event.After == nil {
			return nil
		}
		was := model.ParseStatus(event.Before.String("status"))
		is := model.ParseStatus(event.After.String("status"))
		if was == is {
			return nil
		}
		name := displayName(event.After)

		if is == model.StatusOnline {
			return []Notification{{
				Kind:     KindEntityWentOnline,
				Severity: SeverityInfo,
				Title:    fmt.Sprintf("%s online", capitalize(noun)),
				Message:  fmt.Sprintf("%s %s is back online", capitalize(noun), name),
				Table:    event.Table,
				EntityID: event.EntityID(),
				Payload:  map[string]any{"name": name},
			}}
		}
		if was == model.StatusOnline {
			severity := SeverityWarning
			if event.Table == model.TableServers {
				severity = SeverityCritical
			}
			return []Notification{{
				Kind:     KindEntityWentOffline,
				Severity: severity,
				Title:    fmt.Sprintf("%s offline", capitalize(noun)),
				Message:  fmt.Sprintf("%s %s went offline", capitalize(noun), name),
				Table:    event.Table,
				EntityID: event.EntityID(),
				Payload:  map[string]any{"name": name},
			}}
		}
	}
	return nil
}

func entityNoun(t model.Table) string {
	switch t {
	case model.TableStreams:
		return "stream"
	case model.TableServers:
		return "server"
	default:
		return string(t)
	}
}

func displayName(r model.Record) string {
	if name := r.String("name"); name != "" {
		return name
	}
	return "#" + r.ID()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
