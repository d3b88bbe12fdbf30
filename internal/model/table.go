package model

import (
	"strings"

	"github.com/panelsync/panelsync/internal/apperr"
)

type Table string

const (
	TableSubscribers   Table = "subscribers"
	TableStreams       Table = "streams"
	TableServers       Table = "servers"
	TableCategories    Table = "categories"
	TableNotifications Table = "notifications"
	TableUpdates       Table = "updates"
)

// syncEndpoints is the SyncTarget mapping. Tables missing here are known to
// the panel but are not mirrored on the live backend.
var syncEndpoints = map[Table]string{
	TableSubscribers: "/api/users",
	TableStreams:     "/api/streams",
	TableServers:     "/api/servers",
	TableCategories:  "/api/categories",
}

var knownTables = map[Table]bool{
	TableSubscribers:   true,
	TableStreams:       true,
	TableServers:       true,
	TableCategories:    true,
	TableNotifications: true,
	TableUpdates:       true,
}

// ParseTable rejects names outside the enumeration.
func ParseTable(name string) (Table, error) {
	t := Table(strings.ToLower(strings.TrimSpace(name)))
	if !knownTables[t] {
		return "", apperr.Validation("model.ParseTable", "unknown table "+name)
	}
	return t, nil
}

// SyncEndpoint returns the live backend path for the table and whether the
// table is synced at all.
func (t Table) SyncEndpoint() (string, bool) {
	ep, ok := syncEndpoints[t]
	return ep, ok
}

// Synced lists every table that has a live backend endpoint.
func Synced() []Table {
	return []Table{TableSubscribers, TableStreams, TableServers, TableCategories}
}

// HasLifecycle reports whether status transitions on the table produce
// online/offline notifications.
func (t Table) HasLifecycle() bool {
	return t == TableStreams || t == TableServers
}
