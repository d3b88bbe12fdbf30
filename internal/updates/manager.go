// Package updates tracks panel releases: which release is currently
// available and when it was applied. It does not perform updates itself.
package updates

import (
	"context"
	"crypto/subtle"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/panelsync/panelsync/internal/apperr"
	"github.com/panelsync/panelsync/internal/logging"
)

type Record struct {
	ID          string     `json:"id"`
	Version     string     `json:"version"`
	Changelog   string     `json:"changelog,omitempty"`
	IsAvailable bool       `json:"is_available"`
	ReleasedAt  time.Time  `json:"released_at"`
	AppliedAt   *time.Time `json:"applied_at"`
}

// Pending reports whether the record is available and not yet applied.
func (r Record) Pending() bool {
	return r.IsAvailable && r.AppliedAt == nil
}

// Store persists update records. Publish must clear IsAvailable on every
// existing record and insert rec in one atomic step.
type Store interface {
	Publish(ctx context.Context, rec Record) error
	Records(ctx context.Context) ([]Record, error)
	// Apply sets AppliedAt and clears IsAvailable. Applying an applied record
	// leaves it unchanged. Unknown ids yield an apperr.KindNotFound error.
	Apply(ctx context.Context, id string, at time.Time) (Record, error)
}

// Check is the answer to "is an update available".
type Check struct {
	HasUpdate bool    `json:"hasUpdate"`
	Update    *Record `json:"update"`
}

type Manager struct {
	store  Store
	secret string
	now    func() time.Time
	logger *zerolog.Logger
}

func NewManager(store Store, secret string, logger *zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		secret: secret,
		now:    time.Now,
		logger: logging.Component(logger, "updates"),
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Register publishes a new available release after checking secret. A
// mismatch, or an unset configured secret, fails with Unauthorized and
// leaves the store untouched.
func (m *Manager) Register(ctx context.Context, version, changelog, secret string) (Record, error) {
	if !m.authorized(secret) {
		m.logger.Warn().Str("version", version).Msg("Rejected update registration with bad secret")
		return Record{}, apperr.Unauthorized("updates.Register")
	}

	version = strings.TrimSpace(version)
	if version == "" {
		return Record{}, apperr.Validation("updates.Register", "version is required")
	}

	rec := Record{
		ID:          uuid.NewString(),
		Version:     version,
		Changelog:   changelog,
		IsAvailable: true,
		ReleasedAt:  m.now().UTC(),
	}
	if err := m.store.Publish(ctx, rec); err != nil {
		return Record{}, apperr.Store("updates.Register", err)
	}

	m.logger.Info().Str("id", rec.ID).Str("version", rec.Version).Msg("Registered available update")
	return rec, nil
}

// Check returns the most recent pending release. It has no side effects.
func (m *Manager) Check(ctx context.Context) (Check, error) {
	records, err := m.store.Records(ctx)
	if err != nil {
		return Check{}, apperr.Store("updates.Check", err)
	}

	var latest *Record
	for i := range records {
		r := records[i]
		if !r.Pending() {
			continue
		}
		if latest == nil || r.ReleasedAt.After(latest.ReleasedAt) {
			latest = &r
		}
	}
	return Check{HasUpdate: latest != nil, Update: latest}, nil
}

// MarkApplied records that the release id was installed. It is idempotent.
func (m *Manager) MarkApplied(ctx context.Context, id string) (Record, error) {
	if strings.TrimSpace(id) == "" {
		return Record{}, apperr.Validation("updates.MarkApplied", "updateId is required")
	}

	rec, err := m.store.Apply(ctx, id, m.now().UTC())
	if err != nil {
		if apperr.KindOf(err) != "" {
			return Record{}, err
		}
		return Record{}, apperr.Store("updates.MarkApplied", err)
	}

	m.logger.Info().Str("id", rec.ID).Str("version", rec.Version).Msg("Update marked applied")
	return rec, nil
}

// History lists every record, newest release first.
func (m *Manager) History(ctx context.Context) ([]Record, error) {
	records, err := m.store.Records(ctx)
	if err != nil {
		return nil, apperr.Store("updates.History", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ReleasedAt.After(records[j].ReleasedAt)
	})
	return records, nil
}

func (m *Manager) authorized(secret string) bool {
	if m.secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(m.secret)) == 1
}
