// Package notify turns change events into user notifications.
//
// Change events pass through a bounded dedup window and a set of
// edge-triggered rules; a separate sweep performs a level check for
// subscriptions that expire soon. Rules rely on per-entity commit order from
// the change feed. Out-of-order delivery for one entity can miss or invent
// an edge and is not corrected here.
//
// Dedup keys combine the entity id with the observation instant, so two
// distinct writes in quick succession are both evaluated even if their
// contents are identical.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/panelsync/panelsync/internal/logging"
	"github.com/panelsync/panelsync/internal/model"
)

const (
	DefaultExpiringWindow = 24 * time.Hour
	deliveryTimeout       = 5 * time.Second
	LastSweepKey          = "notify.last_sweep"
)

// ExpiringSource lists subscribers whose expiry falls in [from, to].
type ExpiringSource interface {
	SubscribersExpiringBetween(ctx context.Context, from, to time.Time) ([]model.Subscriber, error)
}

// SweepLog persists the last sweep time across restarts.
type SweepLog interface {
	SetMetadata(key, value string) error
	GetMetadata(key string) (string, error)
}

type Options struct {
	DedupCapacity  int
	ExpiringWindow time.Duration
	Now            func() time.Time
}

type Engine struct {
	dedup    *DedupSet
	sinks    []Sink
	expiring ExpiringSource
	sweepLog SweepLog
	window   time.Duration
	now      func() time.Time
	logger   *zerolog.Logger

	mu        sync.Mutex
	lastSwept time.Time
}

func NewEngine(expiring ExpiringSource, opts Options, logger *zerolog.Logger) *Engine {
	if opts.ExpiringWindow <= 0 {
		opts.ExpiringWindow = DefaultExpiringWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		dedup:    NewDedupSet(opts.DedupCapacity),
		expiring: expiring,
		window:   opts.ExpiringWindow,
		now:      opts.Now,
		logger:   logging.Component(logger, "notify"),
	}
}

// AddSink registers a destination. Call before the engine receives events.
func (e *Engine) AddSink(s Sink) {
	e.sinks = append(e.sinks, s)
}

// SetSweepLog enables persistence of the last sweep time and loads the
// previously recorded value.
func (e *Engine) SetSweepLog(l SweepLog) {
	e.sweepLog = l
	v, err := l.GetMetadata(LastSweepKey)
	if err != nil {
		return
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		e.mu.Lock()
		e.lastSwept = t
		e.mu.Unlock()
	}
}

// HandleChange evaluates one change event. It never returns an error for a
// malformed event, so one bad row cannot stall the feed.
func (e *Engine) HandleChange(event *model.ChangeEvent) error {
	ev := event.Clone()
	now := e.now()

	observedAt := ev.OccurredAt
	if observedAt.IsZero() {
		observedAt = now
	}
	key := DedupKey(ev.Table, ev.EntityID(), observedAt)
	if !e.dedup.Add(key) {
		e.logger.Debug().Str("key", key).Msg("Dropped duplicate change")
		return nil
	}

	notes, err := Evaluate(ev, now)
	if err != nil {
		e.logger.Warn().Err(err).
			Str("table", string(ev.Table)).
			Str("action", string(ev.Action)).
			Msg("Skipping malformed change")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	for _, n := range notes {
		e.emit(ctx, n)
	}
	return nil
}

// Sweep emits one ExpiringSoon notification when any subscriber expires
// within the window. It is a level check and repeats on every call while the
// condition holds. A read error is logged and yields nothing.
func (e *Engine) Sweep(ctx context.Context) (*Notification, error) {
	now := e.now()
	e.claimSweep(now, 0)
	return e.sweep(ctx, now)
}

// SweepIfDue runs Sweep unless the previous sweep started less than minGap
// ago. The gap check and the claim happen under one lock, so concurrent
// callers inside the gap run at most one sweep. ran reports whether this
// call swept.
func (e *Engine) SweepIfDue(ctx context.Context, minGap time.Duration) (n *Notification, ran bool, err error) {
	now := e.now()
	if !e.claimSweep(now, minGap) {
		return nil, false, nil
	}
	n, err = e.sweep(ctx, now)
	return n, true, err
}

func (e *Engine) sweep(ctx context.Context, now time.Time) (*Notification, error) {
	subs, err := e.expiring.SubscribersExpiringBetween(ctx, now, now.Add(e.window))
	if err != nil {
		e.logger.Error().Err(err).Msg("Expiry sweep failed")
		return nil, err
	}
	if len(subs) == 0 {
		e.logger.Debug().Msg("Expiry sweep found nothing")
		return nil, nil
	}

	usernames := make([]string, 0, len(subs))
	for _, s := range subs {
		usernames = append(usernames, s.Username)
	}

	n := Notification{
		Kind:     KindExpiringSoon,
		Severity: SeverityWarning,
		Title:    "Subscriptions expiring soon",
		Message:  fmt.Sprintf("%d subscription(s) expire within %s", len(subs), e.window),
		Table:    model.TableSubscribers,
		Payload: map[string]any{
			"count":     len(subs),
			"usernames": usernames,
		},
	}
	n = e.emit(ctx, n)
	return &n, nil
}

func (e *Engine) LastSwept() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSwept
}

// claimSweep records at as the last sweep unless one started within minGap
// before it. A zero minGap always claims.
func (e *Engine) claimSweep(at time.Time, minGap time.Duration) bool {
	e.mu.Lock()
	if minGap > 0 && !e.lastSwept.IsZero() && at.Sub(e.lastSwept) < minGap {
		e.mu.Unlock()
		return false
	}
	e.lastSwept = at
	e.mu.Unlock()

	if e.sweepLog != nil {
		if err := e.sweepLog.SetMetadata(LastSweepKey, at.UTC().Format(time.RFC3339Nano)); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to record sweep time")
		}
	}
	return true
}

// emit stamps n and hands it to every sink. A failing sink does not stop
// delivery to the others.
func (e *Engine) emit(ctx context.Context, n Notification) Notification {
	n.ID = uuid.NewString()
	n.CreatedAt = e.now().UTC()

	e.logger.Info().
		Str("kind", string(n.Kind)).
		Str("severity", string(n.Severity)).
		Str("entity_id", n.EntityID).
		Msg(n.Message)

	for _, s := range e.sinks {
		if err := s.Deliver(ctx, n); err != nil {
			e.logger.Warn().Err(err).Str("kind", string(n.Kind)).Msg("Notification sink failed")
		}
	}
	return n
}

// DedupKey identifies one observation of one entity.
func DedupKey(table model.Table, id string, observedAt time.Time) string {
	return string(table) + ":" + id + ":" + strconv.FormatInt(observedAt.UnixMilli(), 10)
}
