// Package fallback answers "current state" reads. The live backend is asked
// first; when it is not configured, times out, or replies with a non-2xx
// status, the same answer is recomputed from the system of record. A single
// answer never mixes fields from both sources.
package fallback

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/panelsync/panelsync/internal/livebackend"
	"github.com/panelsync/panelsync/internal/logging"
	"github.com/panelsync/panelsync/internal/model"
)

type Source string

const (
	SourceLive  Source = "live"
	SourceStore Source = "store"
)

type AggregateState struct {
	TotalUsers        int    `json:"totalUsers"`
	OnlineUsers       int    `json:"onlineUsers"`
	ActiveConnections int    `json:"activeConnections"`
	Source            Source `json:"source"`
}

type UserStatus struct {
	Username    string       `json:"username"`
	Status      model.Status `json:"status"`
	Connections int          `json:"connections"`
	Source      Source       `json:"source"`
}

type StreamCounts struct {
	Total  int    `json:"total"`
	Online int    `json:"online"`
	Source Source `json:"source"`
}

// Store is the system-of-record side of every read.
type Store interface {
	Subscribers(ctx context.Context) ([]model.Subscriber, error)
	SubscriberByUsername(ctx context.Context, username string) (model.Subscriber, error)
	StreamCounts(ctx context.Context) (total, online int, err error)
}

type Aggregator struct {
	client  *livebackend.Client
	store   Store
	baseURL string
	now     func() time.Time
	logger  *zerolog.Logger
}

// New builds an aggregator. An empty baseURL disables the live path.
func New(client *livebackend.Client, store Store, baseURL string, logger *zerolog.Logger) *Aggregator {
	return &Aggregator{
		client:  client,
		store:   store,
		baseURL: baseURL,
		now:     time.Now,
		logger:  logging.Component(logger, "fallback"),
	}
}

// WithClock replaces the time source used for expiry checks.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// AggregateState returns user totals. Live backend errors never reach the
// caller; store errors do.
func (a *Aggregator) AggregateState(ctx context.Context) (AggregateState, error) {
	if a.baseURL != "" {
		stats, err := a.client.Stats(ctx, a.baseURL)
		if err == nil {
			return AggregateState{
				TotalUsers:        stats.Total,
				OnlineUsers:       stats.Online,
				ActiveConnections: stats.ActiveConnections,
				Source:            SourceLive,
			}, nil
		}
		a.logger.Warn().Err(err).Msg("Live stats unavailable, recomputing from store")
	}

	subs, err := a.store.Subscribers(ctx)
	if err != nil {
		return AggregateState{}, err
	}
	return Recompute(subs, a.now()), nil
}

// UserStatus returns the online status of one subscriber.
func (a *Aggregator) UserStatus(ctx context.Context, username string) (UserStatus, error) {
	if a.baseURL != "" {
		st, err := a.client.UserStatus(ctx, a.baseURL, username)
		if err == nil {
			return UserStatus{
				Username:    st.Username,
				Status:      model.ParseStatus(st.Status),
				Connections: st.Connections,
				Source:      SourceLive,
			}, nil
		}
		a.logger.Warn().Err(err).Str("username", username).Msg("Live user status unavailable, reading store")
	}

	sub, err := a.store.SubscriberByUsername(ctx, username)
	if err != nil {
		return UserStatus{}, err
	}
	return UserStatus{
		Username:    sub.Username,
		Status:      sub.EffectiveStatus(a.now()),
		Connections: int(sub.Connections),
		Source:      SourceStore,
	}, nil
}

func (a *Aggregator) StreamCounts(ctx context.Context) (StreamCounts, error) {
	if a.baseURL != "" {
		st, err := a.client.StreamStats(ctx, a.baseURL)
		if err == nil {
			return StreamCounts{Total: st.Total, Online: st.Online, Source: SourceLive}, nil
		}
		a.logger.Warn().Err(err).Msg("Live stream stats unavailable, recomputing from store")
	}

	total, online, err := a.store.StreamCounts(ctx)
	if err != nil {
		return StreamCounts{}, err
	}
	return StreamCounts{Total: total, Online: online, Source: SourceStore}, nil
}

// Recompute derives the aggregate from system-of-record rows: total is the
// row count, online counts effective Online status, active connections sum
// every row.
func Recompute(subs []model.Subscriber, now time.Time) AggregateState {
	state := AggregateState{Source: SourceStore, TotalUsers: len(subs)}
	for _, s := range subs {
		if s.EffectiveStatus(now) == model.StatusOnline {
			state.OnlineUsers++
		}
		state.ActiveConnections += int(s.Connections)
	}
	return state
}
