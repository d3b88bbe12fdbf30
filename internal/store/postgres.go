// Package store reads the panel's relational system of record.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/panelsync/panelsync/internal/apperr"
	"github.com/panelsync/panelsync/internal/model"
)

const subscriberColumns = `id::text, username, connections, max_connections, expiry_date, status`

// Querier is the subset of pgxpool.Pool used here.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	db      Querier
	pool    *pgxpool.Pool
	timeout time.Duration
}

func Open(ctx context.Context, connString string, timeout time.Duration) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	p := New(pool, timeout)
	p.pool = pool
	return p, nil
}

func New(db Querier, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Postgres{db: db, timeout: timeout}
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) Subscribers(ctx context.Context) ([]model.Subscriber, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.db.Query(ctx, `SELECT `+subscriberColumns+` FROM subscribers ORDER BY id`)
	if err != nil {
		return nil, apperr.Store("store.Subscribers", err)
	}
	subs, err := collectSubscribers(rows)
	if err != nil {
		return nil, apperr.Store("store.Subscribers", err)
	}
	return subs, nil
}

func (p *Postgres) SubscriberByUsername(ctx context.Context, username string) (model.Subscriber, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	row := p.db.QueryRow(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE username = $1`, username)
	s, err := scanSubscriber(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Subscriber{}, apperr.NotFound("store.SubscriberByUsername", "subscriber "+username)
	}
	if err != nil {
		return model.Subscriber{}, apperr.Store("store.SubscriberByUsername", err)
	}
	return s, nil
}

// SubscribersExpiringBetween returns subscribers whose expiry falls in
// [from, to].
func (p *Postgres) SubscribersExpiringBetween(ctx context.Context, from, to time.Time) ([]model.Subscriber, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.db.Query(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers
		 WHERE expiry_date >= $1 AND expiry_date <= $2
		 ORDER BY expiry_date`,
		from, to)
	if err != nil {
		return nil, apperr.Store("store.SubscribersExpiringBetween", err)
	}
	subs, err := collectSubscribers(rows)
	if err != nil {
		return nil, apperr.Store("store.SubscribersExpiringBetween", err)
	}
	return subs, nil
}

// StreamCounts returns the total number of streams and how many are online.
func (p *Postgres) StreamCounts(ctx context.Context) (total, online int, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.db.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE lower(status) = 'online') FROM streams`,
	).Scan(&total, &online)
	if err != nil {
		return 0, 0, apperr.Store("store.StreamCounts", err)
	}
	return total, online, nil
}

// Snapshot returns every row of a synced table as a Record.
func (p *Postgres) Snapshot(ctx context.Context, table model.Table) ([]model.Record, error) {
	if _, ok := table.SyncEndpoint(); !ok {
		return nil, apperr.Validation("store.Snapshot", "table "+string(table)+" is not synced")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ident := pgx.Identifier{string(table)}.Sanitize()
	rows, err := p.db.Query(ctx, `SELECT row_to_json(t) FROM `+ident+` t ORDER BY t.id`)
	if err != nil {
		return nil, apperr.Store("store.Snapshot", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var rec map[string]any
		if err := rows.Scan(&rec); err != nil {
			return nil, apperr.Store("store.Snapshot", err)
		}
		out = append(out, model.Record(rec))
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("store.Snapshot", err)
	}
	return out, nil
}

func collectSubscribers(rows pgx.Rows) ([]model.Subscriber, error) {
	defer rows.Close()

	var out []model.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSubscriber(row pgx.Row) (model.Subscriber, error) {
	var (
		s        model.Subscriber
		conns    int64
		maxConns int64
		status   string
	)
	if err := row.Scan(&s.ID, &s.Username, &conns, &maxConns, &s.ExpiryDate, &status); err != nil {
		return model.Subscriber{}, err
	}
	if conns > 0 {
		s.Connections = uint(conns)
	}
	if maxConns > 0 {
		s.MaxConnections = uint(maxConns)
	}
	s.Status = model.ParseStatus(status)
	return s, nil
}
