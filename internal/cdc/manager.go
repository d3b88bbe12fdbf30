package cdc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/panelsync/panelsync/internal/logging"
	"github.com/panelsync/panelsync/internal/model"
	"github.com/panelsync/panelsync/internal/notify"
)

// SystemAlerter reports feed outages to operators.
type SystemAlerter interface {
	SendSystemAlert(ctx context.Context, title, message string, severity notify.Severity) error
}

// Manager owns the change feed and fans each event out to its handlers in
// registration order. A failing handler is logged and does not stop the
// others from seeing the event.
type Manager struct {
	config   *ReplicationConfig
	source   Source
	handlers []EventHandler
	logger   *zerolog.Logger

	mu         sync.RWMutex
	currentLSN pglogrepl.LSN
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	alerter    SystemAlerter
}

func NewManager(config *ReplicationConfig, logger *zerolog.Logger) *Manager {
	return &Manager{
		config:   config,
		handlers: make([]EventHandler, 0),
		stopCh:   make(chan struct{}),
		logger:   logging.Component(logger, "cdc"),
	}
}

func (m *Manager) AddHandler(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Manager) SetAlerter(a SystemAlerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerter = a
}

// UseSource installs a ready Source instead of logical replication.
func (m *Manager) UseSource(src Source) {
	m.source = src
}

// Initialize prepares the publication and replication slot and connects
// the replication client.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.preparePublication(ctx); err != nil {
		return fmt.Errorf("failed to create publication: %w", err)
	}

	client := NewReplicationClient(m.config, m, m.logger)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := client.CreateSlotIfNotExists(ctx); err != nil {
		client.Close(ctx)
		return fmt.Errorf("failed to create slot: %w", err)
	}

	if err := client.StartReplication(ctx, m.GetLSN()); err != nil {
		client.Close(ctx)
		return fmt.Errorf("failed to start replication: %w", err)
	}

	m.source = client
	return nil
}

func (m *Manager) Start(ctx context.Context) error {
	if m.running {
		return fmt.Errorf("manager already running")
	}

	if m.source == nil {
		return fmt.Errorf("manager not initialized")
	}

	m.running = true
	m.wg.Add(1)

	go m.receiveLoop(ctx)

	return nil
}

func (m *Manager) Stop(ctx context.Context) error {
	if !m.running {
		return nil
	}

	close(m.stopCh)
	m.wg.Wait()
	m.running = false

	if m.source != nil {
		return m.source.Close(ctx)
	}

	return nil
}

// positioned is implemented by sources that track a confirmed WAL position.
type positioned interface {
	ProcessedLSN() pglogrepl.LSN
}

const maxRetryDelay = 30 * time.Second

// retryDelay doubles from 2s per consecutive failure up to maxRetryDelay.
func retryDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if failures >= 5 {
		return maxRetryDelay
	}
	return time.Second << failures
}

func (m *Manager) receiveLoop(ctx context.Context) {
	defer m.wg.Done()

	failures := 0
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := m.source.ReceiveMessage(ctx)
		if err == nil {
			failures = 0
			if p, ok := m.source.(positioned); ok {
				m.SetLSN(p.ProcessedLSN())
			}
			continue
		}

		failures++
		delay := retryDelay(failures)
		m.logger.Error().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("Error receiving change")
		if failures == 1 {
			m.reportOutage(ctx, err, delay)
		}

		select {
		case <-time.After(delay):
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reportOutage alerts once per outage; the counter resets on the next
// successful receive.
func (m *Manager) reportOutage(ctx context.Context, cause error, delay time.Duration) {
	m.mu.RLock()
	alerter := m.alerter
	m.mu.RUnlock()
	if alerter == nil {
		return
	}

	msg := fmt.Sprintf("Failed to receive change: %v. Retrying in %v...", cause, delay)
	if err := alerter.SendSystemAlert(ctx, "Change feed interrupted", msg, notify.SeverityCritical); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to send change feed alert")
	}
}

// HandleChange implements EventHandler so the manager can be the callback
// target of its source.
func (m *Manager) HandleChange(event *model.ChangeEvent) error {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for i, handler := range handlers {
		if err := handler.HandleChange(event.Clone()); err != nil {
			m.logger.Warn().Err(err).
				Int("handler", i).
				Str("table", string(event.Table)).
				Str("action", string(event.Action)).
				Msg("Change handler failed")
		}
	}

	return nil
}

// preparePublication creates the publication over the synced tables and,
// when configured, switches them to REPLICA IDENTITY FULL so updates carry
// before images.
func (m *Manager) preparePublication(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, m.config.connString())
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	tables := make([]string, 0, len(model.Synced()))
	for _, t := range model.Synced() {
		tables = append(tables, pgx.Identifier{string(t)}.Sanitize())
	}

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)",
		m.config.PublicationName,
	).Scan(&exists)

	if err != nil {
		return fmt.Errorf("failed to check publication: %w", err)
	}

	if !exists {
		_, err = conn.Exec(ctx,
			fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
				pgx.Identifier{m.config.PublicationName}.Sanitize(),
				strings.Join(tables, ", ")),
		)
		if err != nil {
			return fmt.Errorf("failed to create publication: %w", err)
		}
		m.logger.Info().Str("publication", m.config.PublicationName).Msg("Created publication")
	}

	if m.config.ReplicaIdentityFull {
		for _, t := range tables {
			if _, err := conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s REPLICA IDENTITY FULL", t)); err != nil {
				return fmt.Errorf("failed to set replica identity on %s: %w", t, err)
			}
		}
	}

	return nil
}

func (m *Manager) SetLSN(lsn pglogrepl.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentLSN = lsn
}

func (m *Manager) GetLSN() pglogrepl.LSN {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLSN
}
