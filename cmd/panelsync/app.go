package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/panelsync/panelsync/internal/alert"
	"github.com/panelsync/panelsync/internal/config"
	"github.com/panelsync/panelsync/internal/dispatch"
	"github.com/panelsync/panelsync/internal/fallback"
	"github.com/panelsync/panelsync/internal/livebackend"
	"github.com/panelsync/panelsync/internal/logging"
	"github.com/panelsync/panelsync/internal/natsbus"
	"github.com/panelsync/panelsync/internal/notify"
	"github.com/panelsync/panelsync/internal/storage"
	"github.com/panelsync/panelsync/internal/store"
	"github.com/panelsync/panelsync/internal/updates"
)

// app holds the components shared by the commands. Fields are filled
// lazily so commands that only touch local storage never dial Postgres.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	storage *storage.Storage
	db      *store.Postgres
	alerts  *alert.Manager
	nats    *natsbus.Publisher
}

func loadApp() (*app, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}),
	}
	if cfg.Alerts.Enabled {
		a.alerts = alert.NewManager(true, cfg.Alerts.SlackWebhook)
	}
	return a, nil
}

// loadEnvFile merges a dotenv file into the environment. A missing file is
// only an error when it was named explicitly.
func loadEnvFile(path string) error {
	if path == "" {
		path = ".env"
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func (a *app) openStorage() (*storage.Storage, error) {
	if a.storage != nil {
		return a.storage, nil
	}

	if err := os.MkdirAll(a.cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := storage.New(filepath.Join(a.cfg.Storage.DataDir, "panelsync.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	st.SetInboxLimit(a.cfg.Storage.InboxLimit)

	a.storage = st
	return st, nil
}

func (a *app) openDatabase(ctx context.Context) (*store.Postgres, error) {
	if a.db != nil {
		return a.db, nil
	}

	db, err := store.Open(ctx, a.cfg.Database.ConnectionString(), a.cfg.Database.QueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a.db = db
	return db, nil
}

func (a *app) baseURL() string {
	return a.cfg.LiveBackend.BaseURL()
}

func (a *app) liveClient() *livebackend.Client {
	return livebackend.New(a.cfg.LiveBackend.Timeout)
}

func (a *app) dispatcher() *dispatch.Dispatcher {
	return dispatch.New(a.liveClient(), &a.logger)
}

func (a *app) aggregator(db *store.Postgres) *fallback.Aggregator {
	return fallback.New(a.liveClient(), db, a.baseURL(), &a.logger)
}

func (a *app) updateManager() (*updates.Manager, error) {
	st, err := a.openStorage()
	if err != nil {
		return nil, err
	}
	return updates.NewManager(st, a.cfg.Updates.WebhookSecret, &a.logger), nil
}

// notificationEngine builds the engine with every configured sink: the local
// inbox always, Slack and NATS when configured.
func (a *app) notificationEngine(ctx context.Context) (*notify.Engine, error) {
	st, err := a.openStorage()
	if err != nil {
		return nil, err
	}
	db, err := a.openDatabase(ctx)
	if err != nil {
		return nil, err
	}

	engine := notify.NewEngine(db, notify.Options{
		DedupCapacity:  a.cfg.Notifications.DedupCapacity,
		ExpiringWindow: a.cfg.Notifications.ExpiringWindow,
	}, &a.logger)

	engine.AddSink(st)
	engine.SetSweepLog(st)

	if a.alerts != nil {
		engine.AddSink(a.alerts)
	}

	if a.cfg.NATS.URL != "" {
		pub, err := natsbus.Connect(a.cfg.NATS.URL, a.cfg.NATS.Subject,
			a.cfg.NATS.MaxReconnect, a.cfg.NATS.ReconnectWait, &a.logger)
		if err != nil {
			return nil, err
		}
		a.nats = pub
		engine.AddSink(pub)
	}

	return engine, nil
}

func (a *app) Close() {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close storage")
		}
	}
}
