// Package server exposes the bridge over HTTP: the sync proxy and table-sync
// functions, the update webhook, and read endpoints backed by the fallback
// aggregator and the notification inbox.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/panelsync/panelsync/internal/dispatch"
	"github.com/panelsync/panelsync/internal/fallback"
	"github.com/panelsync/panelsync/internal/livebackend"
	"github.com/panelsync/panelsync/internal/logging"
	"github.com/panelsync/panelsync/internal/model"
	"github.com/panelsync/panelsync/internal/notify"
	"github.com/panelsync/panelsync/internal/updates"
)

const (
	maxBodyBytes             = 1 << 20
	defaultNotificationLimit = 50
)

type Config struct {
	Addr            string
	LiveBaseURL     string
	SweepMinGap     time.Duration
	ShutdownTimeout time.Duration
	// ReplicationActive is set when logical replication dispatches row
	// changes. Table-sync then validates and acknowledges without syncing.
	ReplicationActive bool
}

// EntitySync dispatches one change after earlier changes to the same entity
// and returns its result.
type EntitySync interface {
	Submit(ctx context.Context, event *model.ChangeEvent, baseURL string) (dispatch.Result, error)
}

type StateReader interface {
	AggregateState(ctx context.Context) (fallback.AggregateState, error)
	UserStatus(ctx context.Context, username string) (fallback.UserStatus, error)
}

type UpdateService interface {
	Register(ctx context.Context, version, changelog, secret string) (updates.Record, error)
	Check(ctx context.Context) (updates.Check, error)
	MarkApplied(ctx context.Context, id string) (updates.Record, error)
}

type Inbox interface {
	Notifications(limit int) ([]notify.Notification, error)
}

type SweepRunner interface {
	SweepIfDue(ctx context.Context, minGap time.Duration) (*notify.Notification, bool, error)
}

// ChangePublisher receives table-sync events for the notification path
// when no replication feed is running.
type ChangePublisher interface {
	Publish(event *model.ChangeEvent) bool
}

// Deps are the components behind the endpoints. Feed is optional.
type Deps struct {
	Client  *livebackend.Client
	Sync    EntitySync
	State   StateReader
	Updates UpdateService
	Inbox   Inbox
	Sweeper SweepRunner
	Feed    ChangePublisher
}

type Server struct {
	config Config
	deps   Deps
	logger *zerolog.Logger
	now    func() time.Time
}

func New(cfg Config, deps Deps, logger *zerolog.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		config: cfg,
		deps:   deps,
		logger: logging.Component(logger, "server"),
		now:    time.Now,
	}
}

// Handler returns the routes wrapped in CORS, recovery and logging. CORS is
// outermost so preflight requests are answered before anything else runs.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	return s.withCORS(s.withRecovery(s.withRequestLog(mux)))
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /functions/sync-proxy", s.handleSyncProxy)
	mux.HandleFunc("POST /functions/table-sync", s.handleTableSync)

	mux.HandleFunc("POST /functions/update-webhook", s.handleRegisterUpdate)
	mux.HandleFunc("GET /functions/update-webhook", s.handleCheckUpdate)
	mux.HandleFunc("PATCH /functions/update-webhook", s.handleMarkApplied)

	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/users/{username}/status", s.handleUserStatus)
	mux.HandleFunc("GET /api/notifications", s.handleNotifications)
	mux.HandleFunc("POST /api/notifications/sweep", s.handleSweep)

	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info().Msg("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}
