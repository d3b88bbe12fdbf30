package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/panelsync/panelsync/internal/cdc"
	"github.com/panelsync/panelsync/internal/dispatch"
	"github.com/panelsync/panelsync/internal/model"
	"github.com/panelsync/panelsync/internal/notify"
	"github.com/panelsync/panelsync/internal/server"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "panelsync",
	Short: "PanelSync - IPTV panel to live backend bridge",
	Long:  `Mirrors panel changes onto the live streaming backend, serves stats with a database fallback, and raises operator notifications`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "panelsync.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before the config (default .env if present)")

	updateCmd.AddCommand(updateRegisterCmd, updateCheckCmd, updateApplyCmd, updateHistoryCmd)
	updateRegisterCmd.Flags().String("version", "", "release version")
	updateRegisterCmd.Flags().String("changelog", "", "release notes")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(syncAllCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(statusCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("panelsync v0.1.0")
		fmt.Println("IPTV panel sync bridge")
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cfg := a.cfg
		log := a.logger

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Connecting to PostgreSQL: %s:%d/%s\n",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)

		db, err := a.openDatabase(ctx)
		if err != nil {
			return err
		}

		engine, err := a.notificationEngine(ctx)
		if err != nil {
			return err
		}

		updateManager, err := a.updateManager()
		if err != nil {
			return err
		}

		base := a.baseURL()
		if base == "" {
			fmt.Println("No live backend configured; sync is disabled and reads use the database")
		} else {
			fmt.Printf("Live backend: %s\n", base)
		}

		client := a.liveClient()
		dispatcher := dispatch.New(client, &log)

		manager := cdc.NewManager(&cdc.ReplicationConfig{
			Host:                cfg.Database.Host,
			Port:                cfg.Database.Port,
			Database:            cfg.Database.Database,
			User:                cfg.Database.User,
			Password:            cfg.Database.Password,
			SlotName:            cfg.CDC.SlotName,
			PublicationName:     cfg.CDC.PublicationName,
			ReplicaIdentityFull: cfg.CDC.ReplicaIdentityFull,
		}, &log)
		if a.alerts != nil {
			manager.SetAlerter(a.alerts)
		}

		// One serializer keeps same-entity changes ordered on whichever
		// path dispatches them.
		async := dispatch.NewAsyncHandler(dispatcher, base)
		async.OnResult(func(res dispatch.Result) {
			if !res.Skipped && !res.Success {
				log.Warn().
					Str("table", string(res.Table)).
					Str("id", res.EntityID).
					Int("status", res.StatusCode).
					Str("detail", res.Detail).
					Msg("Change not synced")
			}
		})

		var feed *cdc.ChannelFeed
		if cfg.CDC.Enabled {
			manager.AddHandler(async)
			manager.AddHandler(engine)

			fmt.Println("Initializing logical replication...")
			if err := manager.Initialize(ctx); err != nil {
				return fmt.Errorf("failed to initialize CDC manager: %w", err)
			}
		} else {
			fmt.Println("Logical replication disabled; table-sync calls drive sync and notifications")
			feed = cdc.NewChannelFeed(cfg.CDC.FeedBuffer, manager)
			manager.UseSource(feed)
			manager.AddHandler(engine)
		}

		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start CDC manager: %w", err)
		}

		sweeper := notify.NewSweeper(engine, cfg.Notifications.SweepInterval)
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("failed to start expiry sweeper: %w", err)
		}

		deps := server.Deps{
			Client:  client,
			Sync:    async,
			State:   a.aggregator(db),
			Updates: updateManager,
			Inbox:   a.storage,
			Sweeper: engine,
		}
		if feed != nil {
			deps.Feed = feed
		}

		srv := server.New(server.Config{
			Addr:              cfg.Server.Addr,
			LiveBaseURL:       base,
			SweepMinGap:       cfg.Notifications.SweepMinGap,
			ShutdownTimeout:   cfg.Server.ShutdownTimeout,
			ReplicationActive: cfg.CDC.Enabled,
		}, deps, &log)

		fmt.Printf("PanelSync is listening on %s. Press Ctrl+C to stop.\n", cfg.Server.Addr)
		serveErr := srv.ListenAndServe(ctx)
		stop()

		fmt.Println("\nShutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		sweeper.Stop()
		if err := manager.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop CDC manager")
		}
		if err := async.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Int("pending", async.Pending()).Msg("Dropped queued syncs on shutdown")
		}

		if serveErr != nil {
			return fmt.Errorf("server failed: %w", serveErr)
		}

		fmt.Println("PanelSync stopped")
		return nil
	},
}

var syncAllCmd = &cobra.Command{
	Use:   "sync-all [table]",
	Short: "Push every synced table to the live backend and remove stale entities",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		base := a.baseURL()
		if base == "" {
			return fmt.Errorf("live_backend.domain is not configured")
		}

		tables := model.Synced()
		if len(args) > 0 {
			t, err := model.ParseTable(args[0])
			if err != nil {
				return err
			}
			tables = []model.Table{t}
		}

		ctx := cmd.Context()
		db, err := a.openDatabase(ctx)
		if err != nil {
			return err
		}

		dispatcher := a.dispatcher()
		failed := 0
		for _, table := range tables {
			fmt.Printf("Syncing table: %s\n", table)
			results, err := dispatcher.Reconcile(ctx, db, table, base)
			if err != nil {
				fmt.Printf("  FAILED: %v\n", err)
				failed++
				continue
			}
			for _, res := range results {
				switch {
				case res.Skipped:
					fmt.Printf("  skipped: %s\n", res.Reason)
				case res.Success:
					fmt.Printf("  ok: pushed=%d deleted=%d\n", res.Pushed, len(res.Deleted))
				default:
					failed++
					fmt.Printf("  FAILED: status=%d errors=%v\n", res.StatusCode, res.Errors)
				}
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d table sync step(s) failed", failed)
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the expiring-subscriber check once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		engine, err := a.notificationEngine(cmd.Context())
		if err != nil {
			return err
		}

		n, err := engine.Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		if n == nil {
			fmt.Println("No subscribers expiring soon")
			return nil
		}

		fmt.Printf("%s: %s\n", n.Title, n.Message)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Manage panel release records",
}

var updateRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Publish a new release as the available update",
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetString("version")
		changelog, _ := cmd.Flags().GetString("changelog")

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.updateManager()
		if err != nil {
			return err
		}

		rec, err := m.Register(cmd.Context(), version, changelog, a.cfg.Updates.WebhookSecret)
		if err != nil {
			return fmt.Errorf("failed to register update: %w", err)
		}

		fmt.Printf("Registered %s (%s)\n", rec.Version, rec.ID)
		return nil
	},
}

var updateCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Show the pending update, if any",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.updateManager()
		if err != nil {
			return err
		}

		check, err := m.Check(cmd.Context())
		if err != nil {
			return err
		}
		if !check.HasUpdate {
			fmt.Println("No update available")
			return nil
		}

		fmt.Printf("Update available: %s (%s)\n", check.Update.Version, check.Update.ID)
		if check.Update.Changelog != "" {
			fmt.Println(check.Update.Changelog)
		}
		return nil
	},
}

var updateApplyCmd = &cobra.Command{
	Use:   "apply <id>",
	Short: "Mark an update as applied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.updateManager()
		if err != nil {
			return err
		}

		rec, err := m.MarkApplied(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to mark update applied: %w", err)
		}

		fmt.Printf("Applied %s at %s\n", rec.Version, rec.AppliedAt.Format(time.RFC3339))
		return nil
	},
}

var updateHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List releases, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.updateManager()
		if err != nil {
			return err
		}

		records, err := m.History(cmd.Context())
		if err != nil {
			return err
		}

		for _, rec := range records {
			state := "superseded"
			switch {
			case rec.AppliedAt != nil:
				state = "applied " + rec.AppliedAt.Format(time.RFC3339)
			case rec.IsAvailable:
				state = "available"
			}
			fmt.Printf("%-12s %s  %s  %s\n", rec.Version, rec.ReleasedAt.Format(time.RFC3339), rec.ID, state)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display connection stats and bridge state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		db, err := a.openDatabase(ctx)
		if err != nil {
			return err
		}
		st, err := a.openStorage()
		if err != nil {
			return err
		}

		agg := a.aggregator(db)
		state, err := agg.AggregateState(ctx)
		if err != nil {
			return err
		}
		streams, err := agg.StreamCounts(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Live backend: %s\n", orNone(a.baseURL()))
		fmt.Printf("Data directory: %s\n", a.cfg.Storage.DataDir)
		fmt.Printf("\nUsers (%s): %d total, %d online, %d connections\n",
			state.Source, state.TotalUsers, state.OnlineUsers, state.ActiveConnections)
		fmt.Printf("Streams (%s): %d total, %d online\n", streams.Source, streams.Total, streams.Online)

		if last, err := st.GetMetadata(notify.LastSweepKey); err == nil && last != "" {
			fmt.Printf("Last expiry sweep: %s\n", last)
		}

		m, err := a.updateManager()
		if err != nil {
			return err
		}
		if check, err := m.Check(ctx); err == nil && check.HasUpdate {
			fmt.Printf("Pending update: %s\n", check.Update.Version)
		}

		return nil
	},
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
