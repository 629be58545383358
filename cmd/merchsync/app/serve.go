package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	merchsync "github.com/Rheannone/merch-table-sub003"
	"github.com/Rheannone/merch-table-sub003/internal/config"
	"github.com/Rheannone/merch-table-sub003/internal/metrics"
	"github.com/Rheannone/merch-table-sub003/internal/telemetry"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 15 * time.Second
	serverIdleTimeout  = 60 * time.Second
	connectMaxTries    = 6
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service",
		Long: `Run the sync manager with its HTTP status API, NATS ingest and connectivity
prober. Destinations are enabled by configuration: ledger.dsn for the Postgres
ledger and sheets.base_url for the spreadsheet.`,
		RunE: runServe,
	}
	cmd.Flags().String("config", "", "Path to configuration file (YAML)")
	cmd.Flags().String("address", "", "Address to listen on (overrides server.address)")
	if err := viper.BindPFlag("config", cmd.Flags().Lookup("config")); err != nil {
		slog.Error("Error binding config flag", "error", err)
	}
	if err := viper.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		slog.Error("Error binding address flag", "error", err)
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	if addr := viper.GetString("address"); addr != "" {
		cfg.Server.Address = addr
	}

	cfg.Telemetry.ServiceVersion = Version
	tp, shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Error("Error shutting down tracer provider", "error", err)
		}
	}()

	var sinks merchsync.Sinks

	var store *merchsync.Store
	if cfg.Ledger.DSN != "" {
		pool, err := connectLedger(ctx, cfg.Ledger.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = merchsync.NewStore(pool)
		if cfg.Ledger.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return err
			}
		}
		sinks.Ledger = store
	}

	var sheets *merchsync.SheetsClient
	if cfg.Sheets.BaseURL != "" {
		httpClient := &http.Client{Timeout: cfg.Sync.DestinationTimeout}
		if cfg.Sheets.Token != "" {
			src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Sheets.Token, TokenType: "Bearer"})
			httpClient = oauth2.NewClient(ctx, src)
			httpClient.Timeout = cfg.Sync.DestinationTimeout
		}
		sheets = merchsync.NewSheetsClient(httpClient, cfg.Sheets.BaseURL, cfg.Sheets.SpreadsheetID,
			merchsync.WithProductFlushDelay(cfg.Sheets.ProductFlushDelay))
		defer sheets.Close()
		sinks.Sheets = sheets
	}

	if sinks.Ledger == nil && sinks.Sheets == nil {
		return errors.New("no destinations configured: set ledger.dsn and/or sheets.base_url")
	}

	observer := metrics.New(prometheus.DefaultRegisterer)
	opts := []merchsync.Option{
		merchsync.WithObserver(observer),
		merchsync.WithOnline(cfg.Sync.StartOnline),
		merchsync.WithTracer(tp.Tracer("github.com/Rheannone/merch-table-sub003")),
	}

	var checkpointer *merchsync.SQLiteCheckpointer
	if cfg.Checkpoint.Path != "" {
		checkpointer, err = merchsync.OpenCheckpointer(ctx, cfg.Checkpoint.Path)
		if err != nil {
			return err
		}
		defer checkpointer.Close()
		opts = append(opts, merchsync.WithCheckpointer(checkpointer))
	}

	manager := merchsync.NewManager(managerConfig(cfg), opts...)
	observer.SetOnline(cfg.Sync.StartOnline)
	manager.AddEventListener(observer.Listener())

	svc := merchsync.NewService(manager, sinks)
	if err := svc.Initialize(); err != nil {
		return err
	}
	if checkpointer != nil {
		n, err := manager.Restore(ctx)
		if err != nil {
			return err
		}
		slog.Info("Restored queue from checkpoint", "items", n, "path", cfg.Checkpoint.Path)
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = connectNATS(ctx, cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Drain()

		if cfg.NATS.PublishEvents {
			pub := merchsync.NewPublisher(nc, cfg.NATS.DeadLetterFrom).PublishStats(cfg.NATS.PublishStats)
			manager.AddEventListener(pub.Listener())
		}

		var dead merchsync.DeadLetterStore
		if store != nil && cfg.NATS.RecordDLQ {
			dead = store
		}
		proc := merchsync.NewProcessor(svc, dead)
		handle := func(msg *nats.Msg) { proc.Process(ctx, msg.Subject, msg.Data) }
		if _, err := nc.Subscribe(cfg.NATS.IngestSubject, handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.NATS.IngestSubject, err)
		}
		if dead != nil {
			if _, err := nc.Subscribe(merchsync.SubjectDeadLetterPrefix+">", handle); err != nil {
				return fmt.Errorf("subscribe dead letters: %w", err)
			}
		}
	} else if store != nil {
		manager.AddEventListener(merchsync.DeadLetterRecorder(store, cfg.NATS.DeadLetterFrom))
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", metrics.Handler())
	var deadStore merchsync.DeadLetterStore
	if store != nil {
		deadStore = store
	}
	var republisher merchsync.NATSPublisher
	if nc != nil {
		republisher = nc
	}
	router.Mount("/sync", merchsync.NewHandler(svc, deadStore, republisher).Routes())

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	manager.Start(gctx)

	if cfg.Connectivity.ProbeURL != "" {
		prober := merchsync.NewProber(
			merchsync.HTTPProbe(&http.Client{}, cfg.Connectivity.ProbeURL),
			manager, cfg.Connectivity.Interval, cfg.Connectivity.Threshold,
		)
		prober.Start(gctx)
		g.Go(func() error {
			prober.Wait()
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("Starting HTTP server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("HTTP server shutdown failed", "error", err)
		}
		if err := manager.Checkpoint(sctx); err != nil {
			slog.Error("Final checkpoint failed", "error", err)
		}
		manager.Destroy()
		return nil
	})

	return g.Wait()
}

func managerConfig(cfg *config.Config) merchsync.Config {
	s := cfg.Sync
	return merchsync.Config{
		Concurrency:          s.Concurrency,
		QueueCapacity:        s.QueueCapacity,
		SyncInterval:         s.SyncInterval,
		BackgroundSync:       s.BackgroundSync,
		FollowUpDelay:        s.FollowUpDelay,
		DestinationTimeout:   s.DestinationTimeout,
		BaseRetryDelay:       s.BaseRetryDelay,
		MaxRetryDelay:        s.MaxRetryDelay,
		CompletedRetention:   s.CompletedRetention,
		MaxCompletedRetained: s.MaxCompletedRetained,
		MaxErrorLog:          s.MaxErrorLog,
		CheckpointDelay:      cfg.Checkpoint.Delay,
	}
}

func connectLedger(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := backoff.Retry(ctx, func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(connectMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("Ledger not reachable, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	return pool, nil
}

func connectNATS(ctx context.Context, url string) (*nats.Conn, error) {
	nc, err := backoff.Retry(ctx, func() (*nats.Conn, error) {
		return nats.Connect(url,
			nats.Name("merchsync"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				slog.Info("NATS reconnected", "url", c.ConnectedUrl())
			}),
		)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(connectMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("NATS not reachable, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}
