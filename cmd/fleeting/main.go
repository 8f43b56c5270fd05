// Package main provides the fleeting binary. It serves the expiring text API
// over HTTP and offers a one-shot sweep for cron-style cleanup.
//
// The serve flow:
//  1. Load defaults, the optional YAML file and environment variables.
//  2. Validate configuration and install the JSON logger.
//  3. Open the configured storage backend.
//  4. Start the metrics flusher and the janitor.
//  5. Serve HTTP until SIGINT/SIGTERM, then shut down in reverse order.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/haukened/fleeting/internal/app"
	"github.com/haukened/fleeting/internal/config"
	"github.com/haukened/fleeting/internal/httpx"
	"github.com/haukened/fleeting/internal/janitor"
	"github.com/haukened/fleeting/internal/metrics"
	"github.com/haukened/fleeting/internal/store"
	"github.com/haukened/fleeting/internal/store/filesystem"
	"github.com/haukened/fleeting/internal/store/memory"
	redisstore "github.com/haukened/fleeting/internal/store/redis"
	"github.com/haukened/fleeting/internal/store/sqlite"
)

const shutdownTimeout = 10 * time.Second

// realClock implements app.Clock using time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// backend is an opened storage stack plus what the rest of the process needs
// from it. db is nil unless the backend is SQLite.
type backend struct {
	store app.EntryStore
	ping  func(context.Context) error
	db    *sql.DB
	close func() error
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "fleeting",
		Usage: "share text that expires by time or by view count",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{config.EnvPrefix + "CONFIG"},
			},
		},
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP server (default)",
				Action: serveAction,
			},
			{
				Name:   "sweep",
				Usage:  "delete long-expired entries and orphan blobs once, then exit",
				Action: sweepAction,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadFile(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := newLogger(cfg, os.Stderr)
	slog.SetDefault(log)
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, log)
}

func sweepAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := newLogger(cfg, os.Stderr)
	slog.SetDefault(log)
	n, err := sweep(c.Context, cfg, log)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.App.Writer, "swept %d entries\n", n)
	return nil
}

// ensureDataDir creates the data directory and its blob subdirectory.
func ensureDataDir(dir string) (string, string, error) {
	st, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", "", fmt.Errorf("create data directory: %w", err)
		}
	case err != nil:
		return "", "", fmt.Errorf("stat data directory: %w", err)
	case !st.IsDir():
		return "", "", fmt.Errorf("data path %s is not a directory", dir)
	}
	blobDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobDir, 0o700); err != nil {
		return "", "", fmt.Errorf("create blobs directory: %w", err)
	}
	return dir, blobDir, nil
}

func openDatabase(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite driver: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	return db, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		st := memory.New()
		return &backend{store: st, ping: st.Ping, close: func() error { return nil }}, nil
	case config.BackendRedis:
		st, err := redisstore.Dial(ctx, &goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return &backend{store: st, ping: st.Ping, close: st.Close}, nil
	case config.BackendSQLite, "":
		_, blobDir, err := ensureDataDir(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		db, err := openDatabase(cfg.SQLiteDSN())
		if err != nil {
			return nil, err
		}
		ix, err := sqlite.New(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
		blobs, err := filesystem.New(blobDir)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init blob storage: %w", err)
		}
		st := store.New(ix, blobs, int64(cfg.InlineMax))
		return &backend{store: st, ping: st.Ping, db: db, close: db.Close}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newMetrics(ctx context.Context, cfg *config.Config, db *sql.DB, log *slog.Logger) (*metrics.Manager, error) {
	m := metrics.New(db, metrics.Config{FlushInterval: cfg.MetricsFlush, Logger: log})
	if err := m.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("init metrics schema: %w", err)
	}
	return m, nil
}

func newJanitor(cfg *config.Config, st app.EntryStore, obs janitor.Observer, log *slog.Logger) *janitor.Janitor {
	return janitor.New(st, obs, janitor.Config{
		Interval:  cfg.JanitorInterval,
		Retention: cfg.ExpiredRetention,
		Logger:    log,
	})
}

func buildService(cfg *config.Config, st app.EntryStore, m app.Metrics, clock app.Clock) *app.Service {
	return &app.Service{
		Store:    st,
		Clock:    clock,
		Metrics:  m,
		MaxBytes: int(cfg.MaxBytes),
		Limits:   cfg.Limits(),
	}
}

func buildHandler(cfg *config.Config, svc *app.Service, ready func(context.Context) error, m *metrics.Manager, log *slog.Logger) http.Handler {
	h := httpx.New(svc, int64(cfg.MaxBytes), ready)
	h.Logger = log
	if m != nil {
		h.Metrics = metrics.Handler(m, cfg.MetricsToken)
	}
	return h.Router()
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// serve runs until ctx is canceled or the listener fails.
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			log.Error("close backend", "err", err)
		}
	}()

	m, err := newMetrics(ctx, cfg, b.db, log)
	if err != nil {
		return err
	}
	bg, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	m.Start(bg)
	jan := newJanitor(cfg, b.store, m, log)
	jan.Start(bg)

	svc := buildService(cfg, b.store, m, realClock{})
	srv := newServer(cfg, buildHandler(cfg, svc, b.ping, m, log))

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", cfg.Addr, "backend", cfg.Backend, "pid", os.Getpid())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down", "reason", "signal")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "err", err)
	}
	jan.Stop()
	if err := m.Stop(shutdownCtx); err != nil {
		log.Error("final metrics flush", "err", err)
	}
	return serveErr
}

// sweep runs a single janitor cycle against the configured backend.
func sweep(ctx context.Context, cfg *config.Config, log *slog.Logger) (int, error) {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer func() { _ = b.close() }()
	m, err := newMetrics(ctx, cfg, b.db, log)
	if err != nil {
		return 0, err
	}
	n, err := newJanitor(cfg, b.store, m, log).RunOnce(ctx)
	if ferr := m.Stop(ctx); ferr != nil {
		log.Error("final metrics flush", "err", ferr)
	}
	return n, err
}
