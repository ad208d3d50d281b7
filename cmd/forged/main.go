// forged is the issue-run orchestrator.
// It serves the control-plane REST API, consumes the run queue, and drives
// each run through the station pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeworks/forge/internal/api"
	"github.com/forgeworks/forge/internal/auth"
	"github.com/forgeworks/forge/internal/cache"
	"github.com/forgeworks/forge/internal/coderunner"
	"github.com/forgeworks/forge/internal/config"
	"github.com/forgeworks/forge/internal/domain"
	"github.com/forgeworks/forge/internal/engine"
	"github.com/forgeworks/forge/internal/leader"
	"github.com/forgeworks/forge/internal/postgres"
	"github.com/forgeworks/forge/internal/reaper"
	"github.com/forgeworks/forge/internal/storage"
)

// validateEnv checks that critical environment variables have valid values.
// Returns a slice of validation errors (empty if all valid).
func validateEnv() []string {
	var errs []string

	// Validate listen address formats (host:port).
	for _, name := range []string{"FORGE_LISTEN_ADDR", "FORGE_ENGINE_ADDR"} {
		if addr := os.Getenv(name); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: must be host:port (%v)", name, addr, err))
			}
		}
	}

	// Validate PORT is numeric.
	if port := os.Getenv("PORT"); port != "" {
		if _, err := net.LookupPort("tcp", port); err != nil {
			errs = append(errs, fmt.Sprintf("PORT=%q: must be a valid port number", port))
		}
	}

	// Validate DATABASE_URL is a parseable postgres URL.
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if _, err := url.Parse(dbURL); err != nil {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: invalid URL (%v)", err))
		}
	}

	// Validate duration-typed env vars.
	for _, name := range []string{"S3_METADATA_TIMEOUT", "S3_DATA_TIMEOUT"} {
		if v := os.Getenv(name); v != "" {
			if _, err := time.ParseDuration(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: must be a valid Go duration (e.g. 10s, 2m) (%v)", name, v, err))
			}
		}
	}

	// S3_ENDPOINT may be host:port without scheme; allow that.
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		if _, _, err := net.SplitHostPort(v); err != nil {
			if _, err := url.Parse("http://" + v); err != nil {
				errs = append(errs, fmt.Sprintf("S3_ENDPOINT=%q: must be a valid endpoint", v))
			}
		}
	}

	// Validate worker count.
	if v := os.Getenv("FORGE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("FORGE_WORKERS=%q: must be a positive integer", v))
		}
	}

	return errs
}

// warnDefaultCredentials logs security warnings when S3 or Postgres
// credentials appear to be well-known defaults. These are safe for local
// development but dangerous in production deployments.
func warnDefaultCredentials() {
	s3Access := os.Getenv("S3_ACCESS_KEY")
	s3Secret := os.Getenv("S3_SECRET_KEY")
	if s3Access == "minioadmin" || s3Secret == "minioadmin" {
		slog.Warn("S3 credentials are set to default values (minioadmin) — change these for production deployments")
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if u, err := url.Parse(dbURL); err == nil && u.User != nil {
			user := u.User.Username()
			pass, _ := u.User.Password()
			if (user == "forge" && pass == "forge") || (user == "postgres" && pass == "postgres") {
				slog.Warn("database credentials appear to be defaults — change these for production deployments",
					"user", user)
			}
		}
	}
}

// buildAdapter wires the coderunner adapter from config.
func buildAdapter(cfg *config.Config) (coderunner.Adapter, error) {
	if cfg.Coderunner.Mode != config.ModeExternal {
		slog.Info("coderunner adapter initialized (mock)")
		return coderunner.NewMock(), nil
	}

	timeout, err := cfg.CoderunnerTimeout()
	if err != nil {
		return nil, err
	}
	apiKey := cfg.Coderunner.APIKey
	if envKey := os.Getenv("FORGE_CODERUNNER_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	transport := coderunner.NewHTTPTransport(cfg.Coderunner.BaseURL, apiKey, timeout)
	slog.Info("coderunner adapter initialized (external)", "base_url", cfg.Coderunner.BaseURL)
	return coderunner.NewExternal(transport), nil
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /forged healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/healthz")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Context-aware slog handler so request_id rides along in all records.
	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(api.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	// Validate critical environment variables before wiring anything.
	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	// Load config: FORGE_CONFIG env > ./forge.yaml > defaults.
	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath, "coderunner_mode", cfg.Coderunner.Mode)
	}

	srv := &api.Server{}

	// Repo records are read on every submission but change rarely; a short
	// TTL cache keeps the hot path off Postgres.
	srv.RepoCache = cache.New[string, *domain.Repo](cache.Options{
		TTL:        30 * time.Second,
		MaxEntries: 500,
	})

	// Auth middleware: FORGE_API_KEY enables bearer-token auth.
	if apiKey := os.Getenv("FORGE_API_KEY"); apiKey != "" {
		srv.Auth = auth.APIKey(apiKey)
		slog.Info("API key authentication enabled")
	} else {
		srv.Auth = auth.Noop()
	}

	adapter, err := buildAdapter(cfg)
	if err != nil {
		slog.Error("failed to build coderunner adapter", "error", err)
		os.Exit(1)
	}

	// Shutdown hooks — populated below, called in order during graceful shutdown.
	var (
		stopLeader   func()
		stopWorkers  func()
		stopListener func()
		closePool    func()
	)

	ctx := context.Background()

	// Wire Postgres stores and the durable queue when DATABASE_URL is set.
	// Without it the process serves health endpoints only.
	var (
		pool      *pgxpool.Pool
		runStore  *postgres.RunStore
		pgQueue   *postgres.Queue
		artifacts api.ArtifactStore
	)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		var poolErr error
		pool, poolErr = postgres.NewPool(ctx, dbURL)
		if poolErr != nil {
			slog.Error("failed to connect to database", "error", poolErr)
			os.Exit(1)
		}
		closePool = func() { pool.Close() }

		if err := postgres.Migrate(ctx, pool); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		runStore = postgres.NewRunStore(pool)
		artifacts = postgres.NewArtifactStore(pool)

		srv.Repos = postgres.NewRepoStore(pool)
		srv.Runs = runStore
		srv.Stations = postgres.NewStationStore(pool)
		srv.Claims = postgres.NewClaimStore(pool)
		srv.DBHealth = postgres.NewHealthChecker(pool)

		pgQueue = postgres.NewQueue(pool, logger)
		srv.Queue = pgQueue

		listenCtx, cancelListen := context.WithCancel(ctx)
		listenDone := make(chan struct{})
		go func() {
			defer close(listenDone)
			pgQueue.Listen(listenCtx)
		}()
		stopListener = func() {
			cancelListen()
			<-listenDone
		}

		slog.Info("postgres stores initialized")
	} else {
		slog.Warn("DATABASE_URL not set, running without persistence")
	}

	// Wire object storage for large artifact payloads when S3_ENDPOINT is set.
	if s3Endpoint := os.Getenv("S3_ENDPOINT"); s3Endpoint != "" && artifacts != nil {
		s3Bucket := os.Getenv("S3_BUCKET")
		if s3Bucket == "" {
			s3Bucket = "forge"
		}

		s3Cfg := storage.S3Config{
			Endpoint:  s3Endpoint,
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    s3Bucket,
			UseSSL:    os.Getenv("S3_USE_SSL") == "true",
		}
		if v := os.Getenv("S3_METADATA_TIMEOUT"); v != "" {
			s3Cfg.MetadataTimeout, _ = time.ParseDuration(v)
		}
		if v := os.Getenv("S3_DATA_TIMEOUT"); v != "" {
			s3Cfg.DataTimeout, _ = time.ParseDuration(v)
		}

		s3Store, err := storage.NewS3Store(ctx, s3Cfg)
		if err != nil {
			slog.Error("failed to connect to S3", "error", err)
			os.Exit(1)
		}
		artifacts = storage.NewArtifactStore(artifacts, s3Store, storage.DefaultInlineThreshold, logger)
		srv.S3Health = storage.NewHealthChecker(s3Store)
		slog.Info("artifact payload offload initialized", "endpoint", s3Endpoint, "bucket", s3Bucket)
	} else if artifacts == nil && os.Getenv("S3_ENDPOINT") != "" {
		slog.Warn("S3_ENDPOINT set but no database, artifact offload disabled")
	}
	srv.Artifacts = artifacts

	// Engine: worker pool consuming the durable queue, plus an optional
	// push-mode consume endpoint guarded by a shared secret.
	var eng *engine.Engine
	var engineServer *http.Server
	if pool != nil {
		eng = engine.New(runStore, srv.Stations, artifacts, srv.Repos, adapter, logger)

		workers := 4
		if v := os.Getenv("FORGE_WORKERS"); v != "" {
			workers, _ = strconv.Atoi(v)
		}
		worker := engine.NewWorker(eng, pgQueue, workers, logger)
		worker.Start(ctx)
		stopWorkers = func() { worker.Stop() }

		if secret := os.Getenv("FORGE_QUEUE_SECRET"); secret != "" {
			engineAddr := "127.0.0.1:8081"
			if v := os.Getenv("FORGE_ENGINE_ADDR"); v != "" {
				engineAddr = v
			}
			engineServer = &http.Server{
				Addr:              engineAddr,
				Handler:           eng.NewConsumeRouter(secret),
				ReadTimeout:       60 * time.Second,
				ReadHeaderTimeout: 10 * time.Second,
				WriteTimeout:      120 * time.Second,
				IdleTimeout:       120 * time.Second,
			}
			go func() {
				if err := engineServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("engine server failed", "error", err)
				}
			}()
			slog.Info("engine consume endpoint started", "addr", engineAddr)
		}
	}

	// Retention reaper runs on the leader replica only.
	// FORGE_WORKERS_ENABLED=false turns this replica into a pure API node.
	workersEnabled := os.Getenv("FORGE_WORKERS_ENABLED") != "false"
	if workersEnabled && pool != nil && cfg.Retention.MaxAgeDays > 0 {
		maxAge := time.Duration(cfg.Retention.MaxAgeDays) * 24 * time.Hour
		schedule := cfg.Retention.Cron
		if v := os.Getenv("FORGE_REAPER_CRON"); v != "" {
			schedule = v
		}

		startReaper := func(leaderCtx context.Context) func() {
			reap := reaper.New(runStore, maxAge, schedule, logger)
			if err := reap.Start(leaderCtx); err != nil {
				slog.Error("failed to start reaper", "error", err)
				return func() {}
			}
			return func() { reap.Stop() }
		}

		tryLock := func(ctx context.Context) (bool, error) {
			var acquired bool
			err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
			return acquired, err
		}
		elector := leader.New(tryLock, leader.RetryInterval, startReaper)
		elector.Start(ctx)
		stopLeader = func() { elector.Stop() }
		slog.Info("leader election started (advisory lock)")
	}

	warnDefaultCredentials()

	// Configurable CORS origins (comma-separated).
	if corsEnv := os.Getenv("CORS_ORIGINS"); corsEnv != "" {
		srv.CORSOrigins = strings.Split(corsEnv, ",")
	}

	router := api.NewRouter(srv)

	// Listen address: FORGE_LISTEN_ADDR > PORT (legacy) > default 127.0.0.1:8080.
	// Default binds to localhost only — set 0.0.0.0:8080 explicitly for network
	// access, which triggers a security warning if no API key is set.
	addr := "127.0.0.1:8080"
	if listenAddr := os.Getenv("FORGE_LISTEN_ADDR"); listenAddr != "" {
		addr = listenAddr
	} else if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	if strings.HasPrefix(addr, "0.0.0.0") && os.Getenv("FORGE_API_KEY") == "" {
		slog.Warn("listening on 0.0.0.0 without FORGE_API_KEY — API is unauthenticated and accessible from the network")
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting forged", "addr", addr)

	// Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown: drain HTTP connections (15s timeout).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if engineServer != nil {
		if err := engineServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("engine server shutdown error", "error", err)
		}
	}

	// Ordered cleanup: leader (stops reaper) → workers → queue listener → pool.
	if stopLeader != nil {
		stopLeader()
		slog.Info("leader elector stopped")
	}
	if stopWorkers != nil {
		stopWorkers()
		slog.Info("engine workers stopped")
	}
	if stopListener != nil {
		stopListener()
		slog.Info("queue listener stopped")
	}
	if closePool != nil {
		closePool()
		slog.Info("database pool closed")
	}

	slog.Info("forged shutdown complete")
}
