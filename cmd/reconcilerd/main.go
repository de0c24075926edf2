package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/jchau/turnover-data/internal/config"
	"github.com/jchau/turnover-data/internal/coordinator"
	"github.com/jchau/turnover-data/internal/database"
	"github.com/jchau/turnover-data/internal/model"
	"github.com/jchau/turnover-data/internal/scheduler"
	"github.com/jchau/turnover-data/internal/source"
	"github.com/jchau/turnover-data/internal/sources"
	"github.com/jchau/turnover-data/internal/stats"
	"github.com/jchau/turnover-data/internal/store"
	"github.com/jchau/turnover-data/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/reconciler.local.yaml", "path to config file")
	runJob := flag.String("run-job", "", "run one configured job immediately and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Local .env files are optional; environment wins in deployment.
	_ = godotenv.Load()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting reconciler",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"sources", len(cfg.Sources),
		"indices", len(cfg.Indices),
		"jobs", len(cfg.Jobs),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Postgres.Host,
		"port", cfg.Database.Postgres.Port,
		"database", cfg.Database.Postgres.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database.Postgres)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	logger.Info("database connected")

	// Stores
	raw := store.NewRawQuotes(pool, logger)
	history := store.NewHistory(pool, logger)
	bars := store.NewBars(pool, logger)
	snapshots := store.NewSnapshots(pool, logger)
	jobRuns := store.NewJobRuns(pool, logger)

	engine := stats.NewEngine(stats.Config{
		TrailingWindows:  cfg.Stats.TrailingWindows,
		PercentileWindow: cfg.Stats.PercentileWindow,
		SnapshotMaxAge:   cfg.Stats.SnapshotMaxAge.Std(),
	}, history, snapshots, logger)

	// Upstream sources, one per configured name
	srcs, err := sources.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to build sources", "error", err)
		os.Exit(1)
	}

	coord := coordinator.New(cfg, srcs, raw, history, bars, snapshots, logger)

	sched, err := scheduler.New(cfg, coord, jobRuns, logger)
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}

	if *runJob != "" {
		if err := sched.RunNow(ctx, *runJob); err != nil {
			logger.Error("manual job failed", "job", *runJob, "error", err)
			os.Exit(1)
		}
		logger.Info("manual job finished", "job", *runJob)
		return
	}

	// Start health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(pool, srcs, engine, cfg, logger),
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		sched.Stop(shutdownCtx)
	}()

	logger.Info("reconciler running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)

	logger.Info("reconciler stopped")
}

// createHealthHandler creates the HTTP handler for health checks and the
// derived-statistics endpoint.
func createHealthHandler(pool *pgxpool.Pool, srcs []source.Source, engine *stats.Engine, cfg *config.Config, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		// Check database
		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["postgres"] = "connected"
		}

		names := make([]string, 0, len(srcs))
		for _, s := range srcs {
			names = append(names, s.Name())
		}
		health.Components["sources"] = names
		if len(names) == 0 {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		index := model.NormalizeIndexCode(r.URL.Query().Get("index"))
		if index == "" {
			http.Error(w, "missing index parameter", http.StatusBadRequest)
			return
		}
		if _, ok := cfg.Index(index); !ok {
			http.Error(w, fmt.Sprintf("unknown index %q", index), http.StatusNotFound)
			return
		}

		day := model.TradeDate(r.URL.Query().Get("day"))
		if day == "" {
			tz, err := time.LoadLocation(cfg.Instance.TZ)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			day = model.TradeDateOf(time.Now().In(tz))
		} else if day.Time().IsZero() {
			http.Error(w, fmt.Sprintf("bad day %q: want YYYY-MM-DD", day), http.StatusBadRequest)
			return
		}

		derived, err := engine.Compute(ctx, index, day)
		if err != nil {
			logger.Error("stats request failed", "index", index, "day", day, "error", err)
			http.Error(w, "stats unavailable", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(derived)
	})

	return mux
}
