package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	anchor "github.com/RSBalchII/Anchor"
	"github.com/RSBalchII/Anchor/watcher"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	envPath := flag.String("env", "", "Path to .env file (optional)")
	flag.Parse()

	// .env first so it can feed the overrides below.
	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			fmt.Fprintf(os.Stderr, "loading env file: %v\n", err)
			os.Exit(1)
		}
	} else {
		godotenv.Load()
	}

	cfg := anchor.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "opening config: %v\n", err)
			os.Exit(1)
		}
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			fmt.Fprintf(os.Stderr, "parsing config: %v\n", err)
			os.Exit(1)
		}
		f.Close()
	}
	applyEnvOverrides(&cfg)

	logFile := setupLogging()
	if logFile != nil {
		defer logFile.Close()
	}

	engine, err := anchor.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// File watcher over the context directory.
	w, err := watcher.New(cfg.WatchedDir, func(ctx context.Context, path string) error {
		_, err := engine.IngestFile(ctx, path)
		return err
	})
	if err != nil {
		slog.Error("creating watcher", "error", err)
		os.Exit(1)
	}
	if err := w.Start(ctx); err != nil {
		slog.Error("starting watcher", "error", err)
		os.Exit(1)
	}
	defer w.Stop()

	// Scheduled snapshots.
	var scheduler *cron.Cron
	if cfg.BackupSchedule != "" {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(cfg.BackupSchedule, func() {
			if _, err := engine.Backup(context.Background()); err != nil {
				slog.Warn("scheduled backup failed", "error", err)
			}
		})
		if err != nil {
			slog.Error("invalid backup schedule", "schedule", cfg.BackupSchedule, "error", err)
			os.Exit(1)
		}
		scheduler.Start()
		defer scheduler.Stop()
		slog.Info("scheduled backups enabled", "schedule", cfg.BackupSchedule)
	}

	h := newHandler(engine)
	r := chi.NewRouter()
	r.Use(recoveryMiddleware, requestIDMiddleware, logMiddleware)

	r.Post("/ingest", h.handleIngest)
	r.Post("/search", h.handleSearch)
	r.Get("/buckets", h.handleBuckets)
	r.Post("/dream", h.handleDream)
	r.Post("/backup", h.handleBackup)
	r.Post("/chat", h.handleChat)
	r.Post("/scribe/update", h.handleScribeUpdate)
	r.Get("/scribe", h.handleScribeGet)
	r.Delete("/scribe", h.handleScribeClear)
	r.Get("/stats", h.handleStats)
	r.Get("/health", h.handleHealth)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // generation requests are slow
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("anchord listening", "addr", srv.Addr, "watched_dir", cfg.WatchedDir, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
}

// setupLogging writes structured JSON logs to stdout and an append-only
// timestamped file under logs/.
func setupLogging() *os.File {
	var out io.Writer = os.Stdout
	var logFile *os.File

	if err := os.MkdirAll("logs", 0755); err == nil {
		name := filepath.Join("logs", fmt.Sprintf("engine_%s.log", time.Now().UTC().Format("20060102T150405Z")))
		if f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			logFile = f
			out = io.MultiWriter(os.Stdout, f)
		}
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
	return logFile
}

// applyEnvOverrides maps ANCHOR_* environment variables onto the config.
func applyEnvOverrides(cfg *anchor.Config) {
	if v := os.Getenv("ANCHOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("ANCHOR_WATCHED_DIR"); v != "" {
		cfg.WatchedDir = v
	}
	if v := os.Getenv("ANCHOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ANCHOR_BACKUPS_DIR"); v != "" {
		cfg.BackupsDir = v
	}
	if v := os.Getenv("ANCHOR_MODELS_DIR"); v != "" {
		cfg.ModelsDir = v
	}
	if v := os.Getenv("ANCHOR_GENERATOR_PROVIDER"); v != "" {
		cfg.Generator.Provider = v
	}
	if v := os.Getenv("ANCHOR_GENERATOR_MODEL"); v != "" {
		cfg.Generator.Model = v
	}
	if v := os.Getenv("ANCHOR_GENERATOR_BASE_URL"); v != "" {
		cfg.Generator.BaseURL = v
	}
	if v := os.Getenv("ANCHOR_GENERATOR_API_KEY"); v != "" {
		cfg.Generator.APIKey = v
	}
	if v := os.Getenv("ANCHOR_BACKUP_SCHEDULE"); v != "" {
		cfg.BackupSchedule = v
	}
}
