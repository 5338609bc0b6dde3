package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/callmonitor/evidence/pkg/config"
	"github.com/callmonitor/evidence/pkg/contracts"
	"github.com/callmonitor/evidence/pkg/export"
	"github.com/callmonitor/evidence/pkg/observability"
	"github.com/callmonitor/evidence/pkg/pipeline"
	"github.com/callmonitor/evidence/pkg/schema"
	"github.com/callmonitor/evidence/pkg/store"
	"github.com/callmonitor/evidence/pkg/tracker"
	"github.com/callmonitor/evidence/pkg/tsa"

	_ "github.com/lib/pq" // Postgres driver
)

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "callmonitor-evidence",
		ServiceVersion: "1.0.0",
		Environment:    getenvDefault("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability init failed: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "store init failed: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	if cfg.ProfilesDir != "" {
		if err := seedVoiceConfigs(ctx, st, cfg.ProfilesDir, logger); err != nil {
			fmt.Fprintf(stderr, "voice profile seeding failed: %v\n", err)
			return 1
		}
	}

	validator, err := schema.NewValidator()
	if err != nil {
		fmt.Fprintf(stderr, "schema init failed: %v\n", err)
		return 1
	}

	tsaClient := tsa.NewClient(tsa.Config{
		URL:               cfg.TSAURL,
		PolicyOID:         cfg.TSAPolicyOID,
		Timeout:           cfg.TSATimeout,
		RequestsPerSecond: cfg.TSARatePerSec,
	}, nil, logger)
	if !tsaClient.Configured() {
		logger.Warn("no timestamp authority configured, bundles will carry status not_configured")
	}

	pipe := pipeline.New(st, validator, tsaClient, logger, pipeline.WithObservability(obs))
	defer pipe.Close()

	track := tracker.New(st, pipe, logger)

	exportStore, err := export.NewStoreFromEnv(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "export store init failed: %v\n", err)
		return 1
	}
	exporter := export.NewExporter(st, exportStore, logger)

	if cfg.RedisAddr != "" {
		consumer := tracker.NewConsumer(tracker.StreamConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Stream:   cfg.StreamName,
			Group:    cfg.ConsumerGroup,
			Consumer: cfg.ConsumerName,
		}, track, logger)
		defer func() { _ = consumer.Close() }()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("event consumer stopped", "error", err)
				stop()
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(st, pipe, track, exporter, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("evidence server listening", "port", cfg.Port, "database", cfg.DatabaseDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server failed: %v\n", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func openStore(ctx context.Context, cfg *config.Config) (store.EvidenceStore, *sql.DB, error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		s, err := store.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		s := store.NewPostgresStore(db)
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.DatabaseDriver)
	}
}

func seedVoiceConfigs(ctx context.Context, st store.EvidenceStore, dir string, logger *slog.Logger) error {
	profiles, err := config.LoadAllProfiles(dir)
	if err != nil {
		return err
	}
	for org, p := range profiles {
		if err := st.PutVoiceConfig(ctx, org, p.Modulations); err != nil {
			return fmt.Errorf("seed voice config for %s: %w", org, err)
		}
		logger.Info("voice config seeded", "organization_id", org, "required", p.Modulations.RequiredTypes())
	}
	return nil
}

func newRouter(st store.EvidenceStore, pipe *pipeline.Pipeline, track *tracker.Tracker, exporter *export.Exporter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Intake for callers without a Redis deployment; semantics match the
	// stream consumer.
	mux.HandleFunc("POST /v1/events", func(w http.ResponseWriter, r *http.Request) {
		var ev tracker.ArtifactEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode event: %w", err))
			return
		}
		if err := track.HandleArtifactEvent(r.Context(), ev); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /v1/calls/{callID}/manifests", func(w http.ResponseWriter, r *http.Request) {
		organizationID := r.URL.Query().Get("organization_id")
		if organizationID == "" {
			writeError(w, http.StatusBadRequest, errors.New("organization_id is required"))
			return
		}
		m, err := pipe.GenerateManifest(r.Context(), r.PathValue("callID"), organizationID)
		if err != nil {
			if m != nil {
				// Manifest committed, bundle pending recovery.
				logger.Warn("manifest created but bundle deferred", "manifest_id", m.ID, "error", err)
				writeJSON(w, http.StatusCreated, m)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	})

	mux.HandleFunc("GET /v1/calls/{callID}/manifests", func(w http.ResponseWriter, r *http.Request) {
		manifests, err := st.ListManifests(r.Context(), r.PathValue("callID"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, manifests)
	})

	mux.HandleFunc("GET /v1/bundles/{bundleID}", func(w http.ResponseWriter, r *http.Request) {
		b, err := st.GetBundle(r.Context(), r.PathValue("bundleID"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	})

	mux.HandleFunc("GET /v1/bundles/{bundleID}/verify", func(w http.ResponseWriter, r *http.Request) {
		report, err := pipe.VerifyBundle(r.Context(), r.PathValue("bundleID"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	mux.HandleFunc("POST /v1/bundles/{bundleID}/export", func(w http.ResponseWriter, r *http.Request) {
		_, addr, err := exporter.Export(r.Context(), r.PathValue("bundleID"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"address": addr})
	})

	mux.HandleFunc("POST /v1/manifests/{manifestID}/bundle", func(w http.ResponseWriter, r *http.Request) {
		b, err := pipe.EnsureBundle(r.Context(), r.PathValue("manifestID"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	})

	return mux
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, contracts.ErrManifestNotFound),
		errors.Is(err, contracts.ErrBundleNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
