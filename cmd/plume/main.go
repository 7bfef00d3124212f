// CLAUDE:SUMMARY Entry point for the plume persona service — chi router, shield stack, OpenAI or static backend, MCP/QUIC optional.
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/plumehq/plume/dbopen"
	"github.com/plumehq/plume/genai"
	"github.com/plumehq/plume/mcpquic"
	"github.com/plumehq/plume/observability"
	"github.com/plumehq/plume/persona"
	"github.com/plumehq/plume/shield"
)

func main() {
	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Configuration: optional YAML file, environment on top.
	cfg := persona.DefaultConfig()
	if path := os.Getenv("PLUME_CONFIG"); path != "" {
		loaded, err := persona.LoadConfig(path)
		if err != nil {
			slog.Error("load config", "path", path, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.HTTPAddr = env("PLUME_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DBPath = env("PLUME_DB", cfg.DBPath)
	cfg.Observability.DBPath = env("PLUME_OBS_DB", cfg.Observability.DBPath)
	cfg.Backend.Model = env("OPENAI_MODEL", cfg.Backend.Model)
	cfg.Backend.BaseURL = env("OPENAI_BASE_URL", cfg.Backend.BaseURL)
	cfg.MCP.Transport = env("MCP_TRANSPORT", cfg.MCP.Transport)
	cfg.MCP.QUICAddr = env("MCP_QUIC_ADDR", cfg.MCP.QUICAddr)
	if err := cfg.Validate(); err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Task/cache/archive DB.
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Observability DB: event log, heartbeats, metrics, audit.
	obsDB, err := dbopen.Open(cfg.ObsDBPath(), dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open observability db", "path", cfg.ObsDBPath(), "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}
	events := observability.NewEventLogger(obsDB)
	metrics := observability.NewMetricsManager(obsDB, 256, 30*time.Second)
	defer metrics.Close()
	auditor := observability.NewAuditLogger(obsDB, 256)
	defer auditor.Close()
	go obsRetention(ctx, obsDB, cfg.Observability.RetentionDays)

	// Shield: rate limit rule for the spend-triggering create route.
	if err := shield.Init(db); err != nil {
		slog.Error("shield init", "error", err)
		os.Exit(1)
	}
	if err := shield.SetRule(db, "POST /api/persona/tasks", cfg.RateLimit.CreatePerMinute, 60); err != nil {
		slog.Error("shield rule", "error", err)
		os.Exit(1)
	}
	limiter := shield.NewRateLimiter(db)
	limiter.StartReloader(ctx.Done())

	// Generation backend. Without an API key the deterministic static
	// generator serves, which keeps dev and CI off the paid backend.
	opts := []persona.ServiceOption{
		persona.WithEventLogger(events),
		persona.WithMetrics(metrics),
		persona.WithAudit(auditor),
		persona.WithObservabilityDB(obsDB),
	}
	apiKey := os.Getenv("OPENAI_API_KEY")
	if cfg.Backend.Provider == persona.ProviderOpenAI && apiKey != "" {
		backend, err := genai.NewOpenAI(genai.Options{
			APIKey:  apiKey,
			Model:   cfg.Backend.Model,
			BaseURL: cfg.Backend.BaseURL,
		})
		if err != nil {
			slog.Error("openai backend", "error", err)
			os.Exit(1)
		}
		opts = append(opts, persona.WithGenerator(genai.NewBreaker(backend)))
		slog.Info("backend ready", "provider", "openai", "model", cfg.Backend.Model)
	} else {
		if cfg.Backend.Provider == persona.ProviderOpenAI {
			slog.Warn("OPENAI_API_KEY not set, using static generator")
		}
		slog.Info("backend ready", "provider", "static")
	}

	svc, err := persona.New(db, cfg, logger, opts...)
	if err != nil {
		slog.Error("persona service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		slog.Error("start service", "error", err)
		os.Exit(1)
	}

	// Optional MCP over QUIC, after Start so tool calls hit live schemas.
	if cfg.MCP.Transport == "quic" {
		startMCPQUIC(ctx, cfg, svc, logger)
	}

	// Router.
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack() {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.With(limiter.Middleware).Post("/api/persona/tasks", func(w http.ResponseWriter, r *http.Request) {
		var req persona.GenerationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		task, err := svc.CreateTask(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		// A submit-time cache hit comes back already completed.
		code := 201
		if task.Status == persona.StatusCompleted {
			code = 200
		}
		writeJSON(w, code, task)
	})

	r.Get("/api/persona/tasks/{taskID}", func(w http.ResponseWriter, r *http.Request) {
		task, err := svc.GetTask(r.Context(), chi.URLParam(r, "taskID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, 200, task)
	})

	r.Get("/api/persona/platforms", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]any{"platforms": persona.Platforms()})
	})

	r.Get("/api/persona/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Stats(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, stats)
	})

	r.Get("/api/persona/archive", func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		records, err := svc.ListPersonas(r.Context(), limit, offset)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]any{"personas": records})
	})

	r.Get("/api/persona/archive/{personaID}", func(w http.ResponseWriter, r *http.Request) {
		record, err := svc.GetPersona(r.Context(), chi.URLParam(r, "personaID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, 200, record)
	})

	// HTTP server.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// startMCPQUIC exposes the persona tools over QUIC. Failures here are
// logged, never fatal: the HTTP surface stays up.
func startMCPQUIC(ctx context.Context, cfg *persona.Config, svc *persona.Service, logger *slog.Logger) {
	mcpSrv := mcp.NewServer(&mcp.Implementation{
		Name:    "plume",
		Version: "1.0.0",
	}, nil)
	svc.RegisterMCP(mcpSrv)

	certFile := env("TLS_CERT", "")
	keyFile := env("TLS_KEY", "")

	var tlsCfg *tls.Config
	var err error
	if certFile != "" && keyFile != "" {
		tlsCfg, err = mcpquic.ServerTLSConfig(certFile, keyFile)
	} else {
		tlsCfg, err = mcpquic.SelfSignedTLSConfig()
	}
	if err != nil {
		slog.Error("MCP QUIC TLS", "error", err)
		return
	}
	ql, err := mcpquic.NewListener(cfg.MCP.QUICAddr, tlsCfg, mcpSrv, logger)
	if err != nil {
		slog.Error("MCP QUIC listener", "error", err)
		return
	}
	go func() {
		slog.Info("MCP QUIC starting", "addr", cfg.MCP.QUICAddr)
		if err := ql.Serve(ctx); err != nil && ctx.Err() == nil {
			slog.Error("MCP QUIC", "error", err)
		}
	}()
}

// obsRetention prunes the observability tables once at startup and then
// daily.
func obsRetention(ctx context.Context, db *sql.DB, days int) {
	cleanup := func() {
		err := observability.Cleanup(ctx, db, observability.RetentionConfig{
			EventLogsDays:  days,
			HeartbeatsDays: days,
			AuditLogsDays:  days,
		})
		if err != nil {
			slog.Warn("observability retention", "error", err)
		}
	}
	cleanup()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanup()
		}
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persona.ErrNoPlatforms),
		errors.Is(err, persona.ErrTooManyPlatforms),
		errors.Is(err, persona.ErrDuplicatePlatform),
		errors.Is(err, persona.ErrUnknownPlatform):
		writeError(w, 400, err)
	case errors.Is(err, persona.ErrTaskNotFound),
		errors.Is(err, persona.ErrPersonaNotFound):
		writeError(w, 404, err)
	case errors.Is(err, persona.ErrRateLimited):
		writeError(w, 429, err)
	default:
		writeError(w, 500, err)
	}
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
