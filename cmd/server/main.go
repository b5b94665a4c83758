package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"coderoom/internal/app"
	"coderoom/internal/blocks"
	"coderoom/internal/metrics"
	"coderoom/internal/room"
	"coderoom/internal/session"
	"coderoom/internal/ws"
)

func main() {
	// Load local .env (dev only)
	_ = godotenv.Load()

	cfg := app.LoadConfig()
	logger := app.NewLogger(cfg.Env)

	// Cancel on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	router := mux.NewRouter()

	// Template provider: remote API, or the bundled sqlite store.
	var provider blocks.Provider
	if cfg.TemplateAPIURL != "" {
		logger.Info("blocks.remote", "url", cfg.TemplateAPIURL)
		provider = blocks.NewClient(cfg.TemplateAPIURL)
	} else {
		store, err := blocks.NewStore(cfg.BlocksDBPath)
		if err != nil {
			logger.Error("blocks.open", "err", err)
			log.Fatal(err)
		}
		defer store.Close()
		if err := store.Seed(ctx); err != nil {
			logger.Error("blocks.seed", "err", err)
			log.Fatal(err)
		}
		blocks.NewAPI(store, logger).Register(router)
		provider = store
	}

	registry := room.NewRegistry(provider, logger)
	coordinator := session.New(logger, registry, session.NormalizerFor(cfg.MatchMode))

	// WebSocket endpoint
	router.HandleFunc("/ws", ws.Handler(coordinator, logger))

	router.Handle("/metrics", metrics.Handler())
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(coordinator.Snapshot())
	}).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllow,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server.listening", "addr", cfg.HTTPAddr, "match_mode", cfg.MatchMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server.crash", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("server.shutdown.start")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("server.shutdown.complete")
}
