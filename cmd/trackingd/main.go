package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/masurp/travelgram-tracking/internal/blobstore"
	"github.com/masurp/travelgram-tracking/internal/config"
	"github.com/masurp/travelgram-tracking/internal/eventstore"
	"github.com/masurp/travelgram-tracking/internal/export"
	"github.com/masurp/travelgram-tracking/internal/forward"
	"github.com/masurp/travelgram-tracking/internal/guard"
	"github.com/masurp/travelgram-tracking/internal/handler"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/trackingd.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}

	log.Info().Msg("Starting Travelgram tracking server...")

	// Initialize blob store
	blob, err := blobstore.NewS3Store(context.Background(), cfg.Blob)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to blob store")
	}
	log.Info().Str("bucket", cfg.Blob.Bucket).Msg("Blob store connected")

	store := eventstore.New(blob, cfg.Tracking.Namespace)

	engine := export.NewEngine(store, export.Options{
		PauseBetweenFiles: cfg.Export.PauseBetweenFiles(),
	})

	g := guard.New(cfg)
	defer g.Close()

	forwarder := forward.New(cfg.Tracking.ForwardURL)
	if forwarder.Enabled() {
		log.Info().Str("url", cfg.Tracking.ForwardURL).Msg("Batch forwarding enabled")
	}

	httpHandler := handler.NewHTTPHandler(store, engine, g, forwarder, cfg.Tracking.RetentionDays)
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(handler.CORSMiddleware)
	httpHandler.Routes(r)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: r,
	}

	go func() {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to serve HTTP")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	httpServer.Shutdown(context.Background())
	engine.Wait()
	log.Info().Msg("Server stopped")
}
