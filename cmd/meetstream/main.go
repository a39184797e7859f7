package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stridehq/meetstream/internal/analysis"
	"github.com/stridehq/meetstream/internal/approval"
	"github.com/stridehq/meetstream/internal/auth"
	"github.com/stridehq/meetstream/internal/config"
	"github.com/stridehq/meetstream/internal/detection"
	"github.com/stridehq/meetstream/internal/gateway"
	"github.com/stridehq/meetstream/internal/github"
	"github.com/stridehq/meetstream/internal/hub"
	"github.com/stridehq/meetstream/internal/logging"
	"github.com/stridehq/meetstream/internal/server"
	"github.com/stridehq/meetstream/internal/store"
	"github.com/stridehq/meetstream/internal/stt"
	"github.com/stridehq/meetstream/internal/transcript"
	"github.com/stridehq/meetstream/internal/version"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.Error(logging.CategoryApp, "failed to load configuration: %v", err)
		os.Exit(1)
	}

	// Initialize logging
	logging.Init(cfg.LogLevel)
	logging.Info(logging.CategoryApp, "starting meetstream version=%s", version.Version)

	// Select the document store
	var st store.Store
	var mongo *store.Mongo
	if cfg.MongoURI != "" {
		dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		mongo, err = store.DialMongo(dialCtx, cfg.MongoURI, cfg.MongoDatabase)
		cancel()
		if err != nil {
			logging.Error(logging.CategoryApp, "failed to connect to mongodb: %v", err)
			os.Exit(1)
		}
		st = mongo
		logging.Info(logging.CategoryApp, "using mongodb store db=%s", cfg.MongoDatabase)
	} else {
		st = store.NewMemory()
		logging.Warning(logging.CategoryApp, "no MONGO_URI configured; using in-memory store")
	}

	// Wire components
	notifications := hub.New()
	var issues github.IssueCreator
	if cfg.GitHubToken != "" && cfg.GitHubRepo != "" {
		issues = &github.Client{Token: cfg.GitHubToken, Repo: cfg.GitHubRepo}
	}
	workflow := approval.New(st, notifications, issues)
	triggers := detection.New(st, workflow)
	buffers := transcript.NewServiceWithWindow(cfg.BufferWindow)
	sessions := stt.NewManager(&stt.DeepgramDialer{
		Endpoint: cfg.DeepgramEndpoint,
		APIKey:   cfg.DeepgramAPIKey,
	}, cfg.AudioQueueSize)
	verifier := auth.JWTVerifier{Secret: cfg.JWTSecret}
	gw := gateway.New(verifier, buffers, sessions, notifications, analysis.NewNoop(), workflow, cfg.AllowedOrigins, cfg.DrainTimeout)

	srv := server.New(cfg.ListenAddr, cfg.AllowedOrigins, verifier, workflow, triggers, gw)

	// Serve until interrupted
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info(logging.CategoryApp, "received signal %v, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			logging.Error(logging.CategoryApp, "server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warning(logging.CategoryApp, "server shutdown: %v", err)
	}
	sessions.CloseAll()
	if mongo != nil {
		if err := mongo.Close(shutdownCtx); err != nil {
			logging.Warning(logging.CategoryApp, "mongodb close: %v", err)
		}
	}
	logging.Info(logging.CategoryApp, "shutdown complete")
}
