package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/capup/capup-engine/internal/api"
	"github.com/capup/capup-engine/internal/asset"
	"github.com/capup/capup-engine/internal/command"
	"github.com/capup/capup-engine/internal/config"
	"github.com/capup/capup-engine/internal/db"
	"github.com/capup/capup-engine/internal/job"
	"github.com/capup/capup-engine/internal/logging"
	"github.com/capup/capup-engine/internal/session"
	"github.com/capup/capup-engine/internal/workers"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	// .env is optional; real env vars win either way
	godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	var logger = logging.NewLogger(cfg.LogLevel())
	if cfg.LogFile() != "" {
		logger = logging.NewFileLogger(cfg.LogLevel(), cfg.LogFile(), 20, 5)
	}
	logger.Info("starting capup engine", "version", config.Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	sessionRepo := session.NewRepository(database.Conn())

	authToken, err := ensureAuthToken(sessionRepo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                    CAPUP ENGINE v%-8s                 ║\n", config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	store, err := asset.NewStore(asset.NewRepository(database.Conn()), cfg.BlobDir(), cfg.StoreMaxBytes(),
		logging.WithComponent(logger, "asset-store"))
	if err != nil {
		return fmt.Errorf("failed to initialize asset store: %w", err)
	}

	queue := job.NewQueue(job.NewRepository(database.Conn()), cfg.MaxRetries(), cfg.RetryBackoff(),
		logging.WithComponent(logger, "job-queue"))

	// ML and encode backends are stubs until the real services are attached.
	workerLogger := logging.WithComponent(logger, "workers")
	queue.Register(
		workers.NewTranscriber(store, workers.NewStubTranscription(workerLogger), workerLogger),
		job.Limits{Workers: cfg.WorkersTranscribe(), QueueBound: cfg.QueueBound(), Timeout: cfg.TimeoutTranscribe()},
	)
	queue.Register(
		workers.NewSynthesizer(store, workers.NewStubVoice(workerLogger), workerLogger),
		job.Limits{Workers: cfg.WorkersSynthesize(), QueueBound: cfg.QueueBound(), Timeout: cfg.TimeoutSynthesize()},
	)
	queue.Register(
		workers.NewStoryliner(workers.NewStubStoryline(workerLogger), workerLogger),
		job.Limits{Workers: cfg.WorkersStoryline(), QueueBound: cfg.QueueBound(), Timeout: cfg.TimeoutStoryline()},
	)
	queue.Register(
		workers.NewExporter(store, workerLogger),
		job.Limits{Workers: cfg.WorkersExport(), QueueBound: cfg.QueueBound(), Timeout: cfg.TimeoutExport()},
	)

	manager := session.NewManager(
		sessionRepo,
		command.NewRepository(database.Conn()),
		store,
		queue,
		cfg.AutosaveStride(),
		cfg.AutosaveInterval(),
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue.Start(ctx)
	manager.Start()

	apiServer := api.NewServer(api.ServerConfig{
		Port:        cfg.Port(),
		Version:     config.Version,
		Manager:     manager,
		Store:       store,
		Queue:       queue,
		JobRepo:     job.NewRepository(database.Conn()),
		SessionRepo: sessionRepo,
		Logger:      logger,
		StartTime:   startTime,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	queue.Wait()
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Error("failed to flush open sessions", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func ensureAuthToken(repo session.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetSetting(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetSetting(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}

	return token, nil
}
