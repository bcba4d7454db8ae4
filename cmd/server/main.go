package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/chunkdrop/backend/internal/api"
	"github.com/chunkdrop/backend/internal/config"
	"github.com/chunkdrop/backend/internal/logging"
	"github.com/chunkdrop/backend/internal/storage"
	"github.com/chunkdrop/backend/internal/upload"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Get the executable's directory for config resolution
	exePath, err := os.Executable()
	if err != nil {
		fmt.Printf("Failed to get executable path: %v\n", err)
		os.Exit(1)
	}
	exeDir := filepath.Dir(exePath)

	// Load XML configuration
	configPath := filepath.Join(exeDir, "chunkdrop.config.xml")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New("chunkdrop", cfg.Advanced.LogLevel)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, configPath, log); err != nil {
		log.Errorw("server stopped", "ERROR", err)
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, configPath string, log *zap.SugaredLogger) error {
	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnw("close session store", "ERROR", err)
		}
	}()

	files, err := storage.NewLocalFileStore(cfg.GetUploadDir())
	if err != nil {
		return fmt.Errorf("failed to initialize upload directory: %w", err)
	}

	maxChunkSize, _ := cfg.MaxChunkSizeBytes()
	interval, _ := cfg.ReaperInterval()
	staleThreshold, _ := cfg.StaleThreshold()

	uploadMgr := upload.NewManager(store, files, upload.Options{
		MaxChunks:    cfg.Upload.MaxChunks,
		MaxChunkSize: maxChunkSize,
		Logger:       log.Named("upload"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stale session cleanup runs until shutdown
	reaper := upload.NewReaper(uploadMgr, upload.ReaperConfig{
		Enabled:        cfg.Reaper.Enabled,
		Interval:       interval,
		StaleThreshold: staleThreshold,
	}, log.Named("reaper"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Start(ctx)
	}()

	e := api.NewServer(&api.Dependencies{
		Uploads:      uploadMgr,
		Store:        store,
		Log:          log.Named("http"),
		Version:      Version,
		StoreBackend: cfg.Storage.Backend,
	}, api.MiddlewareOptions{
		RequestLogging:   cfg.Advanced.EnableRequestLogging,
		ShowErrorDetails: cfg.Advanced.ShowErrorDetails,
		EnableCORS:       cfg.Server.EnableCORS,
		AllowOrigins:     cfg.GetAllowOrigins(),
	})

	// Configure server with settings from XML config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg, configPath, maxChunkSize)
	log.Infow("server starting",
		"addr", cfg.GetServerAddr(),
		"version", Version,
		"store", cfg.Storage.Backend,
		"uploads", cfg.GetUploadDir(),
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- e.StartServer(s)
	}()

	select {
	case err := <-serveErr:
		stop()
		wg.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Infow("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	err = e.Shutdown(shutdownCtx)
	wg.Wait()
	if err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Infow("server stopped")
	return nil
}

func openStore(cfg *config.AppConfig) (storage.SessionStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendLevelDB:
		return storage.NewLevelStore(cfg.GetStorePath())
	default:
		return storage.NewDuckStore(cfg.GetStorePath(), storage.DuckOptions{
			Threads:     cfg.Advanced.DuckDBThreads,
			MemoryLimit: cfg.Advanced.DuckDBMemoryLimit,
		})
	}
}

func printBanner(cfg *config.AppConfig, configPath string, maxChunkSize int64) {
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           ChunkDrop Upload Server                         ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Store:      %-45s║\n", cfg.Storage.Backend)
	fmt.Printf("║  Max Chunk:  %-45s║\n", units.BytesSize(float64(maxChunkSize)))
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Uploads:   %-46s║\n", cfg.GetUploadDir())
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
