package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campuschat/internal/chatserver"
	"github.com/campuschat/internal/chatserver/directory"
	"github.com/campuschat/internal/chatserver/store"
	memorystore "github.com/campuschat/internal/chatserver/store/memory"
	pgstore "github.com/campuschat/internal/chatserver/store/postgres"
	"github.com/campuschat/internal/config"
	"github.com/campuschat/internal/logger"
	"github.com/campuschat/internal/startup"
)

func main() {
	logger.SetPrefix("chatserver")
	dev := flag.Bool("dev", false, "with storage_backend=postgres, start an embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting chat server")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev && cfg.StorageBackend == "postgres" {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	msgStore, pool := openStore(cfg)
	defer msgStore.Close()
	if pool != nil {
		defer pool.Close()
	}

	dir, err := directory.Load(cfg.DirectoryPath)
	if err != nil {
		logger.Errorf("directory: %v (lookup will serve empty results)", err)
		dir = directory.New(nil, nil, nil)
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := chatserver.NewHub(msgStore, cfg.MaxWSConnections)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	h := chatserver.NewHandler(hub, msgStore, dir, cfg.CORSAllowedOrigins)
	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      h.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s (storage: %s)", cfg.ServerAddr, cfg.StorageBackend)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// openStore builds the configured MessageStore. The pgx pool is returned
// separately because the caller owns its lifetime.
func openStore(cfg *config.Config) (store.MessageStore, *pgxpool.Pool) {
	switch cfg.StorageBackend {
	case "redis":
		return startup.ConnectRedisWithRetry(cfg.RedisURL, 60*time.Second), nil
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 4
		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := pgstore.New(ctx, pool)
		if err != nil {
			logger.Errorf("postgres store: %v", err)
			os.Exit(1)
		}
		logger.Info("database connected, schema applied")
		return s, pool
	case "memory", "":
		return memorystore.New(), nil
	default:
		logger.Errorf("unknown storage backend %q", cfg.StorageBackend)
		os.Exit(1)
		return nil, nil
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "campuschat"
		password = "campuschat_secret"
		database = "campuschat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
