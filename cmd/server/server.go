package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flowcanvas/companion/internal/config"
	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/core/services"
	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/db"
	"github.com/flowcanvas/companion/internal/infrastructure/engine"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"github.com/flowcanvas/companion/internal/infrastructure/remote"
	"github.com/flowcanvas/companion/internal/infrastructure/sink"
	"github.com/flowcanvas/companion/internal/relay"
	transporthttp "github.com/flowcanvas/companion/internal/transport/http"
	"github.com/gofiber/fiber/v2"
	"github.com/gofrs/flock"
)

var ErrAlreadyRunning = errors.New("another companion instance holds the lock")

func runServer(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	if cfg.Features.SingleInstance {
		lock, err := acquireInstanceLock(cfg.Features.LockFile)
		if err != nil {
			log.Errorw("instance_lock_failed", "lock_file", cfg.Features.LockFile, "error", err)
			return err
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				log.Warnw("instance_unlock_failed", "error", err)
			}
		}()
	}

	repo, err := openJobRepository(cfg.Store, log.Named("store"))
	if err != nil {
		log.Errorw("job_store_open_failed", "driver", cfg.Store.Driver, "error", err)
		return err
	}
	if repo != nil {
		defer repo.Close()
	}
	log.Infow("job_store_ready", "driver", cfg.Store.Driver)

	engineClient := engine.NewClient(cfg.Engine, log.Named("engine"))
	defer engineClient.Close()

	rl := relay.New(relay.Config{
		URL:            cfg.Engine.WSURL(),
		SendQueue:      cfg.Relay.SendQueue,
		MaxRetries:     cfg.Relay.MaxRetries,
		InitialBackoff: cfg.Relay.InitialBackoff,
		MaxBackoff:     cfg.Relay.MaxBackoff,
	}, relay.GorillaDialer(cfg.Engine.DialTimeout, cfg.Relay.WriteTimeout), log.Named("relay"))

	modelSink, err := openModelSink(cfg.Install)
	if err != nil {
		log.Errorw("model_sink_open_failed", "error", err)
		return err
	}
	defer modelSink.Close()

	lockDir := cfg.Install.LockDir
	if lockDir == "" {
		lockDir = filepath.Join(os.TempDir(), "flowcanvas-companion-locks")
	}

	installers := map[domain.JobKind]ports.Installer{
		domain.JobKindExtension: services.NewExtensionInstaller(engineClient, log.Named("installer")),
		domain.JobKindModel: services.NewModelInstaller(services.ModelInstallerConfig{
			LockDir:  lockDir,
			RetryMax: cfg.Install.DownloadRetry,
		}, modelSink, log.Named("installer")),
	}

	registry := services.NewJobRegistry(services.JobRegistryConfig{
		Retention: services.RetentionPolicy{
			MaxJobs: cfg.Install.Retention.MaxJobs,
			MaxAge:  cfg.Install.Retention.MaxAge,
		},
		Repository: repo,
		Logger:     log.Named("jobs"),
	})
	jobManager := services.NewJobManager(services.JobManagerConfig{
		MaxConcurrent: cfg.Install.MaxConcurrent,
		SweepInterval: cfg.Install.Retention.SweepInterval,
	}, registry, installers, log.Named("jobs"))
	if err := jobManager.Start(ctx); err != nil {
		log.Errorw("job_manager_start_failed", "error", err)
		return err
	}

	app := transporthttp.NewApp(cfg, log)
	transporthttp.SetupRoutes(app, transporthttp.RouterConfig{
		Config:  cfg,
		Logger:  log,
		Relay:   rl,
		Tasks:   services.NewTaskGateway(engineClient, rl, log.Named("tasks")),
		Jobs:    jobManager,
		Catalog: services.NewCatalogService(engineClient, jobManager, log.Named("catalog")),
	})

	addr := cfg.Server.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Errorw("server_listen_failed", "address", addr, "error", err)
		jobManager.Close()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.Listener(ln)
	}()

	log.Infow("server_started",
		"address", addr,
		"engine", cfg.Engine.BaseURL,
		"proxy_prefix", cfg.Engine.ProxyPrefix,
		"version", version,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Errorw("server_failed", "error", err)
		}
	}

	gracefulShutdown(app, rl, jobManager, log)
	return nil
}

func gracefulShutdown(app *fiber.App, rl *relay.Relay, jobs *services.JobManager, log *logger.Logger) {
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rl.Close()
	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Errorf("server forced to shutdown: %v", err)
	}
	jobs.Close()

	log.Info("server exited gracefully")
}

func acquireInstanceLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
	}
	return lock, nil
}

func openJobRepository(cfg config.StoreConfig, log *logger.Logger) (ports.JobRepository, error) {
	switch cfg.Driver {
	case "bolt":
		return db.OpenBoltJobRepository(cfg.BoltPath, log)
	case "postgres":
		database, err := db.NewPostgresConnection(cfg.Postgres)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(database); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return db.NewJobRepository(database, log), nil
	default:
		return nil, nil
	}
}

func openModelSink(cfg config.InstallConfig) (ports.ModelSink, error) {
	if cfg.Remote.Host == "" {
		return sink.NewLocal(cfg.ModelsDir)
	}
	client := remote.NewSSHClient(remote.SSHConfig{
		Host:           cfg.Remote.Host,
		Port:           cfg.Remote.Port,
		User:           cfg.Remote.User,
		Password:       cfg.Remote.Password,
		PrivateKeyPath: cfg.Remote.PrivateKeyPath,
		Timeout:        cfg.Remote.Timeout,
	})
	return remote.NewSFTPSink(client, cfg.ModelsDir), nil
}
