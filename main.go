package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasksync/api"
	"tasksync/config"
	"tasksync/coordinator"
	"tasksync/ingest"
	"tasksync/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisConn != "" {
		opts, err := config.RedisOptions(cfg.RedisConn)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
	}

	store := storage.NewTaskStore()
	persister, err := newPersister(cfg, rc)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	var writer *storage.Writer
	if persister != nil {
		loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		tasks, err := persister.LoadTasks(loadCtx)
		if err != nil {
			cancel()
			log.Fatalf("load tasks: %v", err)
		}
		nextID, err := persister.LoadNextID(loadCtx)
		cancel()
		if err != nil {
			log.Fatalf("load next id: %v", err)
		}
		store.Restore(tasks, nextID)
		writer = storage.NewWriter(persister, logger)
		logger.WithFields(log.Fields{"persistence": cfg.Persistence, "tasks": len(tasks), "nextId": store.NextID()}).Info("tasks restored")
	}

	coord := coordinator.New(store, logger, coordinator.WithQueueSize(cfg.IntentBuffer))
	go func() {
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("coordinator exited")
		}
	}()

	writerCtx, cancelWriter := context.WithCancel(context.Background())
	defer cancelWriter()
	if writer != nil {
		go writer.Run(writerCtx)
		if err := coord.Join(ctx, writer); err != nil {
			log.Fatalf("register storage writer: %v", err)
		}
	}

	var deduper api.Deduper
	if rc != nil {
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}

	if cfg.IntentQueue != "" {
		src, err := ingest.NewQueueSource(cfg.StorageConn, cfg.IntentQueue)
		if err != nil {
			log.Fatalf("intent queue: %v", err)
		}
		var opts []ingest.Option
		if deduper != nil {
			opts = append(opts, ingest.WithDeduper(deduper))
		}
		consumer := ingest.NewConsumer(src, coord, logger, opts...)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("intent queue consumer exited")
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderContentEncoding},
	}))
	api.Register(e, coord, deduper, api.Options{
		MailboxSize: cfg.MailboxSize,
		Keepalive:   cfg.StreamKeepalive,
	}, logger)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	<-coord.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}
	if writer != nil {
		select {
		case <-writer.Stopped():
		case <-shutdownCtx.Done():
			logger.WithField("pending", writer.Pending()).Warn("storage writer did not drain")
		}
	}
}

func newPersister(cfg config.Config, rc *redis.Client) (storage.Persister, error) {
	switch cfg.Persistence {
	case config.PersistRedis:
		return storage.NewRedisPersister(rc, cfg.RedisKey), nil
	case config.PersistTables:
		return storage.NewTablePersister(cfg.StorageConn, cfg.TasksTable)
	default:
		return nil, nil
	}
}
