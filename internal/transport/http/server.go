package http

import (
	"context"
	"errors"
	"fmt"
	"log"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hwconfirm/internal/archive"
	"hwconfirm/internal/config"
	"hwconfirm/internal/database"
	"hwconfirm/internal/handler"
	"hwconfirm/internal/notify"
	"hwconfirm/internal/queue"
	"hwconfirm/internal/redis"
	"hwconfirm/internal/repository"
	"hwconfirm/internal/secretbox"
	"hwconfirm/internal/service"
	"hwconfirm/internal/store"
	"hwconfirm/internal/transport/http/middleware"
	"hwconfirm/internal/transport/mqtt"
	"hwconfirm/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func Run() error {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the record store (and Redis, when configured)
	kv, redisClient, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	box, err := secretbox.FromHex(cfg.DeviceSecretKey)
	if err != nil {
		return fmt.Errorf("failed to init secret box: %w", err)
	}

	deviceRepo := repository.NewDeviceRepository(kv, box)
	confirmRepo := repository.NewConfirmationRepository(kv)

	// 3. Broker adapter and services
	broker := mqtt.NewAdapter(mqtt.Options{
		Broker:         cfg.MQTTBroker,
		ClientID:       cfg.MQTTClientID,
		Username:       cfg.MQTTUsername,
		Password:       cfg.MQTTPassword,
		QoS:            cfg.MQTTQoS,
		PublishTimeout: cfg.MQTTPublishTimeout,
	})

	deviceService := service.NewDeviceService(deviceRepo, broker)

	hub := notify.NewHub()
	var notifier service.Notifier = hub
	var streamNotifier *queue.StreamNotifier
	var relay *worker.Relay
	if redisClient != nil {
		streamNotifier = queue.NewStreamNotifier(queue.NewPublisher(redisClient.Client), hub)
		notifier = streamNotifier
		relay = worker.NewRelay(
			queue.NewOutcomeGroup(redisClient.Client, cfg.InstanceID),
			worker.NewHandler(hub),
			worker.RelayConfig{},
		)
	}

	confirmationService := service.NewConfirmationService(confirmRepo, deviceService, broker, notifier, cfg.ConfirmationTimeout)
	broker.OnResponse(confirmationService.HandleDeviceResponse)

	if err := broker.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	// Stops every source of outcomes before draining stream publishes.
	var sweeper *worker.Sweeper
	defer func() {
		if sweeper != nil {
			sweeper.Stop()
		}
		broker.Close()
		confirmationService.Stop()
		if streamNotifier != nil {
			streamNotifier.Close()
		}
	}()

	if err := deviceService.ResubscribeAll(ctx); err != nil {
		log.Printf("[Server] Resubscribe failed, devices will attach on registration: %v", err)
	}

	// 4. Background workers
	if relay != nil {
		if err := relay.Start(ctx); err != nil {
			return fmt.Errorf("failed to start outcome relay: %w", err)
		}
		defer relay.Stop()
	}

	var archiver service.Archiver
	if cfg.ArchiveEnabled() {
		s3Archiver, err := archive.NewS3Archiver(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to init archive: %w", err)
		}
		archiver = s3Archiver
	}

	sweeper = worker.NewSweeper(confirmationService, archiver, cfg.SweepInterval, cfg.Retention)
	sweeper.Start(ctx)

	// 5. HTTP server
	limiter := middleware.NewRateLimiter(cfg.ConfirmRatePerMin, middleware.DefaultBurst)
	defer limiter.Stop()

	router := NewRouter(RouterConfig{
		DeviceHandler:       handler.NewDeviceHandler(deviceService),
		ConfirmationHandler: handler.NewConfirmationHandler(confirmationService),
		HealthHandler:       handler.NewHealthHandler(broker),
		PushHandler:         handler.NewPushHandler(hub, cfg.JWTSecret, cfg.AllowedOrigins),
		ConfirmLimiter:      limiter,
		JWTSecret:           cfg.JWTSecret,
		AllowedOrigins:      cfg.AllowedOrigins,
	})

	srv := &stdhttp.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] Listening on :%s (store=%s instance=%s)", cfg.ServerPort, cfg.StoreBackend, cfg.InstanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("[Server] Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] Graceful shutdown failed: %v", err)
	}
	return nil
}

// openStore selects the record store backend. Redis is also returned when
// REDIS_URL is set so the outcome stream can fan out across instances.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *redis.Client, func(), error) {
	var redisClient *redis.Client
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.RedisURL != "" || cfg.StoreBackend == config.StoreRedis {
		c, err := redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, closeAll, fmt.Errorf("failed to connect to redis: %w", err)
		}
		redisClient = c
		closers = append(closers, func() { c.Close() })
	}

	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Println("[Server] Using in-memory store; records are lost on restart")
		return store.NewMemoryStore(), redisClient, closeAll, nil

	case config.StoreRedis:
		return store.NewRedisStore(redisClient.Client, ""), redisClient, closeAll, nil

	case config.StorePostgres:
		db, err := database.Connect(ctx, cfg)
		if err != nil {
			closeAll()
			return nil, nil, func() {}, err
		}
		closers = append(closers, func() { db.Close() })

		pg := store.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, func() {}, fmt.Errorf("failed to migrate store: %w", err)
		}
		return pg, redisClient, closeAll, nil

	default:
		closeAll()
		return nil, nil, func() {}, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}
