package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/franzego/notifyhub/internal/channels"
	"github.com/franzego/notifyhub/internal/config"
	"github.com/franzego/notifyhub/internal/handlers"
	"github.com/franzego/notifyhub/internal/middleware"
	"github.com/franzego/notifyhub/internal/notifier"
	"github.com/franzego/notifyhub/internal/queue"
	"github.com/franzego/notifyhub/internal/storage"
	redisclient "github.com/franzego/notifyhub/pkg/redis"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatal("Failed to build logger", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("notification service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var publisher notifier.Publisher
	var broker handlers.Broker
	if cfg.RabbitMQ.Enabled {
		rabbit, err := queue.NewRabbitPublisher(cfg.RabbitMQ, logger)
		if err != nil {
			logger.Warn("rabbitmq unavailable, outcomes and dead letters are only logged", zap.Error(err))
		} else {
			defer rabbit.Close()
			publisher = rabbit
			broker = rabbit
		}
	}

	localScheduler := channels.NewLogScheduler(logger)
	deps := notifier.Deps{
		Store:     store,
		KeyPrefix: cfg.Storage.KeyPrefix,
		DeviceID:  cfg.Storage.DeviceID,
		Socket:    channels.NewSocketClient(cfg.Socket, logger),
		GatewayA:  channels.NewGatewayAClient(cfg.GatewayA, logger),
		GatewayB:  newGatewayB(cfg.GatewayB, logger),
		Local:     channels.NewLocalChannel(localScheduler, logger),
		Tokens:    channels.StaticTokenProvider(cfg.Device.PushToken),
		Backstop:  localScheduler,
		Publisher: publisher,
		Delivery:  cfg.Delivery,
		Scheduler: cfg.Scheduler,
		Queue:     cfg.Queue,
		Logger:    logger,
	}
	svc, err := notifier.New(deps)
	if err != nil {
		return err
	}
	defer svc.Close()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.CorrelationID(), middleware.RequestLogger(logger))

	var auth gin.HandlerFunc
	if cfg.Auth.JWTSecret != "" {
		auth = middleware.AuthMiddleware(cfg.Auth.JWTSecret)
	} else {
		logger.Warn("auth.jwt_secret is empty, the API is unauthenticated")
	}
	handlers.Router{
		Health:        handlers.NewHealthHandler(svc, store, broker),
		Notifications: handlers.NewNotificationHandler(svc, store, cfg.Storage.KeyPrefix, logger),
		Preferences:   handlers.NewPreferencesHandler(svc),
		Events:        handlers.NewEventHandler(svc, logger),
	}.Register(r, auth)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout + cfg.Delivery.SendTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Start(ctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func openStore(cfg *config.Config, logger *zap.Logger) (storage.Store, func(), error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := storage.OpenSQLite(cfg.Storage.SQLiteDSN)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using sqlite storage", zap.String("dsn", cfg.Storage.SQLiteDSN))
		return store, func() { store.Close() }, nil
	default:
		client, err := redisclient.InitRedis(cfg.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewRedisStore(client), func() { client.Close() }, nil
	}
}

// newGatewayB returns an unavailable client when no signing key is configured.
func newGatewayB(cfg config.GatewayBConfig, logger *zap.Logger) *channels.GatewayBClient {
	if cfg.PrivateKeyPath == "" {
		return channels.NewGatewayBClient(cfg, nil, logger)
	}
	key, err := channels.LoadSigningKey(cfg.PrivateKeyPath)
	if err != nil {
		logger.Warn("gateway b signing key unusable", zap.Error(err))
	}
	return channels.NewGatewayBClient(cfg, key, logger)
}
