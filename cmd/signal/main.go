package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"xipher/internal/core/domain"
	"xipher/internal/core/services"
	"xipher/internal/infrastructure/distributed"
	"xipher/internal/infrastructure/repositories/redis"
	signalhub "xipher/internal/infrastructure/signal"
	"xipher/pkg/config"
	"xipher/pkg/logger"
	"xipher/pkg/utils"
)

func main() {
	configPaths := []string{
		os.Getenv("XIPHER_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if loaded, err := config.Load(path); err == nil {
			cfg = loaded
			break
		}
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	verify := func(token string) (domain.UserID, error) {
		claims, err := authService.ValidateToken(token)
		if err != nil {
			return "", err
		}
		return claims.UserID, nil
	}

	hubCfg := signalhub.DefaultHubConfig()
	hubCfg.PingInterval = cfg.Signal.PingInterval
	hubCfg.PongTimeout = cfg.Signal.PongTimeout
	hubCfg.WriteTimeout = cfg.Signal.WriteTimeout
	hubCfg.MaxMessageSize = cfg.RateLimiting.Signal.MaxMessageSizeBytes
	hubCfg.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		hubCfg.MessagesPerSecond = cfg.RateLimiting.Signal.MessagesPerSecond
		hubCfg.Burst = cfg.RateLimiting.Signal.Burst
	}
	hub := signalhub.NewHub(hubCfg, verify, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// With redis configured the hub logs call events published by call nodes.
	if cfg.Redis.Enabled {
		client, err := redis.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			log.Warnw("Event bus unavailable", "error", err)
		} else {
			defer redis.CloseRedisClient(client)
			bus := distributed.NewEventBus(client, utils.NewRequestID(), "signal-hub", log)
			go func() {
				err := bus.Subscribe(ctx, func(env *distributed.Envelope) {
					log.Infow("Call event",
						"node", env.Node,
						"type", env.Event.Type,
						"call_id", env.Event.CallID,
						"peer", env.Event.Peer,
						"online", hub.IsConnected(env.Event.Peer),
					)
				})
				if err != nil && ctx.Err() == nil {
					log.Errorw("Event bus subscription ended", "error", err)
				}
			}()
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWebSocket)
	mux.HandleFunc("/health", hub.HealthCheck)

	srv := &http.Server{Addr: cfg.Signal.Address, Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting xipher signaling hub on %s", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("Signaling hub failed", "error", err)
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during hub shutdown", "error", err)
	}
	log.Info("xipher signaling hub stopped")
}
