package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"xipher/internal/core/domain"
	"xipher/internal/core/services"
	httphandlers "xipher/internal/handlers/http"
	archive "xipher/internal/infrastructure/backup"
	"xipher/internal/infrastructure/codec"
	"xipher/internal/infrastructure/distributed"
	"xipher/internal/infrastructure/iceconfig"
	"xipher/internal/infrastructure/janus"
	"xipher/internal/infrastructure/media"
	"xipher/internal/infrastructure/middleware"
	"xipher/internal/infrastructure/monitoring"
	"xipher/internal/infrastructure/repositories"
	signalclient "xipher/internal/infrastructure/signal"
	webrtcinfra "xipher/internal/infrastructure/webrtc"
	"xipher/pkg/backup"
	"xipher/pkg/circuitbreaker"
	"xipher/pkg/config"
	"xipher/pkg/logger"
	"xipher/pkg/retry"
	"xipher/pkg/tracing"
	"xipher/pkg/utils"
)

func loadConfig() *config.Config {
	configPaths := []string{
		os.Getenv("XIPHER_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if cfg, err := config.Load(path); err == nil {
			return cfg
		}
	}
	return config.DefaultConfig()
}

func engineConfig(cfg *config.Config) services.EngineConfig {
	ec := services.DefaultEngineConfig(domain.UserID(cfg.Node.UserID))
	ec.RingTimeout = cfg.Call.RingTimeout
	ec.IncomingRingTimeout = cfg.Call.IncomingRingTimeout
	ec.DuplicateOfferWindow = cfg.Call.DuplicateOfferWindow
	ec.CandidateTTL = cfg.Call.CandidateTTL
	ec.CandidateSweep = cfg.Call.CandidateSweep
	ec.MaxGroupSize = cfg.Call.MaxGroupSize
	ec.Health = services.HealthConfig{
		StatsInterval:      cfg.Health.StatsInterval,
		SilenceInterval:    cfg.Health.SilenceInterval,
		SilenceThreshold:   cfg.Health.SilenceThreshold,
		StallSamples:       cfg.Health.StallSamples,
		MaxSilenceRestarts: cfg.Health.MaxSilenceRestarts,
		LossWarnRatio:      cfg.Health.LossWarnRatio,
		JitterWarn:         cfg.Health.JitterWarn,
	}
	ec.Recovery = services.RecoveryConfig{
		RetryInterval:     cfg.Recovery.RetryInterval,
		Grace:             cfg.Recovery.Grace,
		MaxAttempts:       cfg.Recovery.MaxAttempts,
		DisconnectedGrace: cfg.Recovery.DisconnectedGrace,
		GroupGrace:        cfg.Recovery.GroupGrace,
	}
	ec.Retry = retryConfig(cfg)
	return ec
}

func retryConfig(cfg *config.Config) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.Retry.MaxAttempts
	rc.InitialDelay = cfg.Retry.InitialDelay
	rc.MaxDelay = cfg.Retry.MaxDelay
	rc.Multiplier = cfg.Retry.Multiplier
	rc.Jitter = cfg.Retry.Jitter
	return rc
}

func main() {
	cfg := loadConfig()

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	self := domain.UserID(cfg.Node.UserID)
	instanceID := utils.NewRequestID()
	log = log.With("node", self, "instance", instanceID)

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	repoFactory := repositories.NewFactory(cfg, log)
	defer repoFactory.Close()

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	signalToken, err := authService.GenerateToken(self)
	if err != nil {
		log.Fatalw("failed to issue signaling token", "error", err)
	}
	log.Debugw("Signaling token issued", "token", utils.MaskSensitive(signalToken, 8), "ttl", utils.FormatDuration(cfg.Auth.AccessTokenTTL))

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	output := media.NewOutput(media.DiscardPlayer{}, log)
	source := media.NewSource(media.Config{StreamID: string(self), Camera: true, ScreenCapture: true}, log)
	links, err := webrtcinfra.NewLinkFactory(webrtcinfra.Config{
		PortMin: cfg.ICE.PortRange.Min,
		PortMax: cfg.ICE.PortRange.Max,
	}, output, log)
	if err != nil {
		log.Fatalw("failed to create link factory", "error", err)
	}

	ice := iceconfig.NewProvider(iceconfig.Config{
		STUNServers:   cfg.ICE.STUNServers,
		TURNURLs:      cfg.ICE.TURN.URLs,
		SharedSecret:  cfg.ICE.TURN.SharedSecret,
		CredentialTTL: cfg.ICE.TURN.CredentialTTL,
		RefreshSkew:   cfg.ICE.TURN.RefreshSkew,
	}, log)
	defer ice.Stop()

	signalCfg := signalclient.DefaultClientConfig(cfg.Signal.URL)
	signalCfg.Token = signalToken
	signalCfg.PingInterval = cfg.Signal.PingInterval
	signalCfg.PongTimeout = cfg.Signal.PongTimeout
	signalCfg.WriteTimeout = cfg.Signal.WriteTimeout
	if cfg.RateLimiting.Enabled {
		signalCfg.MessagesPerSecond = cfg.RateLimiting.Signal.MessagesPerSecond
		signalCfg.Burst = cfg.RateLimiting.Signal.Burst
	}
	signalCfg.MaxMessageSize = cfg.RateLimiting.Signal.MaxMessageSizeBytes
	signalCfg.Reconnect.MaxAttempts = 10
	signalCfg.Reconnect.MaxDelay = cfg.Retry.MaxDelay
	signaling := signalclient.NewClient(signalCfg, log)

	feed := services.NewEventFeed()
	defer feed.Close()
	notifiers := services.MultiNotifier{feed}

	checker := monitoring.NewHealthChecker()
	checker.AddSignalingCheck(signaling)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if rc := repoFactory.RedisClient(); rc != nil {
		checker.AddRedisCheck(rc)
		bus := distributed.NewEventBus(rc, instanceID, self, log)
		notifiers = append(notifiers, bus)
		go func() {
			err := bus.Subscribe(runCtx, func(env *distributed.Envelope) {
				log.Debugw("Cluster call event", "from", env.Node, "type", env.Event.Type, "call_id", env.Event.CallID)
			})
			if err != nil && runCtx.Err() == nil {
				log.Errorw("Event bus subscription ended", "error", err)
			}
		}()
	}

	callLog := repoFactory.CallLog()
	archiveCtx, stopArchive := context.WithCancel(context.Background())
	defer stopArchive()
	archiveDone := make(chan struct{})
	if cfg.Backup.Enabled {
		storage, err := backup.NewFileStorage(cfg.Backup.Directory)
		if err != nil {
			log.Fatalw("failed to open call log archive", "error", err)
		}
		archives := backup.NewService(storage, archive.ArchiveVersion, archive.ArchivePrefix)
		if cfg.Backup.RestoreOnStart {
			n, err := archive.NewRestoreService(archives, callLog, log).RestoreLatest(runCtx, archive.RestoreOptions{})
			if err != nil {
				log.Warnw("Call log restore failed", "error", err)
			} else if n > 0 {
				log.Infow("Call log restored from archive", "records", n)
			}
		}
		scheduler := archive.NewScheduler(archives, callLog, self, archive.Config{
			Interval:   cfg.Backup.Interval,
			Retention:  cfg.Backup.Retention,
			MaxRecords: cfg.Backup.MaxRecords,
		}, log)
		go func() {
			defer close(archiveDone)
			scheduler.Run(archiveCtx)
		}()
	} else {
		close(archiveDone)
	}

	deps := services.Dependencies{
		Transport: signaling,
		Links:     links,
		Codec:     codec.NewPayloadCodec(false, log),
		Media:     source,
		Output:    output,
		ICE:       ice,
		Directory: repoFactory.Directory(),
		CallLog:   callLog,
		Notifier:  notifiers,
		Metrics:   collector,
		Logger:    log,
	}
	if cfg.Relay.Enabled {
		breakerCfg := circuitbreaker.DefaultConfig()
		breakerCfg.FailureThreshold = cfg.Relay.FailureThreshold
		breakerCfg.Timeout = cfg.Relay.OpenTimeout
		breaker := circuitbreaker.New("relay", breakerCfg)
		breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
			log.Warnw("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		})
		checker.AddRelayCheck(breaker)

		deps.Relay = janus.NewClient(janus.Config{
			URL:                cfg.Relay.URL,
			TransactionTimeout: cfg.Relay.TransactionTimeout,
			KeepaliveInterval:  cfg.Relay.KeepaliveInterval,
			JoinTimeout:        cfg.Relay.JoinTimeout,
		}, links, log,
			janus.WithDirectory(deps.Directory),
			janus.WithMetrics(collector),
		)
		deps.RelayBreaker = breaker
	}

	engine := services.NewCallEngine(engineConfig(cfg), deps)
	signaling.SetHandler(engine)
	engine.Start()

	signalErr := make(chan error, 1)
	go func() {
		signalErr <- signaling.Run(runCtx)
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = prometheus.DefaultGatherer
	}
	httphandlers.NewHealthHandler(checker, gatherer).SetupRoutes(router)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(authService))
	httphandlers.NewCallHandler(
		httphandlers.CallHandlerConfig{Self: self, MaxGroupSize: cfg.Call.MaxGroupSize},
		engine, deps.Directory, deps.CallLog, feed, log,
	).SetupRoutes(api)

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// The event stream is long-lived, so writes are not bounded.
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting xipher call node on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case err := <-signalErr:
		if err != nil {
			log.Errorw("Signaling stopped", "error", err)
		}
	case <-runCtx.Done():
		log.Info("Received shutdown signal")
	}
	stop()

	log.Info("Shutting down xipher call node...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error ending active call", "error", err)
	}
	feed.Close()
	stopArchive()
	<-archiveDone
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error flushing traces", "error", err)
	}
	log.Info("xipher call node stopped")
}
