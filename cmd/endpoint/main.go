package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"kioskrtc/internal/core/domain"
	"kioskrtc/internal/core/ports"
	"kioskrtc/internal/core/services"
	httphandlers "kioskrtc/internal/handlers/http"
	"kioskrtc/internal/infrastructure/distributed"
	"kioskrtc/internal/infrastructure/middleware"
	"kioskrtc/internal/infrastructure/monitoring"
	signaling "kioskrtc/internal/infrastructure/signal"
	webrtcinfra "kioskrtc/internal/infrastructure/webrtc"
	"kioskrtc/pkg/config"
	"kioskrtc/pkg/logger"
	"kioskrtc/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var configPaths = []string{
	"configs/endpoint.yaml",
	"./configs/config.yaml",
	"/etc/kioskrtc/endpoint.yaml",
	"config.yaml",
}

func loadConfig() (*config.Config, string, error) {
	if path := os.Getenv("KIOSKRTC_CONFIG"); path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	cfg, err := config.Load("")
	return cfg, "", err
}

func main() {
	cfg, path, err := loadConfig()
	if err != nil {
		zap.NewExample().Sugar().Fatalw("invalid configuration", "path", path, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if path != "" {
		log.Infow("loaded config", "path", path)
	}

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	role := domain.Role(cfg.Endpoint.Role)
	identity := domain.Identity(cfg.Endpoint.Identity)
	if role == domain.RoleOperator && !identity.IsOperator() {
		identity = domain.NewOperatorIdentity(cfg.Endpoint.Identity)
	}
	log = log.With("identity", identity, "role", role)

	collector := monitoring.NewPrometheusCollector(nil)
	health := monitoring.NewHealthChecker()

	channel := signaling.NewChannel(identity, signaling.ChannelConfig{
		URL:              cfg.Signaling.URL,
		PingInterval:     cfg.Signaling.PingInterval,
		PongTimeout:      cfg.Signaling.PongTimeout,
		HandshakeTimeout: cfg.Signaling.HandshakeTimeout,
		WriteTimeout:     cfg.Signaling.WriteTimeout,
		Reconnect:        cfg.Signaling.Reconnect,
	}, logger.Component(log, "signaling"))

	sessions, err := newSessionFactory(cfg, identity, channel, log)
	if err != nil {
		log.Fatalw("failed to create session factory", "error", err)
	}

	var redisClient *redis.Client
	var publisher *distributed.StatePublisher
	if cfg.Redis.Enabled {
		redisClient, err = distributed.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		pubCfg := distributed.DefaultStatePublisherConfig(cfg.Redis.Channel)
		pubCfg.SnapshotTTL = cfg.Redis.SnapshotTTL
		pubCfg.Breaker = cfg.Redis.CircuitBreaker
		publisher = distributed.NewStatePublisher(redisClient, identity, uuid.NewString(), pubCfg, logger.Component(log, "publisher"))
		health.AddRedisCheck(redisClient, 2*time.Second)
	}

	orch, err := services.NewOrchestrator(identity, orchestratorConfig(cfg, role), services.OrchestratorDeps{
		Sessions: sessions,
		Signaler: channel,
		Heartbeat: services.NewHeartbeatMonitor(services.HeartbeatConfig{
			WarningThreshold: cfg.Heartbeat.WarningThreshold,
			DeadThreshold:    cfg.Heartbeat.DeadThreshold,
			CheckInterval:    cfg.Heartbeat.CheckInterval,
		}, logger.Component(log, "heartbeat")),
		Requester: services.NewOfferRequester(cfg.OfferRequester.RetryInterval, logger.Component(log, "offers")),
		Publisher: statePublisher(publisher),
		Metrics:   collector,
	}, logger.Component(log, "orchestrator"))
	if err != nil {
		log.Fatalw("failed to create orchestrator", "error", err)
	}
	health.AddSignalingCheck(orch.Signaling)

	var announce sync.Once
	channel.OnMessage(orch.HandleMessage)
	channel.OnStateChange(func(sc signaling.StateChange) {
		orch.HandleSignalingState(sc.State, sc.BlockReason)
		if sc.State != domain.SignalingConnected {
			return
		}
		announce.Do(func() {
			if err := orch.MarkPageOpened(); err != nil {
				log.Warnw("failed to announce page open", "error", err)
			}
			if role == domain.RoleSender && cfg.Endpoint.AutoStart {
				go func() {
					if err := orch.StartStream(ctx); err != nil {
						log.Errorw("failed to auto start stream", "error", err)
					}
				}()
			}
		})
	})

	orch.Start(ctx)
	if err := channel.Connect(ctx); err != nil {
		if channel.BlockReason() != "" {
			log.Fatalw("relay refused identity", "reason", channel.BlockReason())
		}
		log.Warnw("relay unreachable, retrying in background", "url", cfg.Signaling.URL, "error", err)
	}

	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.ControlAPI.Enabled {
		srv = &http.Server{
			Addr:         cfg.ControlAPI.Address,
			Handler:      newRouter(cfg, orch, health, collector, log),
			ReadTimeout:  cfg.ControlAPI.ReadTimeout,
			WriteTimeout: cfg.ControlAPI.WriteTimeout,
		}
		go func() {
			log.Infow("starting control API", "address", cfg.ControlAPI.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("control API failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ControlAPI.ShutdownTimeout)
	defer shutdownCancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during control API shutdown", "error", err)
			_ = srv.Close()
		}
	}

	if role == domain.RoleSender && orch.Live() {
		if err := orch.StopStream(domain.StopReasonManual); err != nil {
			log.Warnw("failed to announce stream stop", "error", err)
		}
	}
	orch.Close()
	channel.Disconnect()
	cancel()

	if publisher != nil {
		publisher.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("error closing redis client", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("endpoint stopped")
}

func orchestratorConfig(cfg *config.Config, role domain.Role) services.OrchestratorConfig {
	oc := services.DefaultOrchestratorConfig(role)
	oc.HeartbeatInterval = cfg.Heartbeat.SendInterval
	oc.LoadingDebounce = cfg.Orchestrator.LoadingDebounce
	oc.LoadingTimeout = cfg.Orchestrator.LoadingTimeout
	oc.InboundRate = cfg.Orchestrator.MessagesPerSecond
	oc.InboundBurst = cfg.Orchestrator.Burst
	oc.QueueSize = cfg.Orchestrator.QueueSize
	for _, s := range cfg.Endpoint.Sources {
		oc.Sources = append(oc.Sources, domain.Identity(s))
	}
	return oc
}

func newSessionFactory(cfg *config.Config, identity domain.Identity, signaler ports.Signaler, log *zap.SugaredLogger) (*webrtcinfra.SessionFactory, error) {
	transportCfg := webrtcinfra.TransportConfig{}
	for _, s := range cfg.Peer.ICEServers {
		transportCfg.ICEServers = append(transportCfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	transportCfg.PortRange.Min = cfg.Peer.PortRange.Min
	transportCfg.PortRange.Max = cfg.Peer.PortRange.Max

	transports, err := webrtcinfra.NewPionFactory(transportCfg, logger.Component(log, "transport"))
	if err != nil {
		return nil, err
	}

	videoCap, err := webrtcinfra.ParseBitrate(cfg.Peer.MaxVideoBitrate)
	if err != nil {
		return nil, err
	}
	audioCap, err := webrtcinfra.ParseBitrate(cfg.Peer.MaxAudioBitrate)
	if err != nil {
		return nil, err
	}

	return webrtcinfra.NewSessionFactory(
		identity,
		transports,
		signaler,
		services.NewQualityService(),
		webrtcinfra.SessionConfig{
			OperationTimeout: cfg.Peer.OperationTimeout,
			StatsInterval:    cfg.Peer.StatsInterval,
			Reconnect:        cfg.Peer.Reconnect,
		},
		webrtcinfra.MediaDefaults{
			PreferredVideoCodec: cfg.Peer.PreferredVideoCodec,
			PreferredAudioCodec: cfg.Peer.PreferredAudioCodec,
			MaxVideoBitrate:     videoCap,
			MaxAudioBitrate:     audioCap,
		},
		logger.Component(log, "session"),
	), nil
}

// statePublisher keeps a nil *StatePublisher from becoming a non-nil
// interface value.
func statePublisher(p *distributed.StatePublisher) ports.StatePublisher {
	if p == nil {
		return nil
	}
	return p
}

func newRouter(cfg *config.Config, orch *services.Orchestrator, health *monitoring.HealthChecker, collector *monitoring.PrometheusCollector, log *zap.SugaredLogger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.MetricsMiddleware(collector),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	httphandlers.NewControlHandler(orch, health).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(collector.Handler()))
	}
	return router
}
