package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peercast/internal/core/ports"
	"peercast/internal/core/services"
	httphandlers "peercast/internal/handlers/http"
	"peercast/internal/infrastructure/media"
	"peercast/internal/infrastructure/middleware"
	"peercast/internal/infrastructure/monitoring"
	"peercast/internal/infrastructure/repositories"
	signalinfra "peercast/internal/infrastructure/signal"
	webrtcinfra "peercast/internal/infrastructure/webrtc"
	"peercast/pkg/config"
	"peercast/pkg/logger"
	"peercast/pkg/retry"
	"peercast/pkg/tracing"
	"peercast/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"config.yaml",
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	issueToken := flag.String("issue-token", "", "print a control API token for this operator and exit")
	flag.Parse()

	paths := configPaths
	if *configPath != "" {
		paths = []string{*configPath}
	}
	cfg, loadedFrom, err := config.LoadFirst(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if *issueToken != "" {
		token, err := authService.GenerateToken(*issueToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if loadedFrom != "" {
		log.Infow("Loaded config", "path", loadedFrom)
	} else {
		log.Info("No config file found, using defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	instanceID := uuid.NewString()
	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, instanceID, log)
	defer repoFactory.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)
	health := monitoring.NewHealthChecker()

	channel, err := openSignaling(ctx, cfg, repoFactory, collector, health, log)
	if err != nil {
		log.Fatalw("Failed to open signaling channel", "error", err)
	}

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	transportCfg := webrtcinfra.Config{ICEServers: iceServers}
	transportCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	transportCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	transports, err := webrtcinfra.NewTransportFactory(transportCfg, collector, log)
	if err != nil {
		log.Fatalw("Failed to create transport factory", "error", err)
	}

	source, err := media.NewSource(media.SourceConfig{
		CameraAddr:     cfg.Media.CameraAddr,
		MicrophoneAddr: cfg.Media.MicrophoneAddr,
		ScreenAddr:     cfg.Media.ScreenAddr,
		VideoCodec:     cfg.Media.VideoCodec,
		IdleTimeout:    cfg.Media.IdleTimeout,
	}, log)
	if err != nil {
		log.Fatalw("Failed to configure media source", "error", err)
	}

	viewers := services.NewViewerRegistry(log)
	collector.RegisterViewerGauge(viewers.Len)

	identity := services.NewIdentityService(repoFactory.CreateStreamIDRepository(), cfg.Session.StreamIDAttempts, log)
	signaling := services.NewSignalingService(channel, collector, log)
	negotiation := services.NewNegotiationService(viewers, transports, signaling, collector, log)
	tracks := services.NewTrackService(viewers, collector, log)
	broadcast := services.NewBroadcastService(identity, signaling, negotiation, tracks, viewers, source, collector, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	api := router.Group("/api/v1")
	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == config.DefaultConfig().Auth.JWTSecret {
			log.Warnw("Control API uses the default JWT secret", "secret", utils.MaskSensitive(cfg.Auth.JWTSecret, 3))
		}
		api.Use(middleware.AuthMiddleware(authService))
		httphandlers.NewAuthHandler(authService).SetupRoutes(api)
	}

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
	}
	handler := httphandlers.NewBroadcastHandler(broadcast, health, gatherer, cfg.Session.PublicOrigin)
	handler.SetupRoutes(router, api)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting peercast broadcaster", "address", cfg.Server.Address, "instance_id", instanceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	waitForShutdown(ctx, serverErr, channel.Done(), log)

	log.Info("Shutting down peercast broadcaster...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := broadcast.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error stopping broadcast", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	if err := channel.Close(); err != nil {
		log.Errorw("Error closing signaling channel", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error flushing traces", "error", err)
	}

	log.Info("peercast broadcaster stopped")
}

// waitForShutdown blocks until the server fails or ctx is cancelled. Losing
// the relay only fails the readiness check; viewers that are already
// connected keep receiving media.
func waitForShutdown(ctx context.Context, serverErr <-chan error, signalingDone <-chan struct{}, log *zap.SugaredLogger) {
	for {
		select {
		case err := <-serverErr:
			log.Errorw("Server failed", "error", err)
			return
		case <-signalingDone:
			log.Errorw("Signaling channel closed, new viewers cannot join until restart")
			signalingDone = nil
		case <-ctx.Done():
			log.Info("Received shutdown signal")
			return
		}
	}
}

type signalingChannel interface {
	ports.SignalingChannel
	Done() <-chan struct{}
}

func openSignaling(
	ctx context.Context,
	cfg *config.Config,
	repoFactory *repositories.RepositoryFactory,
	collector *monitoring.PrometheusCollector,
	health *monitoring.HealthChecker,
	log *zap.SugaredLogger,
) (signalingChannel, error) {
	switch cfg.Signal.Transport {
	case "redis":
		client := repoFactory.RedisClient()
		if client == nil {
			return nil, fmt.Errorf("signal.transport=redis but Redis is unavailable")
		}
		health.AddRedisCheck(client, 2*time.Second)
		ch := signalinfra.NewRedisChannel(client, cfg.Signal.RedisPrefix, cfg.Signal.SendBuffer, collector.SignalDropped, log)
		health.AddChannelCheck("signaling", ch.Done())
		return ch, nil
	default:
		retryCfg := retry.DefaultConfig()
		retryCfg.MaxAttempts = cfg.Signal.DialAttempts
		ch, err := signalinfra.DialWS(ctx, signalinfra.WSConfig{
			URL:          cfg.Signal.URL,
			SendBuffer:   cfg.Signal.SendBuffer,
			PingInterval: cfg.Signal.PingInterval,
			PongTimeout:  cfg.Signal.PongTimeout,
			WriteTimeout: cfg.Signal.WriteTimeout,
			Retry:        retryCfg,
		}, collector.SignalDropped, log)
		if err != nil {
			return nil, err
		}
		health.AddChannelCheck("signaling", ch.Done())
		return ch, nil
	}
}
