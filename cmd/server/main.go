package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/roadlens/roadlens/internal/archive"
	"github.com/roadlens/roadlens/internal/config"
	"github.com/roadlens/roadlens/internal/database"
	"github.com/roadlens/roadlens/internal/events"
	"github.com/roadlens/roadlens/internal/handlers"
	"github.com/roadlens/roadlens/internal/logging"
	"github.com/roadlens/roadlens/internal/services"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// no logger yet
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newDetector(cfg *config.Config, logger *zap.Logger) (services.Detector, error) {
	switch cfg.Detector.Backend {
	case "grpc":
		return services.NewGRPCDetector(cfg.Detector.URL, cfg.Detector.Timeout, logger)
	default:
		return services.NewHTTPDetector(cfg.Detector.URL, cfg.Detector.Timeout, logger)
	}
}

// newRecorders connects every configured sink. A sink that cannot be reached
// at startup is logged and left out.
func newRecorders(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*handlers.MultiRecorder, *database.Store) {
	var recorders []handlers.Recorder
	var store *database.Store

	if cfg.PostgresEnabled() {
		logger.Info("connecting to postgres", zap.String("dsn", cfg.DSNForLog()))
		if err := database.Migrate(cfg.DSN()); err != nil {
			logger.Error("migrations failed, detections will not be stored", zap.Error(err))
		} else if s, err := database.Connect(ctx, cfg.DSN(), logger); err != nil {
			logger.Error("postgres unavailable, detections will not be stored", zap.Error(err))
		} else {
			store = s
			recorders = append(recorders, s)
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		p, err := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			logger.Error("kafka unavailable, events will not be published", zap.Error(err))
		} else {
			recorders = append(recorders, p)
		}
	}

	if cfg.Minio.Endpoint != "" {
		a, err := archive.New(archive.Options{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			Region:    cfg.Minio.Region,
			Secure:    cfg.Minio.Secure,
		}, logger)
		if err == nil {
			err = a.EnsureBucket(ctx)
		}
		if err != nil {
			logger.Error("minio unavailable, frames will not be archived", zap.Error(err))
		} else {
			recorders = append(recorders, a)
		}
	}

	return handlers.NewMultiRecorder(logger, recorders...), store
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting roadlens server",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.String("http_port", cfg.Server.HTTPPort),
		zap.String("grpc_port", cfg.Server.GRPCPort),
		zap.String("detector", cfg.Detector.Backend+" "+cfg.Detector.URL))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	detector, err := newDetector(cfg, logger)
	if err != nil {
		return errors.Wrap(err, "detector")
	}
	defer detector.Close()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	recorder, store := newRecorders(startCtx, cfg, logger)
	cancel()
	defer recorder.Close()
	logger.Info("recorders ready", zap.Int("count", recorder.Len()))

	metrics := services.GetMetrics()
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	processor := &handlers.FrameProcessor{
		Detector:    detector,
		ModelInput:  handlers.DefaultModelInput,
		JPEGQuality: cfg.Stream.JPEGQuality,
	}
	streamHandler := handlers.NewStreamHandler(processor, recorder, metrics, handlers.StreamConfig{
		MaxConnections: cfg.Server.MaxConnections,
		RatePerMin:     cfg.Server.RateLimitPerMin,
		MaxMessageSize: cfg.MaxMessageSize(),
	}, logger)

	api := &handlers.API{
		Detector: detector,
		Stream:   streamHandler,
		Metrics:  metrics,
		Registry: registry,
		Version:  version,
		Logger:   logger,
	}
	if store != nil {
		api.Store = store
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.HTTPPort,
		Handler:           handlers.NewRouter(api, cfg.Server.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrap(err, "http server")
		}
	}()

	var grpcServer *grpc.Server
	if cfg.Server.GRPCPort != "" {
		grpcServer = grpc.NewServer(
			grpc.MaxRecvMsgSize(50*1024*1024),
			grpc.MaxSendMsgSize(50*1024*1024),
		)
		handlers.RegisterGRPCHandler(grpcServer, handlers.NewGRPCHandler(processor, metrics, logger))
		hs := health.NewServer()
		hs.SetServingStatus(services.DetectorService, grpc_health_v1.HealthCheckResponse_SERVING)
		grpc_health_v1.RegisterHealthServer(grpcServer, hs)

		lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
		if err != nil {
			return errors.Wrapf(err, "listen on gRPC port %s", cfg.Server.GRPCPort)
		}
		go func() {
			logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- errors.Wrap(err, "grpc server")
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	if grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
			logger.Info("grpc server stopped")
		case <-time.After(10 * time.Second):
			logger.Warn("grpc server forced to stop")
			grpcServer.Stop()
		}
	}

	// hijacked websocket connections are not tracked by Shutdown
	streamHandler.CloseAll()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	} else {
		logger.Info("http server stopped")
	}

	streamHandler.Wait()
	logger.Info("goodbye")
	return nil
}
