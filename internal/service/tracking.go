package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"soma-geofence/common/database"
	mqttcommon "soma-geofence/common/mqtt"
	rediscommon "soma-geofence/common/redis"
	"soma-geofence/internal/config"
	"soma-geofence/internal/consumer"
	"soma-geofence/internal/deviation"
	"soma-geofence/internal/emitter"
	"soma-geofence/internal/httpapi"
	"soma-geofence/internal/matcher"
	"soma-geofence/internal/notifier"
	"soma-geofence/internal/outbox"
	"soma-geofence/internal/pipeline"
	"soma-geofence/internal/report"
	"soma-geofence/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	OutboxBackendRedis  = "redis"
	OutboxBackendMemory = "memory"
)

// TrackingService 路线偏离与地理围栏服务
type TrackingService struct {
	config     *config.Config
	logger     *zap.Logger
	db         *sql.DB
	redis      *redis.Client
	mqttClient *mqttcommon.Client

	store          outbox.Store
	dispatcher     *outbox.Dispatcher
	pipeline       *pipeline.Pipeline
	streamConsumer *consumer.StreamConsumer
	bridge         *consumer.MQTTBridge
	router         *httpapi.Router
	httpServer     *http.Server

	runCtx  context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}
}

// NewTrackingService 创建服务
func NewTrackingService(cfg *config.Config, logger *zap.Logger) (*TrackingService, error) {
	ctx := context.Background()

	// 初始化数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 初始化MQTT
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		_ = redisClient.Close()
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	svc, err := assemble(ctx, cfg, logger, db, redisClient, mqttClient, mqttClient)
	if err != nil {
		mqttClient.Disconnect()
		_ = redisClient.Close()
		database.Close(db)
		return nil, err
	}
	return svc, nil
}

// assemble 组装各层；mqttClient 为 nil 时不启动 MQTT 桥接
func assemble(ctx context.Context, cfg *config.Config, logger *zap.Logger, db *sql.DB, redisClient *redis.Client, mqttClient *mqttcommon.Client, publisher notifier.Publisher) (*TrackingService, error) {
	// 创建Repository
	routeRepo := repository.NewRouteRepository(db, logger)
	trackingRepo := repository.NewTrackingRepository(db, logger)
	alertRepo := repository.NewAlertRepository(db, logger)
	contactRepo := repository.NewContactRepository(db, logger)

	// Outbox
	store, err := newOutboxStore(ctx, cfg, redisClient, logger)
	if err != nil {
		return nil, err
	}
	ob := outbox.New(store, logger)
	escalator := notifier.NewOpsEscalator(publisher, cfg.Notify.OpsTopic, cfg.MQTT.QoS, logger)
	dispatcher := outbox.NewDispatcher(store, escalator, outbox.DispatcherConfig{
		BatchSize:      cfg.Outbox.BatchSize,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		InitialBackoff: cfg.Outbox.InitialBackoff,
		MaxBackoff:     cfg.Outbox.MaxBackoff,
	}, logger)

	// 通知通道
	channels := []notifier.Notifier{
		notifier.NewMQTTNotifier(publisher, cfg.Notify.AlertTopicPrefix, cfg.MQTT.QoS, logger),
	}
	if cfg.Webhook.URL != "" {
		channels = append(channels, notifier.NewWebhookNotifier(&cfg.Webhook, cfg.Notify.WebhookInterval, cfg.Notify.WebhookBurst, logger))
	}
	fanout := notifier.NewFanout(logger, channels...)

	handlers := emitter.NewHandlers(alertRepo, contactRepo, fanout, ob, emitter.HandlerConfig{
		ComfortPointRadius:   cfg.Geofence.ComfortPointRadius,
		SOSBuddyRadiusMeters: cfg.Notify.SOSBuddyRadiusMeters,
	}, logger)
	handlers.Register(dispatcher)
	pipeline.RegisterHandlers(dispatcher, trackingRepo)

	// 采集管线
	m := matcher.NewMatcher(matcher.Config{
		DefaultThresholdMeters: cfg.Geofence.DefaultThresholdMeters,
		AccuracyFactor:         cfg.Geofence.AccuracyFactor,
	})
	machine := deviation.NewMachine(deviation.Config{
		ConfirmSamples:    cfg.Geofence.ConfirmSamples,
		RecoverSamples:    cfg.Geofence.RecoverSamples,
		MaxAccuracyMeters: cfg.Geofence.MaxAccuracyMeters,
	})
	stateManager := consumer.NewStateManager(cfg, redisClient, logger)
	p := pipeline.New(pipeline.Config{
		QueueSize:    cfg.Pipeline.QueueSize,
		RecentEvents: cfg.Pipeline.RecentEvents,
	}, routeRepo, alertRepo, m, machine, emitter.NewEmitter(ob, logger), ob, stateManager, logger)

	// 消息入口
	streamConsumer := consumer.NewStreamConsumer(cfg, redisClient, p, logger)
	var bridge *consumer.MQTTBridge
	if mqttClient != nil {
		bridge = consumer.NewMQTTBridge(cfg, mqttClient, redisClient, p, logger)
	}

	// HTTP
	router := httpapi.NewRouter(logger)
	router.RegisterHealthRoutes()
	router.RegisterTrackingRoutes(httpapi.NewTrackingHandler(p, report.NewGenerator(alertRepo, trackingRepo, logger), logger))

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &TrackingService{
		config:         cfg,
		logger:         logger,
		db:             db,
		redis:          redisClient,
		mqttClient:     mqttClient,
		store:          store,
		dispatcher:     dispatcher,
		pipeline:       p,
		streamConsumer: streamConsumer,
		bridge:         bridge,
		router:         router,
		httpServer:     httpServer,
		runCtx:         runCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}, nil
}

// newOutboxStore 按配置选择 outbox 存储
func newOutboxStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (outbox.Store, error) {
	switch cfg.Outbox.Backend {
	case OutboxBackendMemory:
		return outbox.NewMemoryStore(cfg.Outbox.PollInterval), nil
	case OutboxBackendRedis, "":
		store := outbox.NewRedisStore(redisClient, cfg.Outbox.Stream, cfg.Outbox.DeadLetterStream,
			cfg.Outbox.ConsumerGroup, cfg.Outbox.ConsumerName, cfg.Outbox.PollInterval, logger)
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to init outbox store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown outbox backend %q", cfg.Outbox.Backend)
	}
}

// Handler HTTP 入口（测试用）
func (s *TrackingService) Handler() http.Handler {
	return s.router
}

// Start 启动服务，阻塞直到 ctx 取消或任一组件失败
func (s *TrackingService) Start(ctx context.Context) error {
	s.started.Store(true)
	defer close(s.done)
	s.logger.Info("Starting tracking service components",
		zap.String("outbox_backend", s.config.Outbox.Backend),
		zap.String("http_addr", s.config.HTTP.Addr),
	)

	// Stop 或父 ctx 取消时结束所有组件
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.runCtx, cancel)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return s.streamConsumer.Start(gctx)
	})
	if s.bridge != nil {
		g.Go(func() error {
			return s.bridge.Start(gctx)
		})
	}
	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	s.logger.Info("Tracking service started successfully")
	return g.Wait()
}

// Stop 停止服务：先停入口与管线，再停 outbox 和连接
func (s *TrackingService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping tracking service")

	if s.bridge != nil {
		s.bridge.Stop()
	}

	if err := s.pipeline.Shutdown(ctx); err != nil {
		s.logger.Error("Error stopping pipeline", zap.Error(err))
	}

	s.cancel()
	if s.started.Load() {
		select {
		case <-s.done:
		case <-ctx.Done():
			s.logger.Warn("Timed out waiting for components to stop", zap.Error(ctx.Err()))
		}
	}

	// 断开MQTT
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	// 关闭Redis
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Error closing redis", zap.Error(err))
		}
	}

	// 关闭数据库
	if s.db != nil {
		database.Close(s.db)
	}

	s.logger.Info("Tracking service stopped")
	return nil
}
