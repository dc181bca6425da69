package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RigelNana/arkstudy/materialcore/config"
	"github.com/RigelNana/arkstudy/materialcore/database"
	"github.com/RigelNana/arkstudy/materialcore/filecheck"
	httpHandler "github.com/RigelNana/arkstudy/materialcore/handler/http"
	"github.com/RigelNana/arkstudy/materialcore/messaging"
	"github.com/RigelNana/arkstudy/materialcore/pkg/metrics"
	"github.com/RigelNana/arkstudy/materialcore/repository"
	"github.com/RigelNana/arkstudy/materialcore/service"
	"github.com/RigelNana/arkstudy/materialcore/storage"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const serviceName = "material-core"

func main() {
	// 初始化日志
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("加载配置失败: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	// 启动 Prometheus metrics 服务器
	metricsServer := metrics.StartMetricsServer(cfg.Metrics.Port)
	logger.Infof("Prometheus metrics server started on :%s", cfg.Metrics.Port)

	// 初始化数据库
	db, err := database.InitDB(cfg.Database)
	if err != nil {
		logger.Fatalf("初始化数据库失败: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		logger.Fatalf("数据库迁移失败: %v", err)
	}
	logger.Info("数据库连接成功")

	ctx := context.Background()
	store, err := storage.NewMinioStore(ctx, cfg.MinIO)
	if err != nil {
		logger.Fatalf("初始化 MinIO 失败: %v", err)
	}

	// Kafka: 处理任务与学生通知
	publisher := messaging.NewPublisher(cfg.Kafka)
	logger.Infof("Kafka publisher enabled, brokers=%s", cfg.Kafka.Brokers)

	materials := repository.NewMaterialRepository(db, store, publisher)

	// 处理结果消费者: processing -> ready/failed
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	consumer := messaging.NewResultConsumer(cfg.Kafka, materials, logger.WithField("component", "result-consumer"))
	go func() {
		if err := consumer.Run(consumerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("result consumer stopped")
		}
	}()
	logger.Infof("Kafka consumer started: topic=%s group=%s", cfg.Kafka.ResultTopic, cfg.Kafka.GroupID)

	units := repository.NewUnitRepository(db)
	members := repository.NewMembershipRepository(db)

	uploads := service.NewUploadOrchestrator(materials, filecheck.NewLocalValidator(), service.UploadConfig{
		MinTitleLength:    cfg.Upload.MinTitleLength,
		MaxTitleLength:    cfg.Upload.MaxTitleLength,
		MaxFileSizeBytes:  cfg.Upload.MaxFileSizeBytes,
		AllowedMIMETypes:  cfg.Upload.AllowedMIMETypes,
		PollInterval:      cfg.Upload.PollInterval,
		ProcessingTimeout: cfg.Upload.ProcessingTimeout,
		CleanupTimeout:    cfg.Upload.CleanupTimeout,
	}, logger.WithField("component", "upload"))

	listing := service.NewListingCache(materials, service.ListingConfig{
		TTL:          cfg.Listing.TTL,
		MaxEntries:   cfg.Listing.MaxEntries,
		DefaultLimit: cfg.Listing.DefaultLimit,
	}, logger.WithField("component", "listing"))

	assigner := service.NewAssignmentOrchestrator(materials, units, members, publisher, service.AssignmentConfig{
		NotificationTimeout: cfg.Assignment.NotificationTimeout,
	}, logger.WithField("component", "assignment"))

	gin.SetMode(gin.ReleaseMode)
	h := httpHandler.NewMaterialHandler(uploads, listing, assigner, materials, cfg.Upload.TempDir, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           httpHandler.Setup(h, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("HTTP服务器启动在端口 %s", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP服务器启动失败: %v", err)
		}
	}()

	// 等待中断信号
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("服务正在关闭...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Upload.ProcessingTimeout+cfg.Upload.CleanupTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}
	if n := uploads.PendingCleanups(); n > 0 {
		logger.Warnf("%d uploads still awaiting cleanup at shutdown", n)
	}
	stopConsumer()
	if err := consumer.Close(); err != nil {
		logger.WithError(err).Error("failed to close kafka consumer")
	}
	if err := publisher.Close(); err != nil {
		logger.WithError(err).Error("failed to close kafka publisher")
	}
	_ = metricsServer.Shutdown(shutdownCtx)
}
