package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"resume-batch-go/internal/api/handler"
	"resume-batch-go/internal/api/router"
	"resume-batch-go/internal/config"
	"resume-batch-go/internal/coordinator"
	"resume-batch-go/internal/queue"
	"resume-batch-go/internal/reconcile"
	"resume-batch-go/internal/storage"
	"resume-batch-go/internal/tracing"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	"github.com/spf13/pflag"

	appCoreLogger "resume-batch-go/internal/logger"
)

var (
	version     = "1.0.0"           //nolint:gochecknoglobals
	serviceName = "resume-batch-go" //nolint:gochecknoglobals
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		glog.Fatalf("加载配置失败: %v", err)
	}

	initLogger(cfg)
	glog.Infof("%s v%s 配置加载成功", serviceName, version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OpenTelemetry追踪
	shutdownTracing, err := tracing.InitTracerProvider(ctx, &cfg.Tracing)
	if err != nil {
		glog.Fatalf("初始化追踪失败: %v", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTracing(shutdownCtx); err != nil {
			glog.Warnf("关闭追踪导出器失败: %v", err)
		}
	}()

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()
	glog.Info("存储服务初始化成功")

	publisher, err := queue.NewTaskPublisher(storageManager.RabbitMQ, &cfg.RabbitMQ)
	if err != nil {
		glog.Fatalf("初始化任务发布器失败: %v", err)
	}
	glog.Info("任务发布器初始化成功")

	allocator := coordinator.NewRedisCounterAllocator(storageManager.Redis)
	batchCoordinator := coordinator.NewBatchCoordinator(
		storageManager.MySQL, allocator, publisher, storageManager.Redis, &cfg.Batch)
	analysisCoordinator := coordinator.NewAnalysisCoordinator(storageManager.MySQL, publisher)
	glog.Info("协调器初始化成功")

	// 补偿扫描，重发卡在queued状态的任务
	var sweeper *reconcile.Sweeper
	if cfg.Reconcile.Enabled {
		sweeper = reconcile.NewSweeper(storageManager.MySQL, publisher, &cfg.Reconcile)
		sweeper.Start()
		glog.Info("补偿扫描服务已启动")
	}

	batchHandler := handler.NewBatchHandler(batchCoordinator, analysisCoordinator)

	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	)
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		glog.CtxInfof(c, "Request: %s %s", string(ctx.Method()), string(ctx.Path()))
		ctx.Next(c)
		glog.CtxInfof(c, "Response: status %d", ctx.Response.StatusCode())
	})

	router.RegisterRoutes(h, batchHandler, &cfg.Server)
	glog.Info("HTTP路由注册成功")

	glog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)
	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	if sweeper != nil {
		sweeper.Stop()
		glog.Info("补偿扫描服务已停止")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Fatalf("服务器关闭失败: %v", err)
	}
	glog.Info("优雅退出完成")
}

// initLogger 初始化zerolog并把Hertz的日志也接到同一个输出上
func initLogger(cfg *config.Config) {
	appCoreLogger.Init(appCoreLogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})

	// Hertz的glog走zerolog适配器，保证两套日志输出一致
	hertzCompatibleLogger := hertzadapter.From(appCoreLogger.Logger)
	glog.SetLogger(hertzCompatibleLogger)

	switch cfg.Logger.Level {
	case "debug":
		glog.SetLevel(glog.LevelDebug)
	case "warn":
		glog.SetLevel(glog.LevelWarn)
	case "error":
		glog.SetLevel(glog.LevelError)
	default:
		glog.SetLevel(glog.LevelInfo)
	}
}
