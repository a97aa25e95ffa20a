// Package main 是困难样本服务的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deepfake-mlops-go/internal/config"
	"deepfake-mlops-go/internal/handler"
	"deepfake-mlops-go/internal/pipeline"
	"deepfake-mlops-go/internal/service"
	"deepfake-mlops-go/pkg/log"
	"deepfake-mlops-go/pkg/metrics"
	"deepfake-mlops-go/pkg/storage"
	"deepfake-mlops-go/pkg/token"
	"deepfake-mlops-go/pkg/tracking"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.StringP("config", "c", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	if err := cfg.JWT.Validate(); err != nil {
		log.Fatalf("运维令牌配置无效: %v", err)
	}
	if err := cfg.HardSamples.Validate(); err != nil {
		log.Fatalf("困难样本前缀配置无效: %v", err)
	}
	if err := cfg.Merge.Validate(); err != nil {
		log.Fatalf("合并任务配置无效: %v", err)
	}

	// 3. 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 4. 外部依赖：配置无效只让对应组件不可用，推理等其它功能不受影响
	statusService := service.NewStatusService(cfg.Status.ProbeTimeout, m)

	var store storage.ObjectStore
	minioStore, err := storage.NewMinIO(cfg.MinIO)
	if err != nil {
		statusService.MarkUnavailable(service.ComponentObjectStore, err.Error())
	} else {
		store = minioStore
		statusService.Register(service.ComponentObjectStore, service.BucketProbe(minioStore, minioStore.Bucket()))
	}

	var tracker *tracking.Client
	if cfg.Tracking.Enabled {
		var artifacts tracking.ArtifactStoreFunc
		if minioStore != nil {
			artifacts = minioStore.WithBucket
		}
		tracker, err = tracking.NewClient(cfg.Tracking, artifacts)
		if err != nil {
			statusService.MarkUnavailable(service.ComponentTracker, err.Error())
		} else {
			statusService.Register(service.ComponentTracker, tracker.Ping)
		}
	} else {
		statusService.MarkUnavailable(service.ComponentTracker, "tracking disabled")
	}

	// 5. 启动时做一次有界超时的连通性探测
	statusService.Probe(context.Background())
	log.Infof("运行模式: %s", statusService.Mode())
	if tracker != nil && !statusService.Available(service.ComponentTracker) {
		tracker = nil
	}

	// 6. 初始化 Service (依赖注入)
	encoder := pipeline.NewEncoder(cfg.HardSamples.Prefix, time.Now)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	deps := handler.Deps{
		ReportService: service.NewReportService(store, encoder, statusService, cfg.Report.Timeout, m),
		SampleService: service.NewSampleService(store, cfg.HardSamples.Prefix),
		MergeService:  service.NewMergeService(store, cfg.HardSamples, cfg.Merge, tracker, cfg.Tracking.ExperimentName, m),
		StatusService: statusService,
		JWTManager:    jwtManager,
		Metrics:       m,
		Gatherer:      reg,
	}

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(deps)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
