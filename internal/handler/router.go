package handler

import (
	"deepfake-mlops-go/internal/middleware"
	"deepfake-mlops-go/internal/service"
	"deepfake-mlops-go/pkg/metrics"
	"deepfake-mlops-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps 聚合路由需要的全部依赖，由 main 在启动时构造一次。
type Deps struct {
	ReportService service.ReportService
	SampleService service.SampleService
	MergeService  service.MergeService
	StatusService service.StatusService
	JWTManager    *token.JWTManager
	Metrics       *metrics.Metrics
	// Gatherer 为 nil 时不注册 /metrics。
	Gatherer prometheus.Gatherer
}

// NewRouter 创建路由引擎并注册所有路由。
func NewRouter(d Deps) *gin.Engine {
	r := gin.New() // 不带默认中间件
	r.Use(middleware.RequestLogger(), middleware.Metrics(d.Metrics), gin.Recovery())

	statusHandler := NewStatusHandler(d.StatusService)
	sampleHandler := NewSampleHandler(d.ReportService, d.SampleService)
	adminHandler := NewAdminHandler(d.MergeService, d.SampleService)

	r.GET("/health", statusHandler.Health)
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	apiV1 := r.Group("/api/v1")
	{
		apiV1.GET("/status", statusHandler.Status)

		samples := apiV1.Group("/samples")
		{
			samples.POST("/report", sampleHandler.Report)
			samples.GET("", sampleHandler.List)
		}

		// 运维路由组，需要同时通过认证和角色校验两个中间件
		admin := apiV1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(d.JWTManager), middleware.RequireRole(token.RoleOperator))
		{
			admin.POST("/merge", adminHandler.Merge)
			admin.DELETE("/samples", adminHandler.DeleteSample)
			admin.GET("/samples/url", adminHandler.SampleURL)
		}
	}
	return r
}
