// Package metrics 定义困难样本流水线的 Prometheus 指标。
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "deepfake_mlops"

// Metrics 聚合所有指标。所有方法对 nil 接收者安全，测试中可以直接传 nil。
type Metrics struct {
	reported       *prometheus.CounterVec
	mergeRuns      *prometheus.CounterVec
	mergeObjects   *prometheus.CounterVec
	mergeDuration  prometheus.Histogram
	httpRequests   *prometheus.CounterVec
	connectivityUp *prometheus.GaugeVec
}

// New 创建指标并注册到 reg。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hard_samples_reported_total",
			Help:      "Hard-sample report attempts by predicted label and result.",
		}, []string{"label", "result"}),
		mergeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_runs_total",
			Help:      "Dataset merge runs by result.",
		}, []string{"result"}),
		mergeObjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_objects_total",
			Help:      "Objects handled by merge runs by result.",
		}, []string{"result"}),
		mergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Wall time of dataset merge runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		connectivityUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectivity_up",
			Help:      "Startup connectivity probe result per component (1 = available).",
		}, []string{"component"}),
	}
	reg.MustRegister(m.reported, m.mergeRuns, m.mergeObjects, m.mergeDuration, m.httpRequests, m.connectivityUp)
	return m
}

// ObserveReport 记录一次上报结果。
func (m *Metrics) ObserveReport(label, result string) {
	if m == nil {
		return
	}
	m.reported.WithLabelValues(label, result).Inc()
}

// ObserveMerge 记录一次合并运行。
func (m *Metrics) ObserveMerge(result string, merged, failed, skipped int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mergeRuns.WithLabelValues(result).Inc()
	m.mergeObjects.WithLabelValues("merged").Add(float64(merged))
	m.mergeObjects.WithLabelValues("failed").Add(float64(failed))
	m.mergeObjects.WithLabelValues("skipped").Add(float64(skipped))
	m.mergeDuration.Observe(elapsed.Seconds())
}

// ObserveHTTP 记录一次 HTTP 请求。
func (m *Metrics) ObserveHTTP(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// SetConnectivity 记录启动探测结果。
func (m *Metrics) SetConnectivity(component string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.connectivityUp.WithLabelValues(component).Set(v)
}
