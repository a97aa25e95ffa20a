// Package service 包含了困难样本流水线的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"deepfake-mlops-go/internal/model"
	"deepfake-mlops-go/pkg/log"
	"deepfake-mlops-go/pkg/metrics"
	"deepfake-mlops-go/pkg/storage"
)

const (
	ComponentObjectStore = "object_store"
	ComponentTracker     = "tracker"

	ModeLocal = "local"
	ModeDemo  = "demo"
)

// ProbeFunc 对一个外部依赖做一次连通性检查。
type ProbeFunc func(ctx context.Context) error

// StatusService 在启动时计算一次各外部依赖的 ConnectivityStatus，供 UI 层读取。
type StatusService interface {
	Register(component string, probe ProbeFunc)
	MarkUnavailable(component string, reason string)
	Probe(ctx context.Context)
	Status(component string) model.ConnectivityStatus
	All() []model.ConnectivityStatus
	Available(component string) bool
	Mode() string
}

type statusService struct {
	timeout time.Duration
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	probes   map[string]ProbeFunc
	statuses map[string]model.ConnectivityStatus
}

// NewStatusService 创建一个新的 StatusService 实例。
func NewStatusService(timeout time.Duration, m *metrics.Metrics) StatusService {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &statusService{
		timeout:  timeout,
		metrics:  m,
		now:      time.Now,
		probes:   make(map[string]ProbeFunc),
		statuses: make(map[string]model.ConnectivityStatus),
	}
}

// Register 注册一个待探测组件。
func (s *statusService) Register(component string, probe ProbeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[component] = probe
}

// MarkUnavailable 直接把组件标记为不可用，例如配置校验失败时。
func (s *statusService) MarkUnavailable(component, reason string) {
	s.set(model.ConnectivityStatus{Component: component, Available: false, Reason: reason, CheckedAt: s.now()})
	log.Warnf("[StatusService] 组件 %s 不可用: %s", component, reason)
}

// Probe 对所有已注册组件各做一次有界超时的探测。
func (s *statusService) Probe(ctx context.Context) {
	s.mu.RLock()
	probes := make(map[string]ProbeFunc, len(s.probes))
	for k, v := range s.probes {
		probes[k] = v
	}
	s.mu.RUnlock()

	for component, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := probe(probeCtx)
		cancel()

		status := model.ConnectivityStatus{Component: component, Available: err == nil, CheckedAt: s.now()}
		if err != nil {
			status.Reason = err.Error()
			log.Warnf("[StatusService] 探测 %s 失败, 功能将降级: %v", component, err)
		} else {
			log.Infof("[StatusService] 探测 %s 成功", component)
		}
		s.set(status)
	}
}

func (s *statusService) set(status model.ConnectivityStatus) {
	s.mu.Lock()
	s.statuses[status.Component] = status
	s.mu.Unlock()
	s.metrics.SetConnectivity(status.Component, status.Available)
}

// Status 返回组件的探测结果；未探测过的组件视为不可用。
func (s *statusService) Status(component string) model.ConnectivityStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.statuses[component]; ok {
		return st
	}
	return model.ConnectivityStatus{Component: component, Available: false, Reason: "not probed"}
}

// All 返回按组件名排序的全部状态。
func (s *statusService) All() []model.ConnectivityStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ConnectivityStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Available 判断组件是否可用。
func (s *statusService) Available(component string) bool {
	return s.Status(component).Available
}

// Mode 在对象存储可用时返回 local，否则返回 demo（只做推理，不收集数据）。
func (s *statusService) Mode() string {
	if s.Available(ComponentObjectStore) {
		return ModeLocal
	}
	return ModeDemo
}

// BucketProbe 返回检查存储桶存在性的探测函数。存储桶不存在同样视为不可用，本系统不会自动创建。
func BucketProbe(store storage.ObjectStore, bucket string) ProbeFunc {
	return func(ctx context.Context) error {
		exists, err := store.BucketExists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("bucket %q does not exist", bucket)
		}
		return nil
	}
}
