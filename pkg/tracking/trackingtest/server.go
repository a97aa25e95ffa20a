// Package trackingtest 提供一个内存版的 MLflow REST 服务，用于测试。
package trackingtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Run 是服务端记录的一个 run。
type Run struct {
	ID           string
	ExperimentID string
	Name         string
	Status       string
	Params       map[string]string
	Metrics      map[string][]float64
	Tags         map[string]string
}

// Server 模拟 MLflow 的 experiments/runs/artifacts 接口。
type Server struct {
	*httptest.Server

	// ArtifactURI 是新建 run 的 artifact 根路径，%s 会被替换为 run_id。
	ArtifactURI string

	mu          sync.Mutex
	experiments map[string]string
	runs        map[string]*Run
	order       []string
	artifacts   map[string][]byte
	failPaths   map[string]int
	delays      map[string]time.Duration
}

// NewServer 启动一个假的 MLflow 服务。调用方负责 Close。
func NewServer() *Server {
	s := &Server{
		ArtifactURI: "mlflow-artifacts:/1/%s/artifacts",
		experiments: make(map[string]string),
		runs:        make(map[string]*Run),
		artifacts:   make(map[string][]byte),
		failPaths:   make(map[string]int),
		delays:      make(map[string]time.Duration),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// FailPath 让指定路径返回给定的 HTTP 状态码。
func (s *Server) FailPath(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPaths[path] = status
}

// DelayPath 让指定路径在响应前等待 d，客户端断开时提前返回。
func (s *Server) DelayPath(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[path] = d
}

// Runs 按创建顺序返回所有 run 的快照。
func (s *Server) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.runs[id])
	}
	return out
}

// Artifact 返回经代理上传的 artifact 内容。
func (s *Server) Artifact(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.artifacts[path]
	return data, ok
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delay := s.delays[r.URL.Path]
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if status, ok := s.failPaths[r.URL.Path]; ok {
		writeError(w, status, "INTERNAL_ERROR", "injected failure")
		return
	}

	const artifactPrefix = "/api/2.0/mlflow-artifacts/artifacts/"
	if strings.HasPrefix(r.URL.Path, artifactPrefix) && r.Method == http.MethodPut {
		data, _ := io.ReadAll(r.Body)
		s.artifacts[strings.TrimPrefix(r.URL.Path, artifactPrefix)] = data
		writeJSON(w, map[string]string{})
		return
	}

	switch r.URL.Path {
	case "/health":
		_, _ = w.Write([]byte("OK"))
	case "/api/2.0/mlflow/experiments/get-by-name":
		name := r.URL.Query().Get("experiment_name")
		id, ok := s.experiments[name]
		if !ok {
			writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", fmt.Sprintf("experiment '%s' does not exist", name))
			return
		}
		writeJSON(w, map[string]interface{}{"experiment": map[string]string{"experiment_id": id, "name": name}})
	case "/api/2.0/mlflow/experiments/create":
		var req struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if _, ok := s.experiments[req.Name]; ok {
			writeError(w, http.StatusBadRequest, "RESOURCE_ALREADY_EXISTS", "experiment exists")
			return
		}
		id := fmt.Sprintf("%d", len(s.experiments)+1)
		s.experiments[req.Name] = id
		writeJSON(w, map[string]string{"experiment_id": id})
	case "/api/2.0/mlflow/runs/create":
		var req struct {
			ExperimentID string `json:"experiment_id"`
			RunName      string `json:"run_name"`
			Tags         []struct {
				Key   string `json:"key"`
				Value string `json:"value"`
			} `json:"tags"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		id := fmt.Sprintf("run-%d", len(s.order)+1)
		run := &Run{
			ID:           id,
			ExperimentID: req.ExperimentID,
			Name:         req.RunName,
			Status:       "RUNNING",
			Params:       make(map[string]string),
			Metrics:      make(map[string][]float64),
			Tags:         make(map[string]string),
		}
		for _, t := range req.Tags {
			run.Tags[t.Key] = t.Value
		}
		s.runs[id] = run
		s.order = append(s.order, id)
		writeJSON(w, map[string]interface{}{"run": map[string]interface{}{"info": map[string]string{
			"run_id":       id,
			"artifact_uri": strings.ReplaceAll(s.ArtifactURI, "%s", id),
		}}})
	case "/api/2.0/mlflow/runs/log-parameter":
		var req struct {
			RunID string `json:"run_id"`
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		run, ok := s.runs[req.RunID]
		if !ok {
			writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "run not found")
			return
		}
		run.Params[req.Key] = req.Value
		writeJSON(w, map[string]string{})
	case "/api/2.0/mlflow/runs/log-metric":
		var req struct {
			RunID string  `json:"run_id"`
			Key   string  `json:"key"`
			Value float64 `json:"value"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		run, ok := s.runs[req.RunID]
		if !ok {
			writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "run not found")
			return
		}
		run.Metrics[req.Key] = append(run.Metrics[req.Key], req.Value)
		writeJSON(w, map[string]string{})
	case "/api/2.0/mlflow/runs/update":
		var req struct {
			RunID  string `json:"run_id"`
			Status string `json:"status"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		run, ok := s.runs[req.RunID]
		if !ok {
			writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "run not found")
			return
		}
		run.Status = req.Status
		writeJSON(w, map[string]interface{}{"run_info": map[string]string{"run_id": req.RunID, "status": req.Status}})
	default:
		writeError(w, http.StatusNotFound, "ENDPOINT_NOT_FOUND", r.URL.Path)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error_code": code, "message": msg})
}
