// Package tracking 提供了与 MLflow 实验追踪服务交互的客户端。
// 所有调用对流水线来说都是“尽力而为”的：失败会返回错误并记录日志，但不会阻塞合并或训练逻辑。
package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"deepfake-mlops-go/internal/config"
	"deepfake-mlops-go/pkg/log"
	"deepfake-mlops-go/pkg/storage"

	"github.com/go-resty/resty/v2"
)

var (
	// ErrUnreachable 表示追踪服务无法连接或超时。
	ErrUnreachable = errors.New("tracking server unreachable")
	// ErrRunEnded 表示 run 已经结束，之后的记录调用都会被拒绝。
	ErrRunEnded = errors.New("run already ended")
	// ErrUnsupportedArtifactURI 表示 run 的 artifact 根路径使用了不支持的 scheme。
	ErrUnsupportedArtifactURI = errors.New("unsupported artifact uri")
)

// APIError 是 MLflow 返回的非 2xx 响应。
type APIError struct {
	StatusCode int
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mlflow api error [%d] %s: %s", e.StatusCode, e.ErrorCode, e.Message)
}

// ArtifactStoreFunc 为 s3:// artifact 根路径提供指定存储桶的 ObjectStore。
type ArtifactStoreFunc func(bucket string) storage.ObjectStore

// Client 是 MLflow REST API 的客户端。
type Client struct {
	http      *resty.Client
	artifacts ArtifactStoreFunc
	timeout   time.Duration
	now       func() time.Time

	mu   sync.Mutex
	open map[string]*Run
}

// NewClient 创建一个新的 MLflow 客户端。artifacts 可以为 nil，此时 s3:// artifact 上传会失败。
func NewClient(cfg config.TrackingConfig, artifacts ArtifactStoreFunc) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.TrackingURI, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:      httpClient,
		artifacts: artifacts,
		timeout:   timeout,
		now:       time.Now,
		open:      make(map[string]*Run),
	}, nil
}

// Ping 调用 MLflow 的 /health 接口，用于启动时的连通性探测。
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
	}
	return nil
}

// Timeout 返回单次请求的超时时间。
func (c *Client) Timeout() time.Duration { return c.timeout }

// OpenRuns 返回尚未结束的 run 数量。
func (c *Client) OpenRuns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

type experimentResponse struct {
	Experiment struct {
		ExperimentID string `json:"experiment_id"`
		Name         string `json:"name"`
	} `json:"experiment"`
}

type createExperimentResponse struct {
	ExperimentID string `json:"experiment_id"`
}

type runTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type createRunRequest struct {
	ExperimentID string   `json:"experiment_id"`
	StartTime    int64    `json:"start_time"`
	RunName      string   `json:"run_name,omitempty"`
	Tags         []runTag `json:"tags,omitempty"`
}

type createRunResponse struct {
	Run struct {
		Info struct {
			RunID       string `json:"run_id"`
			ArtifactURI string `json:"artifact_uri"`
		} `json:"info"`
	} `json:"run"`
}

// ensureExperiment 按名称获取实验，不存在时创建。
func (c *Client) ensureExperiment(ctx context.Context, name string) (string, error) {
	var got experimentResponse
	err := c.call(ctx, http.MethodGet, "/api/2.0/mlflow/experiments/get-by-name", nil, map[string]string{"experiment_name": name}, &got)
	if err == nil {
		return got.Experiment.ExperimentID, nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode != "RESOURCE_DOES_NOT_EXIST" {
		return "", err
	}

	log.Infof("[Tracking] 实验 '%s' 不存在，正在创建...", name)
	var created createExperimentResponse
	err = c.call(ctx, http.MethodPost, "/api/2.0/mlflow/experiments/create", map[string]string{"name": name}, nil, &created)
	if errors.As(err, &apiErr) && apiErr.ErrorCode == "RESOURCE_ALREADY_EXISTS" {
		// 并发创建，重新查询一次
		if err := c.call(ctx, http.MethodGet, "/api/2.0/mlflow/experiments/get-by-name", nil, map[string]string{"experiment_name": name}, &got); err != nil {
			return "", err
		}
		return got.Experiment.ExperimentID, nil
	}
	if err != nil {
		return "", err
	}
	return created.ExperimentID, nil
}

// StartRun 在指定实验下创建一个 run。run 必须在所有退出路径上调用 End，推荐使用 WithRun。
func (c *Client) StartRun(ctx context.Context, experimentName string, tags map[string]string) (*Run, error) {
	experimentID, err := c.ensureExperiment(ctx, experimentName)
	if err != nil {
		return nil, fmt.Errorf("resolve experiment %q: %w", experimentName, err)
	}

	req := createRunRequest{ExperimentID: experimentID, StartTime: c.now().UnixMilli()}
	for k, v := range tags {
		if k == "mlflow.runName" {
			req.RunName = v
		}
		req.Tags = append(req.Tags, runTag{Key: k, Value: v})
	}

	var created createRunResponse
	if err := c.call(ctx, http.MethodPost, "/api/2.0/mlflow/runs/create", req, nil, &created); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	run := &Run{
		client:       c,
		ID:           created.Run.Info.RunID,
		ExperimentID: experimentID,
		ArtifactURI:  created.Run.Info.ArtifactURI,
	}
	c.mu.Lock()
	c.open[run.ID] = run
	c.mu.Unlock()

	log.Infof("[Tracking] run 已创建, experiment: %s, run_id: %s", experimentName, run.ID)
	return run, nil
}

func (c *Client) release(runID string) {
	c.mu.Lock()
	delete(c.open, runID)
	c.mu.Unlock()
}

// call 发送一个 JSON 请求并把结果解码到 out。
func (c *Client) call(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	apiErr := &APIError{}
	req := c.http.R().SetContext(ctx).SetError(apiErr)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if query != nil {
		req.SetQueryParams(query)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(resp.String())
		}
		return apiErr
	}
	return nil
}
