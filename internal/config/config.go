// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖配置时使用的前缀，例如 DFOPS_MINIO_SECRET_ACCESS_KEY。
const EnvPrefix = "DFOPS"

// Cleanup 策略：合并完成后如何处理对象存储中的原始样本。
const (
	CleanupNone    = "none"
	CleanupDelete  = "delete"
	CleanupArchive = "archive"
)

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server      ServerConfig     `mapstructure:"server"`
	Log         LogConfig        `mapstructure:"log"`
	MinIO       MinIOConfig      `mapstructure:"minio"`
	HardSamples HardSampleConfig `mapstructure:"hard_samples"`
	Merge       MergeConfig      `mapstructure:"merge"`
	Report      ReportConfig     `mapstructure:"report"`
	Status      StatusConfig     `mapstructure:"status"`
	Tracking    TrackingConfig   `mapstructure:"tracking"`
	JWT         JWTConfig        `mapstructure:"jwt"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// HardSampleConfig 定义困难样本在存储桶中的逻辑前缀。
type HardSampleConfig struct {
	Prefix       string `mapstructure:"prefix"`
	MergedPrefix string `mapstructure:"merged_prefix"`
}

// MergeConfig 存储数据集合并任务的配置。
type MergeConfig struct {
	LocalDir string `mapstructure:"local_dir"`
	Cleanup  string `mapstructure:"cleanup"`
}

// ReportConfig 存储困难样本上报的配置。
type ReportConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// StatusConfig 存储启动时连通性探测的配置。
type StatusConfig struct {
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// TrackingConfig 存储实验追踪服务 (MLflow) 的配置。
type TrackingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	TrackingURI    string        `mapstructure:"tracking_uri"`
	ExperimentName string        `mapstructure:"experiment_name"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// JWTConfig 存储运维人员令牌相关的配置。
type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// ConfigurationError 表示某个配置段缺失或非法。
// 它只会让对应的组件启动失败，其余组件仍可使用。
type ConfigurationError struct {
	Section string
	Field   string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s.%s: %s", e.Section, e.Field, e.Reason)
}

// NewViper 创建一个已设置默认值和环境变量覆盖规则的 viper 实例。
// CLI 可以在调用 LoadFrom 之前把 flag 绑定到返回的实例上。
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "")

	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.access_key_id", "")
	v.SetDefault("minio.secret_access_key", "")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket_name", "mlflow-bucket")

	v.SetDefault("hard_samples.prefix", "hard_samples")
	v.SetDefault("hard_samples.merged_prefix", "merged")

	v.SetDefault("merge.local_dir", "dataset/new_data")
	v.SetDefault("merge.cleanup", CleanupNone)

	v.SetDefault("report.timeout", 5*time.Second)
	v.SetDefault("status.probe_timeout", 3*time.Second)

	v.SetDefault("tracking.enabled", false)
	v.SetDefault("tracking.tracking_uri", "http://localhost:5001")
	v.SetDefault("tracking.experiment_name", "Deepfake_Forensic_Live")
	v.SetDefault("tracking.timeout", 10*time.Second)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expire_hours", 24)
}

// Load 从指定路径读取 YAML 配置，并应用 .env 与环境变量覆盖。
// configPath 为空时只使用默认值和环境变量。
func Load(configPath string) (*Config, error) {
	return LoadFrom(NewViper(), configPath)
}

// LoadFrom 使用调用方准备好的 viper 实例加载配置。
func LoadFrom(v *viper.Viper, configPath string) (*Config, error) {
	// .env 不存在时忽略；已存在的环境变量不会被覆盖
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	cfg.HardSamples.Prefix = strings.Trim(cfg.HardSamples.Prefix, "/")
	cfg.HardSamples.MergedPrefix = strings.Trim(cfg.HardSamples.MergedPrefix, "/")
	return &cfg, nil
}

// Validate 检查对象存储连接参数。
func (c MinIOConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return &ConfigurationError{Section: "minio", Field: "endpoint", Reason: "must not be empty"}
	case c.AccessKeyID == "":
		return &ConfigurationError{Section: "minio", Field: "access_key_id", Reason: "must not be empty"}
	case c.SecretAccessKey == "":
		return &ConfigurationError{Section: "minio", Field: "secret_access_key", Reason: "must not be empty"}
	case c.BucketName == "":
		return &ConfigurationError{Section: "minio", Field: "bucket_name", Reason: "must not be empty"}
	}
	return nil
}

// Validate 检查困难样本前缀。
func (c HardSampleConfig) Validate() error {
	if strings.Trim(c.Prefix, "/") == "" {
		return &ConfigurationError{Section: "hard_samples", Field: "prefix", Reason: "must not be empty"}
	}
	if strings.Trim(c.MergedPrefix, "/") == strings.Trim(c.Prefix, "/") {
		return &ConfigurationError{Section: "hard_samples", Field: "merged_prefix", Reason: "must differ from prefix"}
	}
	return nil
}

// Validate 检查合并任务配置。
func (c MergeConfig) Validate() error {
	if strings.TrimSpace(c.LocalDir) == "" {
		return &ConfigurationError{Section: "merge", Field: "local_dir", Reason: "must not be empty"}
	}
	switch c.Cleanup {
	case "", CleanupNone, CleanupDelete, CleanupArchive:
		return nil
	default:
		return &ConfigurationError{Section: "merge", Field: "cleanup", Reason: fmt.Sprintf("unknown policy %q", c.Cleanup)}
	}
}

// Validate 检查实验追踪配置；未启用时不做校验。
func (c TrackingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	u, err := url.Parse(c.TrackingURI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigurationError{Section: "tracking", Field: "tracking_uri", Reason: "must be an absolute http(s) URL"}
	}
	if c.ExperimentName == "" {
		return &ConfigurationError{Section: "tracking", Field: "experiment_name", Reason: "must not be empty"}
	}
	return nil
}

// Validate 检查运维令牌密钥。
func (c JWTConfig) Validate() error {
	if len(c.Secret) < 16 {
		return &ConfigurationError{Section: "jwt", Field: "secret", Reason: "must be at least 16 characters"}
	}
	if c.ExpireHours <= 0 {
		return &ConfigurationError{Section: "jwt", Field: "expire_hours", Reason: "must be positive"}
	}
	return nil
}
