package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"deepfake-mlops-go/internal/checkpoint"
	"deepfake-mlops-go/internal/config"
	"deepfake-mlops-go/internal/service"
	"deepfake-mlops-go/pkg/log"
	"deepfake-mlops-go/pkg/storage"
	"deepfake-mlops-go/pkg/token"
	"deepfake-mlops-go/pkg/tracking"

	flag "github.com/spf13/pflag"
)

// loadConfig 解析 --config，并把命令行 flag 绑定到对应的配置键上。
func loadConfig(fs *flag.FlagSet, bindings map[string]string) (*config.Config, error) {
	v := config.NewViper()
	for key, name := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, err
		}
	}
	path, _ := fs.GetString("config")
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("配置文件不可用: %w", err)
		}
	}
	return config.LoadFrom(v, path)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runMerge(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)
	fs.StringP("config", "c", "", "配置文件路径")
	fs.StringP("dir", "d", "", "本地数据集目录 (默认 merge.local_dir)")
	fs.String("cleanup", "", "合并后远端处理策略: none|delete|archive")
	fs.Bool("track", false, "在 MLflow 中记录本次合并")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(fs, map[string]string{
		"merge.local_dir":  "dir",
		"merge.cleanup":    "cleanup",
		"tracking.enabled": "track",
	})
	if err != nil {
		return err
	}
	log.InitCLI(cfg.Log.Level)
	defer log.Sync()

	for _, validate := range []func() error{cfg.MinIO.Validate, cfg.HardSamples.Validate, cfg.Merge.Validate} {
		if err := validate(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewMinIO(cfg.MinIO)
	if err != nil {
		return err
	}
	probeCtx, cancel := context.WithTimeout(ctx, cfg.Status.ProbeTimeout)
	err = service.BucketProbe(store, store.Bucket())(probeCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("对象存储不可用: %w", err)
	}

	var tracker *tracking.Client
	if cfg.Tracking.Enabled {
		tracker, err = tracking.NewClient(cfg.Tracking, store.WithBucket)
		if err != nil {
			log.Warnf("[ops] 追踪配置无效, 本次合并不记录实验: %v", err)
			tracker = nil
		}
	}

	mergeService := service.NewMergeService(store, cfg.HardSamples, cfg.Merge, tracker, cfg.Tracking.ExperimentName, nil)
	report, err := mergeService.Merge(ctx, cfg.Merge.LocalDir)
	if report != nil {
		if werr := writeJSON(stdout, report); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if partial := report.Err(); partial != nil {
		log.Warnf("[ops] %v", partial)
		return fmt.Errorf("%w: %v", errPartial, partial)
	}
	return nil
}

func runInspect(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	file := fs.StringP("file", "f", "", "checkpoint key 导出文件 (JSON)")
	n := fs.IntP("num", "n", 10, "显示的 key 数量")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" && fs.NArg() > 0 {
		*file = fs.Arg(0)
	}
	if *file == "" {
		return fmt.Errorf("缺少 --file")
	}

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()

	ins, err := checkpoint.Inspect(f, *n)
	if err != nil {
		return fmt.Errorf("检查 %s 失败: %w", *file, err)
	}
	return writeJSON(stdout, ins)
}

func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.StringP("config", "c", "", "配置文件路径")
	subject := fs.StringP("subject", "s", "", "运维人员名称")
	fs.Int("expire-hours", 0, "有效期（小时），默认 jwt.expire_hours")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("缺少 --subject")
	}

	cfg, err := loadConfig(fs, nil)
	if err != nil {
		return err
	}
	expire := cfg.JWT.ExpireHours
	if h, _ := fs.GetInt("expire-hours"); h > 0 {
		expire = h
	}
	jwtCfg := config.JWTConfig{Secret: cfg.JWT.Secret, ExpireHours: expire}
	if err := jwtCfg.Validate(); err != nil {
		return err
	}

	tok, err := token.NewJWTManager(jwtCfg.Secret, jwtCfg.ExpireHours).GenerateToken(*subject, token.RoleOperator)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, tok)
	return err
}
