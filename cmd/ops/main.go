// Package main 是运维命令行工具：合并困难样本、检查权重文件、签发运维令牌。
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"
)

const usage = `用法: ops <command> [flags]

命令:
  merge    把对象存储中的困难样本合并到本地数据集目录
  inspect  检查 checkpoint 的 state dict key 命名约定
  token    签发运维令牌

使用 "ops <command> --help" 查看命令参数。
`

// exitPartial 表示合并完成但有对象失败。
const exitPartial = 2

var errPartial = errors.New("partial merge")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 1
	}

	var err error
	switch args[0] {
	case "merge":
		err = runMerge(args[1:], stdout)
	case "inspect":
		err = runInspect(args[1:], stdout)
	case "token":
		err = runToken(args[1:], stdout)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "未知命令: %s\n\n%s", args[0], usage)
		return 1
	}

	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errPartial):
		return exitPartial
	default:
		fmt.Fprintf(stderr, "错误: %v\n", err)
		return 1
	}
}
