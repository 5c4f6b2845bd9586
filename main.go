package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sinspired/subs-scan/app"
	"github.com/sinspired/subs-scan/utils"
)

// 构建时通过 -ldflags 注入
var (
	Version       = "dev"
	CurrentCommit = "unknown"
)

// 命令行参数
var (
	flagConfigPath = flag.String("f", "", "配置文件路径")
	flagLogPath    = flag.String("log", "", "日志文件路径，默认 logs/subs-scan.log")
)

func main() {
	flag.Parse()

	logPath := *flagLogPath
	if logPath == "" {
		logPath = filepath.Join(utils.GetExecutablePath(), "logs", "subs-scan.log")
	}
	closeLog := utils.InitLogger("info", logPath)
	defer closeLog()

	version := fmt.Sprintf("%s-%s", Version, CurrentCommit)
	slog.Info(fmt.Sprintf("当前版本: %s", version))

	application := app.New(version, *flagConfigPath)
	if err := application.Initialize(); err != nil {
		slog.Error(fmt.Sprintf("初始化失败: %v", err))
		closeLog()
		os.Exit(1)
	}

	application.Run()
}
