package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel 全局日志等级，配置热更新时直接修改
var LogLevel = new(slog.LevelVar)

// LogWriter 日志文件，gin 也写入这里
var LogWriter io.Writer = io.Discard

// ParseLogLevel 未知值按 info 处理
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogger 控制台彩色输出，同时写入轮转的日志文件。logPath 为空时只输出到控制台
func InitLogger(level, logPath string) func() {
	LogLevel.Set(ParseLogLevel(level))

	console := tint.NewHandler(colorable.NewColorable(os.Stdout), &tint.Options{
		Level:      LogLevel,
		TimeFormat: "2006-01-02 15:04:05",
	})

	if logPath == "" {
		slog.SetDefault(slog.New(console))
		return func() {}
	}

	fileWriter := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10, // 每个日志文件最大 10MB
		MaxBackups: 3,
		MaxAge:     7,
	}
	LogWriter = fileWriter

	file := slog.NewTextHandler(fileWriter, &slog.HandlerOptions{Level: LogLevel})
	slog.SetDefault(slog.New(slog.NewMultiHandler(console, file)))

	return func() {
		_ = fileWriter.Close()
	}
}
