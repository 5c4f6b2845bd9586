package utils

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

func GetExecutablePath() string {
	ex, err := os.Executable()
	if err != nil {
		slog.Error(fmt.Sprintf("获取程序路径失败: %v", err))
		return "."
	}
	return filepath.Dir(ex)
}

// ResolvePath 相对路径以程序所在目录为基准，空值返回 fallback
func ResolvePath(p, fallback string) string {
	if p == "" {
		p = fallback
	}
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(GetExecutablePath(), p)
}
