package utils

import (
	"os"
	"strings"
)

// IsDocker 判断当前进程是否运行在 Docker / 容器环境中
func IsDocker() bool {
	if os.Getenv("RUNNING_IN_DOCKER") == "true" {
		return true
	}

	for _, f := range []string{"/.dockerenv", "/run/.containerenv"} {
		if _, err := os.Stat(f); err == nil {
			return true
		}
	}

	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		if strings.Contains(content, "docker") ||
			strings.Contains(content, "kubepods") ||
			strings.Contains(content, "containerd") {
			return true
		}
	}

	return false
}
