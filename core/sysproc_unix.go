//go:build !windows

package core

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr 子进程放入独立进程组，Ctrl+C 由主程序统一处理
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
