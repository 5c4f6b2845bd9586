package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// BinaryName 当前平台的内核文件名
func BinaryName() string {
	if runtime.GOOS == "windows" {
		return "mihomo.exe"
	}
	return "mihomo"
}

// outputBuffer 保存内核输出的前若干行，用于启动失败时的诊断
type outputBuffer struct {
	mu       sync.Mutex
	lines    []string
	partial  []byte
	maxLines int
}

func newOutputBuffer(maxLines int) *outputBuffer {
	return &outputBuffer{maxLines: maxLines}
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial = append(b.partial, p...)
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		b.push(string(b.partial[:i]))
		b.partial = b.partial[i+1:]
	}
	// 超长无换行输出按行截断
	if len(b.partial) > 4096 {
		b.push(string(b.partial))
		b.partial = nil
	}
	return len(p), nil
}

func (b *outputBuffer) push(line string) {
	line = strings.TrimSpace(line)
	if line == "" || len(b.lines) >= b.maxLines {
		return
	}
	b.lines = append(b.lines, line)
}

// Lines 返回已记录的非空行，含未换行的尾部
func (b *outputBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := append([]string(nil), b.lines...)
	if tail := strings.TrimSpace(string(b.partial)); tail != "" && len(out) < b.maxLines {
		out = append(out, tail)
	}
	return out
}

// findProcesses 按可执行文件路径或文件名查找进程
func findProcesses(binPath string) ([]*process.Process, error) {
	processes, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("获取进程列表失败: %w", err)
	}

	self := int32(os.Getpid())
	base := filepath.Base(binPath)
	var found []*process.Process
	for _, p := range processes {
		if p.Pid == self {
			continue
		}
		if exe, err := p.Exe(); err == nil && exe == binPath {
			found = append(found, p)
			continue
		}
		if name, err := p.Name(); err == nil && name == base {
			found = append(found, p)
		}
	}
	return found, nil
}

// KillStray 清理残留的内核进程，返回被终止的 pid
func KillStray(binPath string) []int32 {
	procs, err := findProcesses(binPath)
	if err != nil {
		return nil
	}
	var killed []int32
	for _, p := range procs {
		if err := p.Kill(); err == nil {
			killed = append(killed, p.Pid)
		}
	}
	return killed
}

// ensureExecutable 缺少执行权限时补上 +x
func ensureExecutable(binPath string) (fixed bool, err error) {
	info, err := os.Stat(binPath)
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s 是目录", binPath)
	}
	if runtime.GOOS == "windows" || info.Mode()&0o111 != 0 {
		return false, nil
	}
	if err := os.Chmod(binPath, info.Mode()|0o111); err != nil {
		return false, fmt.Errorf("添加执行权限失败: %w", err)
	}
	return true, nil
}

// Version 执行 `<bin> -v`，返回首行输出
func Version(ctx context.Context, binPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, binPath, "-v").CombinedOutput()
	text := strings.TrimSpace(string(out))
	if first, _, ok := strings.Cut(text, "\n"); ok {
		text = strings.TrimSpace(first)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return text, fmt.Errorf("版本检测超时")
		}
		return text, fmt.Errorf("版本检测失败: %w", err)
	}
	return text, nil
}
