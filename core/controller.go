// Package core 管理 mihomo 内核进程，通过其控制接口对节点做真实延迟测试
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sinspired/subs-scan/utils"
)

// Controller 一次批量测试所用的内核实例
type Controller interface {
	// Start 生成配置并启动内核，就绪返回 true
	Start(ctx context.Context, uris []string) bool
	// TestDelay 测试批次内第 index 个节点，失败返回 -1
	TestDelay(ctx context.Context, index int) int
	Stop()
}

// Factory 每个批次创建一个新的 Controller
type Factory func(probeURL string) Controller

type state int

const (
	stateStopped state = iota
	stateStarting
	stateReady
)

const (
	diagnosticLines = 10
	outerTestGrace  = 2 * time.Second
)

// Options 内核运行参数
type Options struct {
	BinaryPath string
	// WorkDir 为空时使用内核所在目录
	WorkDir string
	// LogPath 内核输出的轮转日志，为空时不落盘
	LogPath       string
	DelayTimeout  time.Duration
	ReadyAttempts int
	ReadyInterval time.Duration
	// StartupWait 清理残留进程后的等待时间
	StartupWait time.Duration
	// Log 进度日志输出
	Log func(string)
}

// DefaultOptions Docker 环境下延长等待时间
func DefaultOptions(binaryPath string) Options {
	opts := Options{
		BinaryPath:    binaryPath,
		WorkDir:       filepath.Dir(binaryPath),
		LogPath:       filepath.Join(filepath.Dir(binaryPath), "core.log"),
		DelayTimeout:  8 * time.Second,
		ReadyAttempts: 60,
		ReadyInterval: 500 * time.Millisecond,
		StartupWait:   time.Second,
	}
	if utils.IsDocker() {
		opts.ReadyAttempts = 80
		opts.StartupWait = 2 * time.Second
	}
	return opts
}

// NewFactory 按 opts 创建 MihomoController
func NewFactory(opts Options) Factory {
	return func(probeURL string) Controller {
		return NewMihomoController(opts, probeURL)
	}
}

// MihomoController 外部 mihomo 进程的生命周期: Stopped → Starting → Ready → Stopped
type MihomoController struct {
	opts     Options
	probeURL string
	docker   bool

	mu         sync.Mutex
	state      state
	cmd        *exec.Cmd
	exited     chan struct{}
	api        *apiClient
	configPath string
	logWriter  *lumberjack.Logger
	stdout     *outputBuffer
	stderr     *outputBuffer
}

func NewMihomoController(opts Options, probeURL string) *MihomoController {
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Dir(opts.BinaryPath)
	}
	if opts.DelayTimeout <= 0 {
		opts.DelayTimeout = 8 * time.Second
	}
	if opts.ReadyAttempts <= 0 {
		opts.ReadyAttempts = 60
	}
	if opts.ReadyInterval <= 0 {
		opts.ReadyInterval = 500 * time.Millisecond
	}
	if opts.Log == nil {
		opts.Log = func(msg string) { slog.Info(msg) }
	}
	return &MihomoController{
		opts:     opts,
		probeURL: probeURL,
		docker:   utils.IsDocker(),
	}
}

func (c *MihomoController) logf(format string, args ...any) {
	c.opts.Log(fmt.Sprintf(format, args...))
}

func (c *MihomoController) Start(ctx context.Context, uris []string) bool {
	c.Stop()

	c.mu.Lock()
	c.state = stateStarting
	c.mu.Unlock()

	if c.docker {
		c.logf("[Docker] 检测到 Docker 环境")
	}

	bin := c.opts.BinaryPath
	if killed := KillStray(bin); len(killed) > 0 {
		c.logf("[进程清理] 已终止残留内核进程: %v", killed)
	}
	if c.opts.StartupWait > 0 && !sleepCtx(ctx, c.opts.StartupWait) {
		c.reset()
		return false
	}

	if !c.verifyBinary(ctx) {
		c.reset()
		return false
	}

	ports := RandomPorts()
	secret := uuid.NewString()
	data, count, err := BuildConfig(uris, ports, secret)
	if err != nil {
		c.logf("❌ %v", err)
		c.reset()
		return false
	}
	if count == 0 {
		c.logf("没有可测试的节点")
		c.reset()
		return false
	}
	c.logf("准备测试 %d 个节点...", count)

	configPath := filepath.Join(c.opts.WorkDir, "config.yaml")
	if err := os.MkdirAll(c.opts.WorkDir, 0o755); err != nil {
		c.logf("❌ 创建内核工作目录失败: %v", err)
		c.reset()
		return false
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		c.logf("❌ 写入内核配置失败: %v", err)
		c.reset()
		return false
	}
	c.logf("配置文件已生成 (%d 个代理)", count)
	c.logf("启动 Clash Core (API Port: %d, 工作目录: %s)...", ports.API, c.opts.WorkDir)
	c.logf("[启动命令] %s -f config.yaml", bin)

	stdout, stderr := newOutputBuffer(diagnosticLines), newOutputBuffer(diagnosticLines)
	var outW, errW io.Writer = stdout, stderr
	var logWriter *lumberjack.Logger
	if c.opts.LogPath != "" {
		logWriter = &lumberjack.Logger{
			Filename:   c.opts.LogPath,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     14,
		}
		outW = io.MultiWriter(stdout, logWriter)
		errW = io.MultiWriter(stderr, logWriter)
	}

	cmd := exec.Command(bin, "-f", "config.yaml")
	cmd.Dir = c.opts.WorkDir
	cmd.Stdout = outW
	cmd.Stderr = errW
	setSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		c.logf("❌ 进程启动错误: %v", err)
		if c.docker {
			c.logf("Docker 环境可能的问题：二进制文件架构不匹配或缺少必要的系统库")
		}
		if logWriter != nil {
			_ = logWriter.Close()
		}
		_ = os.Remove(configPath)
		c.reset()
		return false
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	c.mu.Lock()
	c.cmd = cmd
	c.exited = exited
	c.api = newAPIClient("http://127.0.0.1:"+strconv.Itoa(ports.API), secret)
	c.configPath = configPath
	c.logWriter = logWriter
	c.stdout, c.stderr = stdout, stderr
	c.mu.Unlock()

	if c.waitReady(ctx) {
		c.mu.Lock()
		c.state = stateReady
		c.mu.Unlock()
		return true
	}

	c.printDiagnostics(ports.API)
	c.Stop()
	return false
}

// verifyBinary 检查内核存在、可执行并输出版本
func (c *MihomoController) verifyBinary(ctx context.Context) bool {
	bin := c.opts.BinaryPath
	info, err := os.Stat(bin)
	if err != nil {
		c.logf("❌ Clash Core 未找到: %s", bin)
		if c.docker {
			c.logf("Docker 环境：请确保镜像构建时正确下载了 mihomo")
		} else {
			c.logf("请配置 core-download-url 自动下载，或手动将 mihomo 放到 %s", bin)
		}
		return false
	}
	c.logf("[文件验证] 大小: %s", units.HumanSize(float64(info.Size())))

	fixed, err := ensureExecutable(bin)
	if err != nil {
		c.logf("❌ 无法添加执行权限: %v", err)
		if c.docker {
			c.logf("Docker 环境：请在 Dockerfile 中添加 chmod +x 命令")
		}
		return false
	}
	if fixed {
		c.logf("✅ 已添加执行权限")
	}

	if v, err := Version(ctx, bin); err != nil {
		c.logf("⚠️ 二进制文件测试失败: %v", err)
	} else {
		c.logf("[版本检测] %s", v)
	}
	return true
}

func (c *MihomoController) waitReady(ctx context.Context) bool {
	c.mu.Lock()
	api, exited := c.api, c.exited
	c.mu.Unlock()

	attempts, interval := c.opts.ReadyAttempts, c.opts.ReadyInterval
	total := time.Duration(attempts) * interval
	c.logf("等待 Clash Core 启动 (最多 %s)...", total)

	for i := 0; i < attempts; i++ {
		select {
		case <-exited:
			c.logf("❌ Clash 进程已退出，退出码: %d", c.exitCode())
			return false
		default:
		}

		if v, err := api.Version(ctx); err == nil {
			c.logf("✅ Clash Core 启动成功 (版本: %s)", v)
			return true
		}

		if i > 0 && i%10 == 0 {
			c.logf("⏳ 等待 Clash 启动... (%s / %s)", time.Duration(i)*interval, total)
		}

		select {
		case <-ctx.Done():
			c.logf("⚠️ 任务已取消，停止等待 Clash 启动")
			return false
		case <-exited:
			c.logf("❌ Clash 进程已退出，退出码: %d", c.exitCode())
			return false
		case <-time.After(interval):
		}
	}
	c.logf("❌ Clash Core 启动超时")
	return false
}

func (c *MihomoController) exitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.ProcessState == nil {
		return -1
	}
	return c.cmd.ProcessState.ExitCode()
}

func (c *MihomoController) printDiagnostics(apiPort int) {
	c.mu.Lock()
	stdout, stderr := c.stdout, c.stderr
	c.mu.Unlock()

	c.logf("=== 诊断信息 ===")
	c.logf("工作目录: %s", c.opts.WorkDir)
	c.logf("API 端口: %d", apiPort)
	for _, out := range []struct {
		name string
		buf  *outputBuffer
	}{{"标准输出", stdout}, {"错误输出", stderr}} {
		lines := out.buf.Lines()
		if len(lines) == 0 {
			c.logf("%s: (无)", out.name)
			continue
		}
		c.logf("%s (前%d行):", out.name, diagnosticLines)
		for _, l := range lines {
			c.logf("  %s", l)
		}
	}
	if c.docker {
		c.logf("=== Docker 环境排查建议 ===")
		c.logf("1. 检查容器日志: docker logs <container_id>")
		c.logf("2. 手动测试: %s -v", c.opts.BinaryPath)
	}
}

func (c *MihomoController) TestDelay(ctx context.Context, index int) int {
	c.mu.Lock()
	api, ready := c.api, c.state == stateReady
	c.mu.Unlock()
	if !ready || api == nil {
		return -1
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.DelayTimeout+outerTestGrace)
	defer cancel()

	delay, err := api.Delay(ctx, ProxyName(index), c.probeURL, c.opts.DelayTimeout)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Debug(fmt.Sprintf("节点 %s 测速失败: %v", ProxyName(index), err))
		}
		return -1
	}
	return delay
}

// Stop 强制终止内核并删除临时配置，可重复调用
func (c *MihomoController) Stop() {
	c.mu.Lock()
	cmd, exited, configPath, logWriter := c.cmd, c.exited, c.configPath, c.logWriter
	c.cmd, c.exited, c.api, c.configPath, c.logWriter = nil, nil, nil, "", nil
	c.state = stateStopped
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		pid := cmd.Process.Pid
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Debug(fmt.Sprintf("终止 Clash Core 失败: %v", err))
		}
		if exited != nil {
			select {
			case <-exited:
			case <-time.After(5 * time.Second):
				slog.Warn(fmt.Sprintf("等待 Clash Core 退出超时 (PID: %d)", pid))
			}
		}
		c.logf("Clash Core 进程已终止 (PID: %d)", pid)
	}
	if configPath != "" {
		_ = os.Remove(configPath)
	}
	if logWriter != nil {
		_ = logWriter.Close()
	}
}

func (c *MihomoController) reset() {
	c.mu.Lock()
	c.state = stateStopped
	c.mu.Unlock()
}

// sleepCtx ctx 取消时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
