package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-yaml"
)

func newControlAPI(t *testing.T, secret string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+secret {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Unauthorized"}`))
			return
		}
		switch r.URL.Path {
		case "/version":
			_, _ = w.Write([]byte(`{"meta":true,"version":"v1.19.0"}`))
		case "/proxies/node_0/delay":
			q := r.URL.Query()
			if q.Get("timeout") != "8000" || q.Get("url") != "https://probe.example.com/trace" {
				t.Errorf("测速参数不符: %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"delay":123}`))
		case "/proxies/node_1/delay":
			w.WriteHeader(http.StatusGatewayTimeout)
			_, _ = w.Write([]byte(`{"message":"Timeout"}`))
		case "/proxies/node_2/delay":
			_, _ = w.Write([]byte(`{"delay":0}`))
		case "/proxies/node_3/delay":
			select {
			case <-r.Context().Done():
			case <-time.After(3 * time.Second):
			}
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestAPIClient(t *testing.T) {
	srv := newControlAPI(t, "s3cret")
	defer srv.Close()

	api := newAPIClient(srv.URL, "s3cret")
	v, err := api.Version(context.Background())
	if err != nil || v != "v1.19.0" {
		t.Fatalf("获取版本失败: %s %v", v, err)
	}

	if _, err := newAPIClient(srv.URL, "wrong").Version(context.Background()); err == nil {
		t.Error("错误的 secret 应返回错误")
	}

	d, err := api.Delay(context.Background(), "node_0", "https://probe.example.com/trace", 8*time.Second)
	if err != nil || d != 123 {
		t.Errorf("延迟应为 123，得到 %d %v", d, err)
	}
	if d, err := api.Delay(context.Background(), "node_1", "https://probe.example.com/trace", 8*time.Second); err == nil || d != -1 {
		t.Errorf("超时节点应失败，得到 %d", d)
	}
	if d, err := api.Delay(context.Background(), "node_2", "https://probe.example.com/trace", 8*time.Second); err == nil || d != -1 {
		t.Errorf("延迟为 0 应视为失败，得到 %d", d)
	}
}

func readyController(t *testing.T, srvURL string, delayTimeout time.Duration) *MihomoController {
	t.Helper()
	c := NewMihomoController(Options{BinaryPath: "/nonexistent/mihomo", DelayTimeout: delayTimeout, Log: func(string) {}}, "https://probe.example.com/trace")
	c.api = newAPIClient(srvURL, "s3cret")
	c.state = stateReady
	return c
}

func TestControllerTestDelay(t *testing.T) {
	srv := newControlAPI(t, "s3cret")
	defer srv.Close()

	c := readyController(t, srv.URL, 8*time.Second)
	if d := c.TestDelay(context.Background(), 0); d != 123 {
		t.Errorf("node_0 延迟应为 123，得到 %d", d)
	}
	if d := c.TestDelay(context.Background(), 1); d != -1 {
		t.Errorf("node_1 应失败，得到 %d", d)
	}

	c.Stop()
	if d := c.TestDelay(context.Background(), 0); d != -1 {
		t.Errorf("停止后测速应返回 -1，得到 %d", d)
	}
	// 重复停止不应出错
	c.Stop()
}

func TestControllerTestDelayTimeout(t *testing.T) {
	srv := newControlAPI(t, "s3cret")
	defer srv.Close()

	c := readyController(t, srv.URL, 100*time.Millisecond)
	start := time.Now()
	if d := c.TestDelay(context.Background(), 3); d != -1 {
		t.Errorf("无响应节点应返回 -1，得到 %d", d)
	}
	if elapsed := time.Since(start); elapsed > c.opts.DelayTimeout+outerTestGrace {
		t.Errorf("测速未在超时时间内返回，耗时 %v", elapsed)
	}
}

func TestBuildConfig(t *testing.T) {
	uris := []string{
		"trojan://pw@t.example.com:443?sni=t.example.com#a",
		"not-a-node",
		"ss://aes-256-gcm:secret@1.2.3.4:8388#c",
	}
	ports := Ports{Mixed: 20000, Socks: 20001, API: 20002}
	data, count, err := BuildConfig(uris, ports, "abc")
	if err != nil {
		t.Fatalf("生成配置失败: %v", err)
	}
	if count != 2 {
		t.Fatalf("期望 2 个有效代理，得到 %d", count)
	}

	var cfg struct {
		Port               int              `yaml:"port"`
		SocksPort          int              `yaml:"socks-port"`
		ExternalController string           `yaml:"external-controller"`
		Secret             string           `yaml:"secret"`
		Mode               string           `yaml:"mode"`
		LogLevel           string           `yaml:"log-level"`
		Proxies            []map[string]any `yaml:"proxies"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("解析生成的配置失败: %v", err)
	}
	if cfg.Port != 20000 || cfg.SocksPort != 20001 || cfg.ExternalController != "127.0.0.1:20002" {
		t.Errorf("端口配置不符: %+v", cfg)
	}
	if cfg.Secret != "abc" || cfg.Mode != "global" || cfg.LogLevel != "warning" {
		t.Errorf("基础配置不符: %+v", cfg)
	}
	// 无效节点被跳过，但名称仍按原序号
	if cfg.Proxies[0]["name"] != "node_0" || cfg.Proxies[1]["name"] != "node_2" {
		t.Errorf("代理名称不符: %v, %v", cfg.Proxies[0]["name"], cfg.Proxies[1]["name"])
	}

	if _, count, _ := BuildConfig([]string{"garbage"}, ports, "abc"); count != 0 {
		t.Errorf("全部无效时应为 0 个代理，得到 %d", count)
	}
}

func TestRandomPorts(t *testing.T) {
	for range 1000 {
		p := RandomPorts()
		if p.Mixed < portRangeStart || p.Mixed >= portRangeEnd-10 {
			t.Fatalf("基准端口越界: %d", p.Mixed)
		}
		if p.Socks != p.Mixed+1 || p.API != p.Mixed+2 {
			t.Fatalf("端口分配不符: %+v", p)
		}
	}
}

func TestOutputBuffer(t *testing.T) {
	b := newOutputBuffer(3)
	_, _ = b.Write([]byte("line1\n\nli"))
	_, _ = b.Write([]byte("ne2\nline3\nline4\nline5"))
	got := b.Lines()
	want := []string{"line1", "line2", "line3"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("输出缓冲不符: %v", got)
	}

	tail := newOutputBuffer(5)
	_, _ = tail.Write([]byte("a\nno newline"))
	if got := tail.Lines(); len(got) != 2 || got[1] != "no newline" {
		t.Errorf("未换行的尾部应保留: %v", got)
	}
}

func TestEnsureExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("windows 无执行位")
	}
	p := filepath.Join(t.TempDir(), "mihomo")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	fixed, err := ensureExecutable(p)
	if err != nil || !fixed {
		t.Fatalf("应补充执行权限: %v %v", fixed, err)
	}
	info, _ := os.Stat(p)
	if info.Mode()&0o111 == 0 {
		t.Error("执行权限未生效")
	}
	if fixed, _ := ensureExecutable(p); fixed {
		t.Error("已有执行权限时不应再次修改")
	}
	if _, err := ensureExecutable(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("文件不存在应返回错误")
	}
}

type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *logRecorder) log(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, s)
}

func (r *logRecorder) contains(sub string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func TestStartMissingBinary(t *testing.T) {
	rec := &logRecorder{}
	c := NewMihomoController(Options{
		BinaryPath: filepath.Join(t.TempDir(), "mihomo"),
		Log:        rec.log,
	}, "https://probe.example.com/trace")

	if c.Start(context.Background(), []string{"trojan://pw@t.example.com:443"}) {
		t.Fatal("内核不存在时启动应失败")
	}
	if !rec.contains("未找到") {
		t.Errorf("应输出内核未找到的日志: %v", rec.lines)
	}
}

func TestStartProcessExitsEarly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("需要 sh")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-core")
	script := "#!/bin/sh\necho started\necho fatal config error >&2\nexit 3\n"
	if err := os.WriteFile(bin, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := &logRecorder{}
	c := NewMihomoController(Options{
		BinaryPath:    bin,
		ReadyAttempts: 40,
		ReadyInterval: 50 * time.Millisecond,
		Log:           rec.log,
	}, "https://probe.example.com/trace")

	if c.Start(context.Background(), []string{"trojan://pw@t.example.com:443"}) {
		t.Fatal("进程提前退出时启动应失败")
	}
	if !rec.contains("已添加执行权限") {
		t.Error("应为内核补充执行权限")
	}
	if !rec.contains("已退出") {
		t.Errorf("应记录进程退出: %v", rec.lines)
	}
	if !rec.contains("fatal config error") || !rec.contains("started") {
		t.Errorf("诊断信息应包含内核输出: %v", rec.lines)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); !os.IsNotExist(err) {
		t.Error("停止后应删除临时配置")
	}
}

func TestStartNoValidProxies(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("需要 sh")
	}
	bin := filepath.Join(t.TempDir(), "fake-core")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	rec := &logRecorder{}
	c := NewMihomoController(Options{BinaryPath: bin, Log: rec.log}, "")
	if c.Start(context.Background(), []string{"garbage"}) {
		t.Fatal("没有有效节点时启动应失败")
	}
	if !rec.contains("没有可测试的节点") {
		t.Errorf("应记录没有可测试的节点: %v", rec.lines)
	}
}
