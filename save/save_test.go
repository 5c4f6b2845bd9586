package save

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/sinspired/subs-scan/check"
	"github.com/sinspired/subs-scan/save/method"
)

func sampleNodes() []check.NodeRecord {
	now := time.Now()
	return []check.NodeRecord{
		{URI: "trojan://pw@t.example.com:443?sni=t.example.com#old", Host: "t.example.com", Port: 443, Label: "🇯🇵|Japan|东京", LatencyMs: 120, LastCheckedAt: now},
		{URI: "ss://aes-256-gcm:secret@1.2.3.4:8388", Host: "1.2.3.4", Port: 8388, Label: "🇯🇵|Japan|东京", LatencyMs: 80, LastCheckedAt: now},
		{URI: "vless://uuid@v.example.com:443?security=tls#v", Host: "v.example.com", Port: 443, Label: "dead", LastCheckedAt: now},
	}
}

func TestStoreNodes(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	empty, err := s.LoadNodes()
	if err != nil || empty.Nodes == nil || len(empty.Nodes) != 0 {
		t.Fatalf("文件不存在时应返回空结果: %+v %v", empty, err)
	}

	nodes := sampleNodes()
	if err := s.SaveNodes(context.Background(), check.NewScanResult(nodes)); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	got, err := s.LoadNodes()
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if got.TotalNodes != 3 || len(got.Nodes) != 3 || got.Nodes[0].Label != nodes[0].Label || got.Nodes[1].LatencyMs != 80 {
		t.Errorf("读回内容不符: %+v", got)
	}

	data, _ := os.ReadFile(filepath.Join(dir, nodesFile))
	if !strings.Contains(string(data), `"latencyMs": 120`) || strings.Contains(string(data), `"latencyMs": 0`) {
		t.Errorf("JSON 字段名不符: %s", data)
	}

	if err := s.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.LoadNodes(); len(got.Nodes) != 0 || got.TotalNodes != 0 {
		t.Errorf("清空后应无节点: %+v", got)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Errorf("不应残留临时文件: %s", e.Name())
		}
	}
}

func TestStoreHistory(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	if h, err := s.LoadHistory(); err != nil || h != nil {
		t.Fatalf("没有历史时应返回 nil: %v %v", h, err)
	}
	want := check.ScanHistory{
		StartTime:    time.Now().Add(-time.Minute).Truncate(time.Second),
		EndTime:      time.Now().Truncate(time.Second),
		Duration:     60,
		TotalNodes:   10,
		SuccessNodes: 4,
		FailedNodes:  6,
		SuccessRate:  40,
		Errors:       []string{"下载失败: https://a.example.com"},
	}
	if err := s.SaveHistory(context.Background(), want); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadHistory()
	if err != nil || got == nil {
		t.Fatalf("读取历史失败: %v", err)
	}
	if got.SuccessRate != 40 || got.Duration != 60 || len(got.Errors) != 1 || !got.StartTime.Equal(want.StartTime) {
		t.Errorf("历史内容不符: %+v", got)
	}
}

func TestStoreMirror(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)
	subDir := filepath.Join(dir, "sub")
	s.SetMirror(method.NewLocalSaver(subDir))

	if err := s.SaveNodes(context.Background(), check.NewScanResult(sampleNodes())); err != nil {
		t.Fatal(err)
	}
	b64, err := os.ReadFile(filepath.Join(subDir, SubBase64File))
	if err != nil {
		t.Fatalf("应生成 base64 订阅: %v", err)
	}
	if string(b64) != RenderBase64(sampleNodes()) {
		t.Error("base64 订阅内容不符")
	}
	if _, err := os.Stat(filepath.Join(subDir, SubClashFile)); err != nil {
		t.Errorf("应生成 clash 订阅: %v", err)
	}
}

func TestRenderBase64(t *testing.T) {
	out := RenderBase64(sampleNodes())
	raw, err := base64.StdEncoding.DecodeString(out)
	if err != nil {
		t.Fatalf("不是合法 base64: %v", err)
	}
	lines := strings.Split(string(raw), "\n")
	if len(lines) != 2 {
		t.Fatalf("只应包含存活节点，得到 %d 行", len(lines))
	}
	if !strings.HasPrefix(lines[0], "trojan://pw@t.example.com:443?sni=t.example.com#%F0%9F%87%AF%F0%9F%87%B5") {
		t.Errorf("原名称应替换为标签: %s", lines[0])
	}
	if strings.Contains(lines[0], "#old") {
		t.Error("旧名称应被移除")
	}

	if RenderBase64(nil) != "" {
		t.Error("无节点时应为空")
	}
}

func TestRenderClash(t *testing.T) {
	data, err := RenderClash(sampleNodes())
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	var cfg clashConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if cfg.Port != 7890 || cfg.SocksPort != 7891 || cfg.Mode != "Rule" {
		t.Errorf("基础配置不符: %+v", cfg)
	}
	if len(cfg.Proxies) != 2 {
		t.Fatalf("应只有 2 个存活代理，得到 %d", len(cfg.Proxies))
	}
	if cfg.Proxies[0]["name"] != "🇯🇵|Japan|东京" || cfg.Proxies[1]["name"] != "🇯🇵|Japan|东京-1" {
		t.Errorf("重名代理应加后缀: %v / %v", cfg.Proxies[0]["name"], cfg.Proxies[1]["name"])
	}
	if len(cfg.ProxyGroups) != 3 || cfg.ProxyGroups[0].Name != groupSelect {
		t.Fatalf("分组不符: %+v", cfg.ProxyGroups)
	}
	sel := cfg.ProxyGroups[0].Proxies
	if sel[0] != groupAuto || sel[1] != groupDirect || len(sel) != 4 {
		t.Errorf("节点选择分组不符: %v", sel)
	}
	auto := cfg.ProxyGroups[1]
	if auto.Type != "url-test" || auto.URL != autoTestURL || auto.Interval != 300 {
		t.Errorf("自动选择分组不符: %+v", auto)
	}
	if cfg.Rules[len(cfg.Rules)-1] != "MATCH,"+groupSelect || len(cfg.Rules) != 9 {
		t.Errorf("规则不符: %v", cfg.Rules)
	}

	if data, err := RenderClash(nil); err != nil || data != nil {
		t.Error("无节点时应返回空")
	}
}

func TestSubscriptionUserinfo(t *testing.T) {
	now := time.Unix(1700000000, 0)
	want := "upload=0; download=0; total=10737418240; expire=1702592000"
	if got := SubscriptionUserinfo(now); got != want {
		t.Errorf("期望 %s，得到 %s", want, got)
	}
}
