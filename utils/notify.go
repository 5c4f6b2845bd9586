package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sinspired/subs-scan/config"
)

// NotifyKind 表示通知类型
type NotifyKind int

const (
	NotifyScanResult  NotifyKind = iota // 扫描完成
	NotifyHealthCheck                   // 测活完成
)

const notifyTimeout = 10 * time.Second

// NotifyRequest apprise 请求体
type NotifyRequest struct {
	URLs   string `json:"urls"`
	Body   string `json:"body"`
	Title  string `json:"title"`
	Format string `json:"format"` // text、markdown或html
}

// ScanSummary 通知内容所需的扫描摘要
type ScanSummary struct {
	Alive       int
	Total       int
	SuccessRate float64
	Duration    time.Duration
}

func newClient(proxy string) (*http.Client, error) {
	tr := &http.Transport{}
	if proxy != "" {
		pu, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("代理地址无效: %w", err)
		}
		tr.Proxy = http.ProxyURL(pu)
	}
	return &http.Client{Transport: tr, Timeout: notifyTimeout}, nil
}

// Notify 发送单次通知请求
func Notify(ctx context.Context, apiServer string, req NotifyRequest, proxy string) error {
	if apiServer == "" {
		return fmt.Errorf("通知服务器地址未配置")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("构建请求体失败: %w", err)
	}

	client, err := newClient(proxy)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiServer, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构建请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bs, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("通知失败, 状态码: %d, 响应: %s", resp.StatusCode, strings.TrimSpace(string(bs)))
	}
	return nil
}

// sendWithRetry 先直连，失败后走系统代理
func sendWithRetry(ctx context.Context, apiServer string, req NotifyRequest, name, systemProxy string) {
	proxies := []string{""}
	if systemProxy != "" {
		proxies = append(proxies, systemProxy)
	}

	var lastErr error
	for _, p := range proxies {
		err := Notify(ctx, apiServer, req, p)
		if err == nil {
			if p != "" {
				slog.Info("通知发送成功", "目标", name, "方法", "代理")
			} else {
				slog.Info("通知发送成功", "目标", name)
			}
			return
		}
		lastErr = err
	}
	slog.Error("通知发送最终失败", "目标", name, "错误", lastErr)
}

// decorateURL 按通知渠道附加分组等参数
func decorateURL(raw string, kind NotifyKind) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		slog.Error("通知地址格式无法识别 (缺少 scheme://)", "url", raw)
		return raw
	}

	body, queryStr, _ := strings.Cut(rest, "?")
	q, err := url.ParseQuery(queryStr)
	if err != nil {
		slog.Error("通知地址参数解析失败，使用原始地址", "url", raw, "错误", err)
		return raw
	}

	switch strings.ToLower(scheme) {
	case "bark", "barks":
		q.Set("group", "subs-scan")
		switch kind {
		case NotifyScanResult:
			q.Set("category", "节点扫描")
		case NotifyHealthCheck:
			q.Set("category", "节点测活")
		}
	case "ntfy":
		switch kind {
		case NotifyScanResult:
			q.Set("tags", "subs-scan,scan")
		case NotifyHealthCheck:
			q.Set("tags", "subs-scan,health-check")
		}
	case "discord":
		q.Set("footer", "subs-scan")
	case "mailto", "mailtos":
		q.Set("from", "Subs-Scan")
	}

	if encoded := q.Encode(); encoded != "" {
		return scheme + "://" + body + "?" + encoded
	}
	return scheme + "://" + body
}

// broadcastNotify 广播通知到所有接收者
func broadcastNotify(ctx context.Context, cfg *config.Config, kind NotifyKind, title, body string) {
	if cfg.AppriseAPIServer == "" {
		return
	}
	if len(cfg.RecipientURL) == 0 {
		slog.Error("请配置通知目标: recipient-url")
		return
	}

	for _, u := range cfg.RecipientURL {
		name, _, _ := strings.Cut(u, "://")
		req := NotifyRequest{
			URLs:   decorateURL(u, kind),
			Body:   body,
			Title:  title,
			Format: "text",
		}
		sendWithRetry(ctx, cfg.AppriseAPIServer, req, name, cfg.SystemProxy)
	}
}

// GetCurrentTime 返回当前时间字符串
func GetCurrentTime() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

// SendNotifyScanResult 发送扫描结果通知
func SendNotifyScanResult(ctx context.Context, cfg *config.Config, s ScanSummary) {
	body := fmt.Sprintf("✅ 可用节点：%d / %d\n📈 成功率：%.1f%%\n⏱ 耗时：%ds\n🕒 %s",
		s.Alive, s.Total, s.SuccessRate, int(s.Duration.Seconds()), GetCurrentTime())
	broadcastNotify(ctx, cfg, NotifyScanResult, cfg.NotifyTitle, body)
}

// SendNotifyHealthCheck 发送测活结果通知
func SendNotifyHealthCheck(ctx context.Context, cfg *config.Config, before, after int) {
	body := fmt.Sprintf("🩺 测活完成：%d -> %d，移除 %d 个失效节点\n🕒 %s", before, after, before-after, GetCurrentTime())
	broadcastNotify(ctx, cfg, NotifyHealthCheck, cfg.NotifyTitle, body)
}
