// Package proxies 处理订阅下载、节点提取、格式转换以及节点命名
package proxies

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	u "net/url"
	"os"
	"regexp"
	"strings"
	"time"
)

// ErrIgnore 带日期占位符的订阅当天未发布，无需记录错误
var ErrIgnore = errors.New("error-ignore")

const maxSubscriptionSize = 32 << 20

// Downloader 下载订阅内容
type Downloader struct {
	Timeout       time.Duration
	Retries       int
	RetryInterval time.Duration
	// SystemProxy 为空时使用环境变量中的代理
	SystemProxy string
	UserAgent   string
}

func NewDownloader(timeout time.Duration, retries int, retryInterval time.Duration, systemProxy string) *Downloader {
	return &Downloader{
		Timeout:       timeout,
		Retries:       retries,
		RetryInterval: retryInterval,
		SystemProxy:   systemProxy,
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	}
}

// Fetch 下载订阅，日期占位符会依次尝试今日和昨日
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (string, error) {
	maxRetries := d.Retries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	retryInterval := d.RetryInterval
	if retryInterval <= 0 {
		retryInterval = time.Second
	}

	candidates, hasPlaceholder := buildCandidateURLs(rawURL)

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryInterval):
			}
		}

		for _, cand := range candidates {
			body, err, terminal := d.fetchOnce(ctx, ensureScheme(cand))
			if err == nil {
				return string(body), nil
			}
			lastErr = err
			if terminal {
				if hasPlaceholder {
					return "", ErrIgnore
				}
				return "", lastErr
			}
		}
	}

	return "", fmt.Errorf("重试%d次后失败: %w", maxRetries, lastErr)
}

// fetchOnce 返回 (body, err, terminal)，terminal 表示 404/401 等不必重试的错误
func (d *Downloader) fetchOnce(ctx context.Context, target string) ([]byte, error, bool) {
	parsed, err := u.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("解析URL失败: %w", err), true
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, err, true
	}
	req.Header.Set("User-Agent", d.UserAgent)

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		ForceAttemptHTTP2:   true,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if p := strings.TrimSpace(d.SystemProxy); p != "" {
		if pu, perr := u.Parse(p); perr == nil {
			transport.Proxy = http.ProxyURL(pu)
		}
	}
	client := &http.Client{Transport: transport}
	defer transport.CloseIdleConnections()

	resp, err := client.Do(req)
	if err != nil {
		if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("订阅: %s 请求超时", target), false
		}
		return nil, fmt.Errorf("订阅: %s 请求失败: %w", target, err), false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		terminal := resp.StatusCode == http.StatusNotFound ||
			resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden ||
			resp.StatusCode == http.StatusGone
		return nil, fmt.Errorf("订阅: %s 返回状态码 %d", target, resp.StatusCode), terminal
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSubscriptionSize))
	if err != nil {
		return nil, fmt.Errorf("订阅: %s 读取失败: %w", target, err), false
	}
	return body, nil, false
}

// buildCandidateURLs 存在日期占位符时返回 [今日, 昨日]
func buildCandidateURLs(s string) ([]string, bool) {
	if !hasDatePlaceholder(s) {
		return []string{s}, false
	}
	now := time.Now()
	slog.Debug("检测到日期占位符，将尝试今日和昨日日期")
	return []string{replaceDatePlaceholders(s, now), replaceDatePlaceholders(s, now.AddDate(0, 0, -1))}, true
}

var datePlaceholders = []struct {
	re     *regexp.Regexp
	layout string
}{
	{regexp.MustCompile(`(?i)\{Ymd\}`), "20060102"},
	{regexp.MustCompile(`(?i)\{Y-m-d\}`), "2006-01-02"},
	{regexp.MustCompile(`(?i)\{Y_m_d\}`), "2006_01_02"},
	{regexp.MustCompile(`(?i)\{Y\}`), "2006"},
	{regexp.MustCompile(`(?i)\{m\}`), "01"},
	{regexp.MustCompile(`(?i)\{d\}`), "02"},
}

func hasDatePlaceholder(s string) bool {
	for _, p := range datePlaceholders {
		if p.re.MatchString(s) {
			return true
		}
	}
	return false
}

// replaceDatePlaceholders 大小写不敏感，组合格式优先于单字段
func replaceDatePlaceholders(s string, t time.Time) string {
	for _, p := range datePlaceholders {
		s = p.re.ReplaceAllString(s, t.Format(p.layout))
	}
	return s
}

// ensureScheme 缺少协议时，本地地址补 http://，其余补 https://
func ensureScheme(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "127.0.0.1") || strings.HasPrefix(lower, "localhost") ||
		strings.HasPrefix(lower, "0.0.0.0") || strings.HasPrefix(lower, "[::1]") {
		return "http://" + s
	}
	return "https://" + s
}
