package utils

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var commonProxies = []string{
	"http://127.0.0.1:7890",
	"http://127.0.0.1:7891",
	"http://127.0.0.1:1080",
	"http://127.0.0.1:8080",
	"http://127.0.0.1:10808",
	"http://127.0.0.1:10809",
}

// proxyProbeTargets 代理可用的判定目标，必须全部成功
var proxyProbeTargets = []struct {
	url        string
	expectCode int
}{
	{"https://www.google.com/generate_204", http.StatusNoContent},
	{"https://raw.githubusercontent.com/github/gitignore/main/Go.gitignore", http.StatusOK},
}

// DetectSystemProxy 优先检测配置中的代理，不可用则并发检测常见端口，都不可用返回空
func DetectSystemProxy(configured string) string {
	if configured = strings.TrimSpace(configured); configured != "" && isProxyAvailable(configured) {
		slog.Debug("系统代理", "proxy", configured)
		return configured
	}

	resultCh := make(chan string, 1)
	var wg sync.WaitGroup
	for _, p := range commonProxies {
		wg.Go(func() {
			if isProxyAvailable(p) {
				select {
				case resultCh <- p:
				default:
				}
			}
		})
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	if p, ok := <-resultCh; ok {
		slog.Debug("系统代理", "proxy", p)
		return p
	}
	slog.Debug("未找到可用代理，将不设置代理")
	return ""
}

func isProxyAvailable(proxy string) bool {
	proxyURL, err := url.Parse(proxy)
	if err != nil || proxyURL.Host == "" {
		return false
	}

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   3 * time.Second,
	}
	defer client.CloseIdleConnections()

	var wg sync.WaitGroup
	results := make(chan bool, len(proxyProbeTargets))
	for _, t := range proxyProbeTargets {
		wg.Go(func() {
			resp, err := client.Get(t.url)
			if err != nil {
				results <- false
				return
			}
			defer resp.Body.Close()
			results <- resp.StatusCode == t.expectCode
		})
	}
	wg.Wait()
	close(results)

	for ok := range results {
		if !ok {
			return false
		}
	}
	return true
}
