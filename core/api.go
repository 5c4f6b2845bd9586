package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// apiClient mihomo external-controller 的 RESTful 接口
type apiClient struct {
	base   string
	secret string
	client *http.Client
}

func newAPIClient(base, secret string) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		secret: secret,
		client: &http.Client{Transport: &http.Transport{Proxy: nil}},
	}
}

func (a *apiClient) get(ctx context.Context, path string, timeout time.Duration, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+path, nil)
	if err != nil {
		return 0, err
	}
	if a.secret != "" {
		req.Header.Set("Authorization", "Bearer "+a.secret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("解析响应失败: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Version GET /version
func (a *apiClient) Version(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	code, err := a.get(ctx, "/version", 2*time.Second, &v)
	if err != nil {
		return "", err
	}
	if code != http.StatusOK {
		return "", fmt.Errorf("/version 返回状态码 %d", code)
	}
	if v.Version == "" {
		v.Version = "unknown"
	}
	return v.Version, nil
}

// Delay GET /proxies/{name}/delay，成功返回正数毫秒
func (a *apiClient) Delay(ctx context.Context, name, probeURL string, timeout time.Duration) (int, error) {
	q := url.Values{}
	q.Set("timeout", strconv.Itoa(int(timeout.Milliseconds())))
	q.Set("url", probeURL)
	path := "/proxies/" + url.PathEscape(name) + "/delay?" + q.Encode()

	var r struct {
		Delay   *float64 `json:"delay"`
		Message string   `json:"message"`
	}
	code, err := a.get(ctx, path, timeout, &r)
	if err != nil {
		return -1, err
	}
	if code != http.StatusOK {
		return -1, fmt.Errorf("测速失败 (%d): %s", code, r.Message)
	}
	if r.Delay == nil || *r.Delay <= 0 {
		return -1, fmt.Errorf("测速结果无效")
	}
	return int(*r.Delay), nil
}
