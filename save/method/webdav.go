package method

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sinspired/subs-scan/config"
)

// WebDAVUploader PUT 到 WebDAV 目录
type WebDAVUploader struct {
	client   *http.Client
	baseURL  string
	username string
	password string
}

func NewWebDAVUploader(cfg *config.Config) *WebDAVUploader {
	return &WebDAVUploader{
		client:   newHTTPClient(cfg.WebDAVURL, cfg.SystemProxy),
		baseURL:  cfg.WebDAVURL,
		username: cfg.WebDAVUsername,
		password: cfg.WebDAVPassword,
	}
}

// ValiWebDAVConfig 验证WebDAV配置
func ValiWebDAVConfig(cfg *config.Config) error {
	if cfg.WebDAVURL == "" {
		return fmt.Errorf("webdav URL未配置")
	}
	if cfg.WebDAVUsername == "" {
		return fmt.Errorf("webdav 用户名未配置")
	}
	if cfg.WebDAVPassword == "" {
		return fmt.Errorf("webdav 密码未配置")
	}
	return nil
}

func (w *WebDAVUploader) Upload(ctx context.Context, data []byte, filename string) error {
	if err := validateInput(data, filename); err != nil {
		return err
	}
	return withRetry(ctx, "webdav", filename, func() error {
		return w.doUpload(ctx, data, filename)
	})
}

func (w *WebDAVUploader) doUpload(ctx context.Context, data []byte, filename string) error {
	target := w.baseURL
	if !strings.HasSuffix(target, "/") {
		target += "/"
	}
	target += filename

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.SetBasicAuth(w.username, w.password)
	req.Header.Set("Content-Type", contentType(filename))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("上传失败(状态码: %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

func contentType(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".yaml"), strings.HasSuffix(filename, ".yml"):
		return "application/x-yaml"
	case strings.HasSuffix(filename, ".json"):
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}
