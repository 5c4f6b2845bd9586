// Package method 订阅文件的保存方式：本地、WebDAV、Cloudflare R2 与 S3
package method

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/sinspired/subs-scan/config"
	"github.com/sinspired/subs-scan/utils"
)

const (
	fileMode = 0o644
	dirMode  = 0o755

	maxRetries    = 3
	uploadTimeout = 30 * time.Second
)

// retryInterval 上传失败的重试间隔，测试中可调小
var retryInterval = 2 * time.Second

// Uploader 保存一个文件
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename string) error
}

// New 根据 save-method 选择上传器；local 写入 <dataDir>/sub
func New(cfg *config.Config, dataDir string) (Uploader, error) {
	switch cfg.SaveMethod {
	case "", "local":
		return NewLocalSaver(filepath.Join(dataDir, "sub")), nil
	case "webdav":
		if err := ValiWebDAVConfig(cfg); err != nil {
			return nil, fmt.Errorf("webDAV配置不完整: %w", err)
		}
		return NewWebDAVUploader(cfg), nil
	case "r2":
		if err := ValiR2Config(cfg); err != nil {
			return nil, fmt.Errorf("r2配置不完整: %w", err)
		}
		return NewR2Uploader(cfg), nil
	case "s3":
		if err := ValiS3Config(cfg); err != nil {
			return nil, fmt.Errorf("S3配置不完整: %w", err)
		}
		return NewS3Uploader(cfg)
	default:
		return nil, fmt.Errorf("未知的保存方法: %s", cfg.SaveMethod)
	}
}

// newHTTPClient 本地地址直连，远程地址走配置的系统代理
func newHTTPClient(target, systemProxy string) *http.Client {
	transport := &http.Transport{Proxy: nil}
	if systemProxy != "" && !utils.IsLocalURL(target) {
		if pu, err := url.Parse(systemProxy); err != nil {
			slog.Error("解析配置中的代理 URL 失败，将不使用代理", "proxy_url", systemProxy, "error", err)
		} else {
			transport.Proxy = http.ProxyURL(pu)
		}
	}
	return &http.Client{Transport: transport, Timeout: uploadTimeout}
}

// withRetry 固定间隔重试，name 用于日志
func withRetry(ctx context.Context, name, filename string, fn func() error) error {
	var lastErr error
	for attempt := range maxRetries {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryInterval):
			}
		}
		if err := fn(); err != nil {
			lastErr = err
			slog.Error(fmt.Sprintf("%s上传失败(尝试 %d/%d) %v", name, attempt+1, maxRetries, err))
			continue
		}
		slog.Info(name+"上传成功", "filename", filename)
		return nil
	}
	return fmt.Errorf("%s上传失败，已重试%d次: %w", name, maxRetries, lastErr)
}

func validateInput(data []byte, filename string) error {
	if len(data) == 0 {
		return fmt.Errorf("数据为空")
	}
	if filename == "" {
		return fmt.Errorf("filename不能为空")
	}
	if filepath.Base(filename) != filename {
		return fmt.Errorf("filename包含非法字符: %s", filename)
	}
	return nil
}
