package method

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sinspired/subs-scan/config"
)

// KVPayload worker 接收的数据结构
type KVPayload struct {
	Filename string `json:"filename"`
	Value    string `json:"value"`
}

// R2Uploader 通过 Cloudflare Worker 写入 R2
type R2Uploader struct {
	client    *http.Client
	workerURL string
	token     string
}

func NewR2Uploader(cfg *config.Config) *R2Uploader {
	return &R2Uploader{
		client:    newHTTPClient(cfg.WorkerURL, cfg.SystemProxy),
		workerURL: strings.TrimRight(cfg.WorkerURL, "/"),
		token:     cfg.WorkerToken,
	}
}

// ValiR2Config 验证R2配置
func ValiR2Config(cfg *config.Config) error {
	if cfg.WorkerURL == "" {
		return fmt.Errorf("worker url未配置")
	}
	if cfg.WorkerToken == "" {
		return fmt.Errorf("worker token未配置")
	}
	return nil
}

func (r *R2Uploader) Upload(ctx context.Context, data []byte, filename string) error {
	if err := validateInput(data, filename); err != nil {
		return err
	}
	payload, err := json.Marshal(KVPayload{Filename: filename, Value: string(data)})
	if err != nil {
		return fmt.Errorf("JSON编码失败: %w", err)
	}
	return withRetry(ctx, "R2", filename, func() error {
		return r.doUpload(ctx, payload)
	})
}

func (r *R2Uploader) doUpload(ctx context.Context, payload []byte) error {
	target := fmt.Sprintf("%s/storage?token=%s", r.workerURL, url.QueryEscape(r.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("上传失败(状态码: %d): %s", resp.StatusCode, string(body))
	}
	return nil
}
