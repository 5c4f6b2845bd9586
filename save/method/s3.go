package method

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sinspired/subs-scan/config"
)

// S3Uploader 兼容 S3 协议的对象存储
type S3Uploader struct {
	client *minio.Client
	bucket string
}

// ValiS3Config 验证S3配置
func ValiS3Config(cfg *config.Config) error {
	if cfg.S3Endpoint == "" {
		return fmt.Errorf("S3 endpoint未配置")
	}
	if cfg.S3AccessID == "" || cfg.S3SecretKey == "" {
		return fmt.Errorf("S3 访问密钥未配置")
	}
	if cfg.S3Bucket == "" {
		return fmt.Errorf("S3 bucket未配置")
	}
	return nil
}

func bucketLookup(s string) minio.BucketLookupType {
	switch strings.ToLower(s) {
	case "dns":
		return minio.BucketLookupDNS
	case "path":
		return minio.BucketLookupPath
	default:
		return minio.BucketLookupAuto
	}
}

func NewS3Uploader(cfg *config.Config) (*S3Uploader, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.S3Endpoint, "https://"), "http://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.S3AccessID, cfg.S3SecretKey, ""),
		Secure:       cfg.S3UseSSL,
		BucketLookup: bucketLookup(cfg.S3BucketLookup),
	})
	if err != nil {
		return nil, fmt.Errorf("创建S3客户端失败: %w", err)
	}
	return &S3Uploader{client: client, bucket: cfg.S3Bucket}, nil
}

func (s *S3Uploader) Upload(ctx context.Context, data []byte, filename string) error {
	if err := validateInput(data, filename); err != nil {
		return err
	}
	return withRetry(ctx, "S3", filename, func() error {
		if err := s.ensureBucket(ctx); err != nil {
			return err
		}
		_, err := s.client.PutObject(ctx, s.bucket, filename, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType(filename)})
		if err != nil {
			return fmt.Errorf("上传对象失败: %w", err)
		}
		return nil
	})
}

func (s *S3Uploader) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("检查bucket失败: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("创建bucket失败: %w", err)
	}
	return nil
}
