// Package config 解析配置文件
package config

import (
	_ "embed"
	"strconv"
	"time"
)

type Config struct {
	ListenPort     string   `yaml:"listen-port"`
	LogLevel       string   `yaml:"log-level"`
	SubUrls        []string `yaml:"sub-urls"`
	ScanInterval   int      `yaml:"scan-interval"`
	CronExpression string   `yaml:"cron-expression"`
	ScanOnStartup  bool     `yaml:"scan-on-startup"`
	TestURL        string   `yaml:"test-url"`
	CustomDomain   string   `yaml:"custom-domain"`

	CorePath          string `yaml:"core-path"`
	CoreDownloadURL   string `yaml:"core-download-url"`
	CoreDownloadLimit int    `yaml:"core-download-limit"`
	GithubProxy       string `yaml:"github-proxy"`
	DataDir           string `yaml:"data-dir"`

	TCPConcurrent int `yaml:"tcp-concurrent"`
	TCPTimeout    int `yaml:"tcp-timeout"`
	BatchSize     int `yaml:"batch-size"`
	DelayTimeout  int `yaml:"delay-timeout"`

	SubUrlsTimeout       int    `yaml:"sub-urls-timeout"`
	SubUrlsReTry         int    `yaml:"sub-urls-retry"`
	SubUrlsRetryInterval int    `yaml:"sub-urls-retry-interval"`
	SystemProxy          string `yaml:"system-proxy"`

	GeoAPIURL     string `yaml:"geo-api-url"`
	MaxMindDBPath string `yaml:"maxmind-db-path"`

	SaveMethod     string `yaml:"save-method"`
	WebDAVURL      string `yaml:"webdav-url"`
	WebDAVUsername string `yaml:"webdav-username"`
	WebDAVPassword string `yaml:"webdav-password"`
	WorkerURL      string `yaml:"worker-url"`
	WorkerToken    string `yaml:"worker-token"`
	S3Endpoint     string `yaml:"s3-endpoint"`
	S3AccessID     string `yaml:"s3-access-id"`
	S3SecretKey    string `yaml:"s3-secret-key"`
	S3Bucket       string `yaml:"s3-bucket"`
	S3UseSSL       bool   `yaml:"s3-use-ssl"`
	S3BucketLookup string `yaml:"s3-bucket-lookup"`

	AppriseAPIServer string   `yaml:"apprise-api-server"`
	RecipientURL     []string `yaml:"recipient-url"`
	NotifyTitle      string   `yaml:"notify-title"`
}

const (
	DefaultTestURL    = "https://www.cloudflare.com/cdn-cgi/trace"
	DefaultGeoAPIURL  = "https://ipgeo-api.hf.space"
	DefaultListenPort = "127.0.0.1:8199"
)

// Default 返回带默认值的配置，给未填写的字段兜底
func Default() *Config {
	return &Config{
		ListenPort:     DefaultListenPort,
		LogLevel:       "info",
		ScanInterval:   24,
		ScanOnStartup:  true,
		TestURL:        DefaultTestURL,
		TCPConcurrent:  50,
		TCPTimeout:     2000,
		BatchSize:      50,
		DelayTimeout:   8000,
		SubUrlsTimeout: 30,
		SubUrlsReTry:   1,
		GeoAPIURL:      DefaultGeoAPIURL,
		SaveMethod:     "local",
		NotifyTitle:    "🔔 节点扫描完成",
	}
}

var GlobalConfig = Default()

// ScanCron 根据配置生成扫描计划
func (c *Config) ScanCron() string {
	if c.CronExpression != "" {
		return c.CronExpression
	}
	hours := c.ScanInterval
	if hours <= 0 {
		hours = 24
	}
	if hours >= 24 {
		return "0 0 * * *"
	}
	return "0 */" + strconv.Itoa(hours) + " * * *"
}

func (c *Config) TCPTimeoutDuration() time.Duration {
	if c.TCPTimeout <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.TCPTimeout) * time.Millisecond
}

func (c *Config) DelayTimeoutDuration() time.Duration {
	if c.DelayTimeout <= 0 {
		return 8 * time.Second
	}
	return time.Duration(c.DelayTimeout) * time.Millisecond
}

func (c *Config) SubTimeoutDuration() time.Duration {
	if c.SubUrlsTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.SubUrlsTimeout) * time.Second
}

func (c *Config) ProbeURL() string {
	if c.TestURL == "" {
		return DefaultTestURL
	}
	return c.TestURL
}

//go:embed config.example.yaml
var DefaultConfigTemplate []byte
