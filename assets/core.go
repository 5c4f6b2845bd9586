// Package assets 准备运行所需的外部资源：mihomo 内核与 MaxMind 数据库
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/docker/go-units"
	"github.com/juju/ratelimit"
	"github.com/klauspost/compress/gzip"

	"github.com/sinspired/subs-scan/core"
	"github.com/sinspired/subs-scan/utils"
)

const (
	// MinCoreVersion 支持的最低内核版本
	MinCoreVersion = "v1.18.0"
	ReleasePage    = "https://github.com/MetaCubeX/mihomo/releases"

	maxCoreSize     = 256 << 20
	downloadTimeout = 5 * time.Minute
)

// ErrCoreMissing 内核不存在且未配置下载地址
var ErrCoreMissing = errors.New("mihomo 内核不存在")

var versionRegex = regexp.MustCompile(`v\d+\.\d+\.\d+`)

// CoreOptions 内核准备参数
type CoreOptions struct {
	Path        string
	DownloadURL string
	GithubProxy string
	SystemProxy string
	// SpeedLimit 下载限速，字节每秒，0 为不限速
	SpeedLimit int64
}

// EnsureCore 确认内核存在，缺失时按配置下载，否则输出手动安装说明
func EnsureCore(ctx context.Context, opts CoreOptions) error {
	if info, err := os.Stat(opts.Path); err == nil && !info.IsDir() {
		slog.Info("mihomo 内核已存在", "路径", opts.Path, "大小", units.HumanSize(float64(info.Size())))
		if _, err := CoreVersion(ctx, opts.Path); err != nil {
			slog.Warn(fmt.Sprintf("内核版本检测失败: %v", err))
		}
		return nil
	}

	if opts.DownloadURL == "" {
		for line := range strings.SplitSeq(ManualInstructions(opts.Path), "\n") {
			slog.Warn(line)
		}
		return ErrCoreMissing
	}

	if err := downloadCore(ctx, opts); err != nil {
		return fmt.Errorf("下载 mihomo 内核失败: %w", err)
	}
	if _, err := CoreVersion(ctx, opts.Path); err != nil {
		slog.Warn(fmt.Sprintf("内核版本检测失败: %v", err))
	}
	return nil
}

func downloadCore(ctx context.Context, opts CoreOptions) error {
	target := utils.WarpURL(opts.DownloadURL, opts.GithubProxy)
	slog.Info("开始下载 mihomo 内核", "url", target)

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if opts.SystemProxy != "" && !utils.IsLocalURL(target) {
		if pu, err := url.Parse(opts.SystemProxy); err == nil {
			transport.Proxy = http.ProxyURL(pu)
		}
	}
	client := &http.Client{Transport: transport}
	defer transport.CloseIdleConnections()

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("返回状态码 %d", resp.StatusCode)
	}
	if resp.ContentLength > 0 {
		slog.Info("内核文件大小", "大小", units.HumanSize(float64(resp.ContentLength)))
	}

	var body io.Reader = resp.Body
	if opts.SpeedLimit > 0 {
		bucket := ratelimit.NewBucketWithRate(float64(opts.SpeedLimit), opts.SpeedLimit)
		body = ratelimit.Reader(body, bucket)
	}
	if isGzipAsset(target) {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return fmt.Errorf("解压失败: %w", err)
		}
		defer gz.Close()
		body = gz
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return fmt.Errorf("创建内核目录失败: %w", err)
	}
	tmp := opts.Path + ".download"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("创建文件失败: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(body, maxCoreSize))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("写入文件失败: %w", err)
	}
	if err := os.Rename(tmp, opts.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("重命名失败: %w", err)
	}
	slog.Info("mihomo 内核下载完成", "路径", opts.Path, "大小", units.HumanSize(float64(n)))
	return nil
}

func isGzipAsset(u string) bool {
	if parsed, err := url.Parse(u); err == nil {
		u = parsed.Path
	}
	return strings.HasSuffix(u, ".gz")
}

// CoreVersion 执行 -v 获取版本，低于最低版本时警告
func CoreVersion(ctx context.Context, path string) (string, error) {
	out, err := core.Version(ctx, path)
	if err != nil {
		return "", err
	}
	ver := versionRegex.FindString(out)
	if ver == "" {
		slog.Info("mihomo 内核版本", "输出", out)
		return out, nil
	}

	old, err := IsBelowMinimum(ver)
	if err != nil {
		return ver, err
	}
	if old {
		slog.Warn(fmt.Sprintf("mihomo 内核版本 %s 低于推荐的 %s，部分协议可能无法测试", ver, MinCoreVersion))
	} else {
		slog.Info("mihomo 内核版本", "version", ver)
	}
	return ver, nil
}

// IsBelowMinimum 比较版本号与 MinCoreVersion
func IsBelowMinimum(ver string) (bool, error) {
	cur, err := semver.NewVersion(ver)
	if err != nil {
		return false, fmt.Errorf("版本号解析失败: %w", err)
	}
	return cur.LessThan(semver.MustParse(MinCoreVersion)), nil
}

// AssetName 当前平台应下载的 release 文件名
func AssetName() string {
	ext := ".gz"
	if runtime.GOOS == "windows" {
		ext = ".zip"
	}
	return fmt.Sprintf("mihomo-%s-%s-{版本}%s", runtime.GOOS, runtime.GOARCH, ext)
}

// ManualInstructions 手动安装内核的说明
func ManualInstructions(path string) string {
	var b strings.Builder
	b.WriteString("未找到 mihomo 内核，将无法进行真机测活，请手动下载:\n")
	fmt.Fprintf(&b, "1. 访问 %s\n", ReleasePage)
	fmt.Fprintf(&b, "2. 下载 %s\n", AssetName())
	if runtime.GOOS == "windows" {
		fmt.Fprintf(&b, "3. 解压后将 %s 放到 %s\n", core.BinaryName(), path)
	} else {
		fmt.Fprintf(&b, "3. 解压后重命名为 %s 并放到 %s\n", core.BinaryName(), path)
		fmt.Fprintf(&b, "4. 添加执行权限: chmod +x %s\n", path)
	}
	fmt.Fprintf(&b, "推荐版本: %s 或更新版本，也可以配置 core-download-url 自动下载", MinCoreVersion)
	return b.String()
}
