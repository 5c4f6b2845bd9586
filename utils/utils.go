package utils

import (
	"net"
	"net/url"
	"strings"
)

// NormalizeGitHubRawURL 将 GitHub 的 blob/raw 页面链接转换为 raw.githubusercontent.com 直链
func NormalizeGitHubRawURL(urlStr string) string {
	if strings.Contains(urlStr, "raw.githubusercontent.com") || !strings.Contains(urlStr, "github.com") {
		return urlStr
	}
	// release 下载链接保持原样
	if strings.Contains(urlStr, "/releases/download/") {
		return urlStr
	}

	urlStr = strings.Replace(urlStr, "www.github.com", "github.com", 1)
	urlStr = strings.Replace(urlStr, "github.com", "raw.githubusercontent.com", 1)
	urlStr = strings.Replace(urlStr, "/blob/", "/", 1)
	urlStr = strings.Replace(urlStr, "/raw/", "/", 1)

	return urlStr
}

// WarpURL 为 GitHub 资源添加代理前缀，ghProxy 为空时只做直链转换
func WarpURL(url string, ghProxy string) string {
	url = NormalizeGitHubRawURL(url)
	if ghProxy == "" {
		return url
	}
	if !strings.HasSuffix(ghProxy, "/") {
		ghProxy += "/"
	}
	if !strings.HasPrefix(ghProxy, "http://") && !strings.HasPrefix(ghProxy, "https://") {
		ghProxy = "https://" + ghProxy
	}

	if strings.HasPrefix(url, "https://raw.githubusercontent.com") ||
		(strings.Contains(url, "github.com/") &&
			(strings.Contains(url, "/raw/") ||
				strings.Contains(url, "/releases/download") ||
				strings.Contains(url, "archive"))) {
		return ghProxy + url
	}
	return url
}

// IsLocalURL 判断地址是否指向本机或私有网络
func IsLocalURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
