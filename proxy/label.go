package proxies

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// LabelInfo 节点展示名以及归属地信息
type LabelInfo struct {
	Label       string
	Country     string
	CountryCode string
	Region      string
	ISP         string
	IsNative    *bool
}

// BuildLabel 生成节点展示名。socks5 使用链接中的国家代码，IPv4 地址查询归属地，其余为 host:port
func BuildLabel(ctx context.Context, geo Geolocator, uri, host string, port int) LabelInfo {
	hostPort := net.JoinHostPort(host, strconv.Itoa(port))
	info := LabelInfo{Label: hostPort}

	if strings.HasPrefix(uri, "socks5://") {
		if i := strings.Index(uri, "#"); i != -1 {
			info.CountryCode = uri[i+1:]
			info.Label = CountryCodeToFlag(info.CountryCode) + "|SOCKS5|" + hostPort
		} else {
			info.Label = "🧦|SOCKS5|" + hostPort
		}
		return info
	}

	if !isIPv4Literal(host) || geo == nil {
		return info
	}

	g, err := geo.Lookup(ctx, host)
	if err != nil || g == nil {
		return info
	}

	info.Label = geoLabel(g, host)
	info.Country = g.CountryName
	info.CountryCode = g.CountryCode
	info.Region = strings.Join(g.Regions, "-")
	info.ISP = g.ASInfo
	if g.RegisteredCountry != "" && g.CountryCode != "" {
		native := g.RegisteredCountry == g.CountryCode
		info.IsNative = &native
	}
	return info
}

func geoLabel(g *GeoInfo, ip string) string {
	var parts []string
	if g.CountryCode != "" {
		parts = append(parts, CountryCodeToFlag(g.CountryCode))
	}
	if g.CountryName != "" {
		parts = append(parts, g.CountryName)
	}
	if g.ASInfo != "" {
		parts = append(parts, g.ASInfo)
	}
	if len(g.Regions) > 0 {
		parts = append(parts, strings.Join(g.Regions, "-"))
	}
	if g.RegisteredCountry != "" && g.CountryCode != "" {
		if g.RegisteredCountry == g.CountryCode {
			parts = append(parts, "原生IP")
		} else {
			parts = append(parts, "广播IP")
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("🌐|Unknown-%s", ip)
	}
	return strings.Join(parts, "|")
}

func isIPv4Literal(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() != nil && !strings.Contains(host, ":")
}

// Labeler 单次扫描内的重名计数器
type Labeler struct {
	mu      sync.Mutex
	counter map[string]int
	issued  map[string]struct{}
}

func NewLabeler() *Labeler {
	return &Labeler{counter: make(map[string]int), issued: make(map[string]struct{})}
}

// Unique 第二次及之后出现的同名标签追加 -n，跳过已发出的标签
func (l *Labeler) Unique(label string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.counter == nil {
		l.counter = make(map[string]int)
		l.issued = make(map[string]struct{})
	}
	out := label
	n := l.counter[label]
	if _, taken := l.issued[label]; taken || n > 0 {
		for {
			n++
			out = label + "-" + strconv.Itoa(n)
			if _, taken := l.issued[out]; !taken {
				break
			}
		}
	}
	l.counter[label] = n
	l.issued[out] = struct{}{}
	return out
}

// Reset 清空计数与已发出的标签
func (l *Labeler) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counter = make(map[string]int)
	l.issued = make(map[string]struct{})
}

func CountryCodeToFlag(code string) string {
	code = strings.TrimSpace(code)
	if len(code) != 2 {
		return "🌐"
	}
	code = strings.ToUpper(code)
	if code[0] < 'A' || code[0] > 'Z' || code[1] < 'A' || code[1] > 'Z' {
		return "🌐"
	}

	r1 := rune(code[0]-'A') + 0x1F1E6
	r2 := rune(code[1]-'A') + 0x1F1E6

	return string([]rune{r1, r2})
}
