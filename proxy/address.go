package proxies

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var fallbackAddrRegex = regexp.MustCompile(`@([^:/?#@\s]+):(\d+)`)

// ParseAddress 从节点链接中提取 host 和 port，失败返回 ok=false
func ParseAddress(uri string) (host string, port int, ok bool) {
	defer func() {
		if recover() != nil {
			host, port, ok = "", 0, false
		}
	}()

	switch {
	case strings.HasPrefix(uri, "ss://"):
		if h, p, found := parseSSAddress(uri); found {
			return h, p, true
		}
	case strings.HasPrefix(uri, "vmess://"):
		if h, p, found := parseVmessAddress(uri); found {
			return h, p, true
		}
	case strings.HasPrefix(uri, "trojan://"), strings.HasPrefix(uri, "vless://"), strings.HasPrefix(uri, "socks5://"):
		u, err := url.Parse(uri)
		if err != nil {
			return "", 0, false
		}
		return validAddress(u.Hostname(), u.Port())
	}

	if m := fallbackAddrRegex.FindStringSubmatch(uri); m != nil {
		return validAddress(m[1], m[2])
	}
	return "", 0, false
}

func parseSSAddress(uri string) (string, int, bool) {
	raw := strings.TrimPrefix(uri, "ss://")
	if i := strings.Index(raw, "#"); i != -1 {
		raw = raw[:i]
	}
	if !strings.Contains(raw, "@") {
		decoded, err := DecodeBase64String(raw)
		if err != nil || !strings.Contains(decoded, "@") {
			return "", 0, false
		}
		raw = decoded
	}
	// 插件参数等附加在 ? 之后
	if i := strings.Index(raw, "?"); i != -1 {
		raw = raw[:i]
	}
	addr := strings.TrimSuffix(raw[strings.LastIndex(raw, "@")+1:], "/")
	h, p, found := splitHostPort(addr)
	if !found {
		return "", 0, false
	}
	return validAddress(h, p)
}

func parseVmessAddress(uri string) (string, int, bool) {
	decoded, err := DecodeBase64String(strings.TrimPrefix(uri, "vmess://"))
	if err != nil {
		return "", 0, false
	}
	var v vmessLink
	if err := json.Unmarshal([]byte(decoded), &v); err != nil {
		return "", 0, false
	}
	return validAddress(v.Add, strconv.Itoa(ToIntPort(v.Port)))
}

// splitHostPort 兼容 [ipv6]:port
func splitHostPort(addr string) (string, string, bool) {
	i := strings.LastIndex(addr, ":")
	if i <= 0 || i == len(addr)-1 {
		return "", "", false
	}
	host := strings.TrimSuffix(strings.TrimPrefix(addr[:i], "["), "]")
	return host, addr[i+1:], true
}

func validAddress(host, portStr string) (string, int, bool) {
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "", 0, false
	}
	return host, port, true
}
