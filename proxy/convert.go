package proxies

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/metacubex/mihomo/common/convert"
)

// vmessLink vmess:// 链接中的 json 结构
type vmessLink struct {
	V    any    `json:"v"`
	Ps   string `json:"ps"`
	Add  string `json:"add"`
	Port any    `json:"port"`
	ID   string `json:"id"`
	Aid  any    `json:"aid"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host"`
	Path string `json:"path"`
	TLS  string `json:"tls"`
	SNI  string `json:"sni"`
}

var ssUserInfoRegex = regexp.MustCompile(`^(.*?):(.*?)@(.*):(\d+)$`)

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// DecodeBase64String 依次尝试标准/URL 两种字母表，带或不带填充
func DecodeBase64String(s string) (string, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, enc := range base64Encodings {
		decoded, err := enc.DecodeString(s)
		if err == nil {
			return string(decoded), nil
		}
		lastErr = err
	}
	return "", lastErr
}

// IsStrictBase64 判断字符串整体是否为 base64，解码后再编码必须与原文一致
func IsStrictBase64(s string) bool {
	if s == "" {
		return false
	}
	for _, enc := range base64Encodings {
		decoded, err := enc.DecodeString(s)
		if err == nil && enc.EncodeToString(decoded) == s {
			return true
		}
	}
	return false
}

// ToIntPort 宽容的端口转换
func ToIntPort(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case uint64:
		return int(val)
	case float64:
		return int(val)
	case string:
		clean := strings.Split(strings.TrimSpace(val), ".")[0]
		if i, err := strconv.Atoi(clean); err == nil {
			return i
		}
	}
	if i, err := strconv.Atoi(fmt.Sprintf("%v", v)); err == nil {
		return i
	}
	return 0
}

// URIToProxy 将节点链接转换为 mihomo 的代理配置，name 作为代理名称
func URIToProxy(uri, name string) (proxy map[string]any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			proxy, ok = nil, false
		}
	}()

	switch {
	case strings.HasPrefix(uri, "ss://"):
		proxy = ssToProxy(uri)
	case strings.HasPrefix(uri, "vmess://"):
		proxy = vmessToProxy(uri)
	case strings.HasPrefix(uri, "trojan://"):
		proxy = trojanToProxy(uri)
	case strings.HasPrefix(uri, "vless://"):
		proxy = vlessToProxy(uri)
	case strings.HasPrefix(uri, "socks5://"):
		proxy = socksToProxy(uri)
	}

	if proxy == nil {
		proxy = convertWithMihomo(uri)
	}
	if proxy == nil {
		return nil, false
	}
	proxy["name"] = name
	return CleanProxy(proxy), true
}

// convertWithMihomo 交给 mihomo 的订阅转换器兜底
func convertWithMihomo(uri string) map[string]any {
	list, err := convert.ConvertsV2Ray([]byte(uri))
	if err != nil || len(list) == 0 {
		slog.Debug(fmt.Sprintf("mihomo 转换节点失败: %v", err))
		return nil
	}
	return list[0]
}

func ssToProxy(uri string) map[string]any {
	raw := strings.TrimPrefix(uri, "ss://")
	if i := strings.Index(raw, "#"); i != -1 {
		raw = raw[:i]
	}
	if i := strings.Index(raw, "?"); i != -1 {
		raw = raw[:i]
	}
	raw = strings.TrimSuffix(raw, "/")

	userInfo := raw
	if !strings.Contains(raw, "@") {
		decoded, err := DecodeBase64String(raw)
		if err != nil {
			return nil
		}
		userInfo = decoded
	} else if at := strings.LastIndex(raw, "@"); !strings.Contains(raw[:at], ":") {
		// SIP002: userinfo 为 base64(method:password)
		decoded, err := DecodeBase64String(raw[:at])
		if err != nil {
			return nil
		}
		userInfo = decoded + raw[at:]
	}

	parts := ssUserInfoRegex.FindStringSubmatch(userInfo)
	if parts == nil {
		return nil
	}
	cipher, err := url.PathUnescape(parts[1])
	if err != nil {
		cipher = parts[1]
	}
	password, err := url.PathUnescape(parts[2])
	if err != nil {
		password = parts[2]
	}
	return map[string]any{
		"type":     "ss",
		"server":   strings.Trim(parts[3], "[]"),
		"port":     ToIntPort(parts[4]),
		"cipher":   cipher,
		"password": password,
	}
}

func vmessToProxy(uri string) map[string]any {
	decoded, err := DecodeBase64String(strings.TrimPrefix(uri, "vmess://"))
	if err != nil {
		return nil
	}
	var v vmessLink
	if err := json.Unmarshal([]byte(decoded), &v); err != nil {
		return nil
	}

	proxy := map[string]any{
		"type":    "vmess",
		"server":  v.Add,
		"port":    ToIntPort(v.Port),
		"uuid":    v.ID,
		"alterId": ToIntPort(v.Aid),
		"cipher":  "auto",
	}
	if v.TLS == "tls" {
		proxy["tls"] = true
	}
	if v.Host != "" {
		proxy["servername"] = v.Host
	} else if v.SNI != "" {
		proxy["servername"] = v.SNI
	}
	if v.Net != "" {
		proxy["network"] = v.Net
	}
	if v.Net == "ws" && (v.Path != "" || v.Host != "") {
		proxy["ws-opts"] = wsOpts(v.Path, v.Host)
	}
	return proxy
}

func trojanToProxy(uri string) map[string]any {
	u, err := url.Parse(uri)
	if err != nil {
		return nil
	}
	q := u.Query()
	proxy := map[string]any{
		"type":     "trojan",
		"server":   u.Hostname(),
		"port":     ToIntPort(u.Port()),
		"password": u.User.Username(),
	}
	if sni := firstNonEmpty(q.Get("sni"), q.Get("peer")); sni != "" {
		proxy["sni"] = sni
	}
	applyTransport(proxy, q)
	return proxy
}

func vlessToProxy(uri string) map[string]any {
	u, err := url.Parse(uri)
	if err != nil {
		return nil
	}
	q := u.Query()
	proxy := map[string]any{
		"type":   "vless",
		"server": u.Hostname(),
		"port":   ToIntPort(u.Port()),
		"uuid":   u.User.Username(),
	}
	if q.Get("security") == "tls" {
		proxy["tls"] = true
	}
	if sni := firstNonEmpty(q.Get("sni"), q.Get("peer")); sni != "" {
		proxy["servername"] = sni
	}
	applyTransport(proxy, q)
	if fp := firstNonEmpty(q.Get("fp"), q.Get("fingerprint")); fp != "" {
		proxy["client-fingerprint"] = fp
	}
	return proxy
}

func socksToProxy(uri string) map[string]any {
	u, err := url.Parse(uri)
	if err != nil {
		return nil
	}
	proxy := map[string]any{
		"type":   "socks5",
		"server": u.Hostname(),
		"port":   ToIntPort(u.Port()),
	}
	if u.User != nil {
		proxy["username"] = u.User.Username()
		if p, ok := u.User.Password(); ok {
			proxy["password"] = p
		}
	}
	return proxy
}

// applyTransport 处理 allowInsecure 与 tcp/ws 传输
func applyTransport(proxy map[string]any, q url.Values) {
	if q.Get("allowInsecure") == "1" {
		proxy["skip-cert-verify"] = true
	}
	network := q.Get("type")
	if network == "tcp" || network == "ws" {
		proxy["network"] = network
	}
	if network == "ws" && (q.Get("path") != "" || q.Get("host") != "") {
		proxy["ws-opts"] = wsOpts(q.Get("path"), q.Get("host"))
	}
}

func wsOpts(path, host string) map[string]any {
	opts := map[string]any{}
	if path != "" {
		opts["path"] = path
	}
	if host != "" {
		opts["headers"] = map[string]any{"Host": host}
	}
	return opts
}

// CleanProxy 递归移除空字符串、nil 以及空 map
func CleanProxy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			if val == "" {
				continue
			}
		case map[string]any:
			cleaned := CleanProxy(val)
			if len(cleaned) == 0 {
				continue
			}
			v = cleaned
		}
		out[k] = v
	}
	return out
}

// ProxyToURI 将 clash 格式的代理还原成节点链接，不支持的类型返回空
func ProxyToURI(p map[string]any) string {
	typ := strings.ToLower(stringField(p, "type"))
	server := stringField(p, "server")
	port := ToIntPort(p["port"])
	if typ == "" || server == "" || port <= 0 {
		return ""
	}
	hostPort := joinHostPort(server, port)

	wsPath, wsHost := "", ""
	if ws, ok := p["ws-opts"].(map[string]any); ok {
		wsPath = stringField(ws, "path")
		if headers, ok := ws["headers"].(map[string]any); ok {
			wsHost = stringField(headers, "Host")
		}
	}

	switch typ {
	case "ss":
		cipher := firstNonEmpty(stringField(p, "cipher"), "aes-256-gcm")
		auth := base64.StdEncoding.EncodeToString([]byte(cipher + ":" + stringField(p, "password")))
		return "ss://" + auth + "@" + hostPort
	case "vmess":
		tls := ""
		if boolField(p, "tls") {
			tls = "tls"
		}
		link := map[string]string{
			"v":    "2",
			"ps":   stringField(p, "name"),
			"add":  server,
			"port": strconv.Itoa(port),
			"id":   stringField(p, "uuid"),
			"aid":  strconv.Itoa(ToIntPort(p["alterId"])),
			"net":  firstNonEmpty(stringField(p, "network"), "tcp"),
			"type": "none",
			"host": firstNonEmpty(wsHost, stringField(p, "servername")),
			"path": wsPath,
			"tls":  tls,
			"sni":  stringField(p, "servername"),
		}
		data, err := json.Marshal(link)
		if err != nil {
			return ""
		}
		return "vmess://" + base64.StdEncoding.EncodeToString(data)
	case "trojan", "vless":
		q := url.Values{}
		if network := stringField(p, "network"); network != "" {
			q.Set("type", network)
		}
		if typ == "vless" && boolField(p, "tls") {
			q.Set("security", "tls")
		}
		if sni := firstNonEmpty(stringField(p, "sni"), stringField(p, "servername")); sni != "" {
			q.Set("sni", sni)
		}
		if wsPath != "" {
			q.Set("path", wsPath)
		}
		if wsHost != "" {
			q.Set("host", wsHost)
		}
		if boolField(p, "skip-cert-verify") {
			q.Set("allowInsecure", "1")
		}

		secret := stringField(p, "password")
		if typ == "vless" {
			secret = stringField(p, "uuid")
		}
		link := typ + "://" + url.PathEscape(secret) + "@" + hostPort
		if len(q) > 0 {
			link += "?" + q.Encode()
		}
		if typ == "vless" {
			if name := stringField(p, "name"); name != "" {
				link += "#" + url.PathEscape(name)
			}
		}
		return link
	}
	return ""
}

func joinHostPort(host string, port int) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func boolField(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	case int:
		return v == 1
	case uint64:
		return v == 1
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
