package proxies

import (
	"bufio"
	"bytes"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/samber/lo"
)

// MaxExtractDepth 整体 base64 递归解码的最大层数
const MaxExtractDepth = 2

// NodeSchemes 支持的节点协议头
var NodeSchemes = []string{"ss://", "vmess://", "trojan://", "vless://", "socks5://"}

// Extract 从订阅内容中提取去重后的节点链接，保持首次出现的顺序
func Extract(content string) []string {
	return lo.Uniq(extract(content, 0))
}

func extract(content string, depth int) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	if looksLikeManifest(content) {
		if nodes := extractManifest([]byte(content)); len(nodes) > 0 {
			return nodes
		}
	}

	if compact, ok := wholeBase64(content); ok && depth < MaxExtractDepth {
		if decoded, err := DecodeBase64String(compact); err == nil && decoded != "" {
			if nodes := extract(decoded, depth+1); len(nodes) > 0 {
				return nodes
			}
		}
	}

	return extractLines(content)
}

// wholeBase64 判断内容是否整体为 base64，折行的 base64 拼接后返回。
// 每行各自编码一个节点的订阅交给逐行规则处理。
func wholeBase64(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.ContainsAny(trimmed, " \t\r\n") {
		return trimmed, IsStrictBase64(trimmed)
	}

	lines := strings.Fields(trimmed)
	if !isWrappedBase64(lines) || eachLineEncodesNodes(lines) {
		return "", false
	}
	compact := strings.Join(lines, "")
	return compact, IsStrictBase64(compact)
}

// isWrappedBase64 定宽折行：除最后一行外等长、长度为 4 的倍数且不含填充
func isWrappedBase64(lines []string) bool {
	if len(lines) < 2 {
		return false
	}
	width := len(lines[0])
	if width == 0 || width%4 != 0 {
		return false
	}
	last := len(lines) - 1
	for _, line := range lines[:last] {
		if len(line) != width || strings.Contains(line, "=") {
			return false
		}
	}
	return len(lines[last]) <= width
}

// eachLineEncodesNodes 每行单独解码后都是完整的节点链接
func eachLineEncodesNodes(lines []string) bool {
	for _, line := range lines {
		if !IsStrictBase64(line) {
			return false
		}
		decoded, err := DecodeBase64String(line)
		if err != nil {
			return false
		}
		found := false
		for inner := range strings.Lines(decoded) {
			t := strings.TrimSpace(inner)
			if t == "" {
				continue
			}
			if !IsNodeURI(t) {
				return false
			}
			found = true
		}
		if !found {
			return false
		}
	}
	return true
}

func looksLikeManifest(content string) bool {
	return strings.Contains(content, "proxies:") ||
		strings.Contains(content, "- {name:") ||
		strings.Contains(content, "- name:")
}

// IsNodeURI 是否以支持的协议开头
func IsNodeURI(s string) bool {
	for _, scheme := range NodeSchemes {
		if strings.HasPrefix(s, scheme) {
			return true
		}
	}
	return false
}

func extractLines(content string) []string {
	var nodes []string
	for line := range strings.Lines(content) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
			continue
		}

		if strings.Count(trimmed, "|") == 1 {
			if uri, ok := ParseSocks5Line(trimmed); ok {
				nodes = append(nodes, uri)
				continue
			}
		}

		if IsNodeURI(trimmed) {
			nodes = append(nodes, trimmed)
			continue
		}

		if len(trimmed) > 20 && IsStrictBase64(trimmed) {
			decoded, err := DecodeBase64String(trimmed)
			if err != nil {
				continue
			}
			for inner := range strings.Lines(decoded) {
				if t := strings.TrimSpace(inner); t != "" && IsNodeURI(t) {
					nodes = append(nodes, t)
				}
			}
		}
	}
	return nodes
}

// ParseSocks5Line 解析 "国家代码|ip:端口:用户名:密码"
func ParseSocks5Line(line string) (string, bool) {
	parts := strings.Split(strings.TrimSpace(line), "|")
	if len(parts) != 2 {
		return "", false
	}
	countryCode := strings.TrimSpace(parts[0])
	fields := strings.Split(strings.TrimSpace(parts[1]), ":")
	if len(fields) != 4 {
		return "", false
	}
	ip, port, user, pass := fields[0], fields[1], fields[2], fields[3]
	if ip == "" || port == "" {
		return "", false
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", false
	}
	return "socks5://" + EncodeURIComponent(user) + ":" + EncodeURIComponent(pass) + "@" + ip + ":" + port + "#" + countryCode, true
}

// 与 encodeURIComponent 保持一致，这些字符不转义
var uriComponentUnescaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// EncodeURIComponent 组件编码，空格编码为 %20
func EncodeURIComponent(s string) string {
	return uriComponentUnescaper.Replace(url.QueryEscape(s))
}

// extractManifest 解析 clash 配置中的 proxies 并转回节点链接
func extractManifest(data []byte) []string {
	proxies := parseManifestProxies(data)
	nodes := make([]string, 0, len(proxies))
	for _, p := range proxies {
		if uri := ProxyToURI(p); uri != "" {
			nodes = append(nodes, uri)
		}
	}
	return nodes
}

func parseManifestProxies(data []byte) []map[string]any {
	var doc struct {
		Proxies []map[string]any `yaml:"proxies"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Proxies) > 0 {
		return doc.Proxies
	}

	// 没有 proxies 头的裸列表
	var list []map[string]any
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return list
	}

	return extractProxiesBlocks(data)
}

// extractProxiesBlocks 整体解析失败时，逐个提取分散的 proxies: 块
func extractProxiesBlocks(data []byte) []map[string]any {
	var proxies []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var buffer bytes.Buffer
	inBlock := false

	parseBuf := func() {
		if buffer.Len() == 0 {
			return
		}
		var c struct {
			Proxies []map[string]any `yaml:"proxies"`
		}
		if err := yaml.Unmarshal(buffer.Bytes(), &c); err == nil {
			proxies = append(proxies, c.Proxies...)
		}
		buffer.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		trim := strings.TrimSpace(line)

		if strings.HasPrefix(line, "proxies:") {
			if inBlock {
				parseBuf()
			}
			inBlock = true
			buffer.WriteString(line + "\n")
			continue
		}

		if !inBlock {
			continue
		}
		if trim == "" || strings.HasPrefix(trim, "#") ||
			strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") || strings.HasPrefix(line, "-") {
			buffer.WriteString(line + "\n")
			continue
		}
		inBlock = false
		parseBuf()
	}
	if inBlock {
		parseBuf()
	}
	return proxies
}
