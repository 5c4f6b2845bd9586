package save

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/samber/lo"

	"github.com/sinspired/subs-scan/check"
	proxies "github.com/sinspired/subs-scan/proxy"
)

const (
	groupSelect = "🚀 节点选择"
	groupAuto   = "♻️ 自动选择"
	groupDirect = "🎯 全球直连"

	autoTestURL      = "http://www.gstatic.com/generate_204"
	autoTestInterval = 300

	// ProfileUpdateInterval 客户端更新间隔（小时）
	ProfileUpdateInterval = "24"
	subscriptionTotal     = 10737418240
	subscriptionExpire    = 30 * 24 * time.Hour
)

var clashRules = []string{
	"DOMAIN-SUFFIX,local,DIRECT",
	"IP-CIDR,127.0.0.0/8,DIRECT",
	"IP-CIDR,172.16.0.0/12,DIRECT",
	"IP-CIDR,192.168.0.0/16,DIRECT",
	"IP-CIDR,10.0.0.0/8,DIRECT",
	"IP-CIDR,17.0.0.0/8,DIRECT",
	"IP-CIDR,100.64.0.0/10,DIRECT",
	"GEOIP,CN,DIRECT",
	"MATCH," + groupSelect,
}

// AliveNodes 只保留有延迟的节点
func AliveNodes(nodes []check.NodeRecord) []check.NodeRecord {
	return lo.Filter(nodes, func(n check.NodeRecord, _ int) bool { return n.Alive() })
}

// RenderBase64 每行一个节点链接，名称替换为标签，整体 base64
func RenderBase64(nodes []check.NodeRecord) string {
	lines := lo.Map(AliveNodes(nodes), func(n check.NodeRecord, _ int) string {
		uri, _, _ := strings.Cut(n.URI, "#")
		if n.Label != "" {
			uri += "#" + proxies.EncodeURIComponent(n.Label)
		}
		return uri
	})
	if len(lines) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(strings.Join(lines, "\n")))
}

type clashGroup struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Proxies  []string `yaml:"proxies"`
	URL      string   `yaml:"url,omitempty"`
	Interval int      `yaml:"interval,omitempty"`
}

type clashConfig struct {
	Port               int              `yaml:"port"`
	SocksPort          int              `yaml:"socks-port"`
	AllowLan           bool             `yaml:"allow-lan"`
	Mode               string           `yaml:"mode"`
	LogLevel           string           `yaml:"log-level"`
	ExternalController string           `yaml:"external-controller"`
	Proxies            []map[string]any `yaml:"proxies"`
	ProxyGroups        []clashGroup     `yaml:"proxy-groups"`
	Rules              []string         `yaml:"rules"`
}

// RenderClash 生成带分组和规则的 Clash 配置；无可用节点时返回空
func RenderClash(nodes []check.NodeRecord) ([]byte, error) {
	labeler := proxies.NewLabeler()
	list := lo.FilterMap(AliveNodes(nodes), func(n check.NodeRecord, _ int) (map[string]any, bool) {
		p, ok := proxies.URIToProxy(n.URI, n.Label)
		if !ok {
			return nil, false
		}
		p["name"] = labeler.Unique(n.Label)
		return p, true
	})
	if len(list) == 0 {
		return nil, nil
	}

	names := lo.Map(list, func(p map[string]any, _ int) string { return p["name"].(string) })
	cfg := clashConfig{
		Port:               7890,
		SocksPort:          7891,
		Mode:               "Rule",
		LogLevel:           "info",
		ExternalController: "127.0.0.1:9090",
		Proxies:            list,
		ProxyGroups: []clashGroup{
			{Name: groupSelect, Type: "select", Proxies: append([]string{groupAuto, groupDirect}, names...)},
			{Name: groupAuto, Type: "url-test", Proxies: names, URL: autoTestURL, Interval: autoTestInterval},
			{Name: groupDirect, Type: "select", Proxies: []string{"DIRECT"}},
		},
		Rules: clashRules,
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("序列化clash配置失败: %w", err)
	}
	return data, nil
}

// SubscriptionUserinfo 订阅流量信息头，到期时间为 30 天后
func SubscriptionUserinfo(now time.Time) string {
	return fmt.Sprintf("upload=0; download=0; total=%d; expire=%d", int64(subscriptionTotal), now.Add(subscriptionExpire).Unix())
}
