package core

import (
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/metacubex/mihomo/adapter"

	proxies "github.com/sinspired/subs-scan/proxy"
)

const (
	portRangeStart = 15000
	portRangeEnd   = 25000
)

// Ports 一次内核运行占用的三个端口
type Ports struct {
	Mixed int
	Socks int
	API   int
}

// RandomPorts 在 [15000, 25000-10) 内随机取基准端口，依次分配 mixed/socks/api
func RandomPorts() Ports {
	base := portRangeStart + rand.IntN(portRangeEnd-portRangeStart-10)
	return Ports{Mixed: base, Socks: base + 1, API: base + 2}
}

// ProxyName 批次内第 index 个节点在内核中的名称
func ProxyName(index int) string {
	return "node_" + strconv.Itoa(index)
}

type runtimeConfig struct {
	Port               int              `yaml:"port"`
	SocksPort          int              `yaml:"socks-port"`
	ExternalController string           `yaml:"external-controller"`
	Secret             string           `yaml:"secret"`
	Mode               string           `yaml:"mode"`
	LogLevel           string           `yaml:"log-level"`
	Proxies            []map[string]any `yaml:"proxies"`
}

// BuildConfig 生成临时内核配置，返回 yaml 与实际写入的代理数量。
// 无法转换或 mihomo 无法解析的节点被跳过，对应序号的测速必然失败
func BuildConfig(uris []string, ports Ports, secret string) ([]byte, int, error) {
	list := make([]map[string]any, 0, len(uris))
	for i, uri := range uris {
		name := ProxyName(i)
		mapping, ok := proxies.URIToProxy(uri, name)
		if !ok {
			slog.Debug(fmt.Sprintf("节点转换失败，跳过: %s", name))
			continue
		}
		if err := validateProxy(mapping); err != nil {
			slog.Debug(fmt.Sprintf("mihomo 无法解析节点 %s: %v", name, err))
			continue
		}
		list = append(list, mapping)
	}

	cfg := runtimeConfig{
		Port:               ports.Mixed,
		SocksPort:          ports.Socks,
		ExternalController: "127.0.0.1:" + strconv.Itoa(ports.API),
		Secret:             secret,
		Mode:               "global",
		LogLevel:           "warning",
		Proxies:            list,
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, 0, fmt.Errorf("生成内核配置失败: %w", err)
	}
	return data, len(list), nil
}

// validateProxy 用 mihomo 自身的解析器预检，避免单个坏节点导致整个内核启动失败
func validateProxy(mapping map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("解析代理时发生 panic: %v", r)
		}
	}()

	// ParseProxy 可能修改传入的 map
	p, err := adapter.ParseProxy(maps.Clone(mapping))
	if err != nil {
		return err
	}
	defer p.Close()
	return nil
}
