package check

import (
	"context"
	"time"
)

// NodeRecord 一个经过 TCP 初筛的节点
type NodeRecord struct {
	URI         string `json:"uri"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Label       string `json:"label"`
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"countryCode,omitempty"`
	Region      string `json:"region,omitempty"`
	ISP         string `json:"isp,omitempty"`
	IsNative    *bool  `json:"isNative,omitempty"`
	// LatencyMs 为 0 表示未测得延迟
	LatencyMs     int       `json:"latencyMs,omitempty"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
}

// Alive 是否有有效延迟
func (n NodeRecord) Alive() bool {
	return n.LatencyMs > 0
}

// ScanResult 持久化的节点集合
type ScanResult struct {
	TotalNodes int          `json:"totalNodes"`
	AliveNodes int          `json:"aliveNodes"`
	Nodes      []NodeRecord `json:"nodes"`
	Timestamp  time.Time    `json:"timestamp"`
}

// NewScanResult 以当前时间生成结果
func NewScanResult(nodes []NodeRecord) ScanResult {
	if nodes == nil {
		nodes = []NodeRecord{}
	}
	return ScanResult{
		TotalNodes: len(nodes),
		AliveNodes: len(nodes),
		Nodes:      nodes,
		Timestamp:  time.Now(),
	}
}

// ScanHistory 最近一次扫描的摘要
type ScanHistory struct {
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	Duration     int       `json:"duration"` // 秒
	TotalNodes   int       `json:"totalNodes"`
	SuccessNodes int       `json:"successNodes"`
	FailedNodes  int       `json:"failedNodes"`
	SuccessRate  float64   `json:"successRate"` // 百分比，两位小数
	Errors       []string  `json:"errors,omitempty"`
}

// ProgressStatus 扫描状态
type ProgressStatus string

const (
	StatusIdle      ProgressStatus = "idle"
	StatusScanning  ProgressStatus = "scanning"
	StatusCompleted ProgressStatus = "completed"
	StatusError     ProgressStatus = "error"
)

// ScanProgress 进度快照
type ScanProgress struct {
	Total        int            `json:"total"`
	Current      int            `json:"current"`
	CurrentNode  string         `json:"currentNode,omitempty"`
	Status       ProgressStatus `json:"status"`
	Logs         []string       `json:"logs"`
	SuccessCount int            `json:"successCount"`
	FailedCount  int            `json:"failedCount"`
}

// DataEventType 数据变更类型
type DataEventType string

const (
	EventNodesUpdated  DataEventType = "nodes_updated"
	EventNodesCleared  DataEventType = "nodes_cleared"
	EventConfigUpdated DataEventType = "config_updated"
)

// DataEventData 数据变更附带的统计
type DataEventData struct {
	TotalNodes int    `json:"totalNodes"`
	AliveNodes int    `json:"aliveNodes"`
	Operation  string `json:"operation,omitempty"`
}

// DataEvent 节点数据或配置发生变化
type DataEvent struct {
	Type      DataEventType  `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      *DataEventData `json:"data,omitempty"`
}

// DeadNode 测活中被移除的节点
type DeadNode struct {
	Label string `json:"label"`
	Host  string `json:"host"`
}

// HealthReport 测活结果
type HealthReport struct {
	Before    int          `json:"before"`
	After     int          `json:"after"`
	Removed   int          `json:"removed"`
	Alive     []NodeRecord `json:"-"`
	DeadNodes []DeadNode   `json:"deadNodes"`
}

// Persister 节点与扫描历史的存储
type Persister interface {
	SaveNodes(ctx context.Context, result ScanResult) error
	SaveHistory(ctx context.Context, history ScanHistory) error
}

// Downloader 下载订阅内容
type Downloader interface {
	Fetch(ctx context.Context, url string) (string, error)
}
