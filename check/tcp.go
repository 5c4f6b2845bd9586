package check

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	proxies "github.com/sinspired/subs-scan/proxy"
)

const (
	defaultTCPWindow  = 50
	defaultTCPTimeout = 2 * time.Second
	tcpProgressEvery  = 10
)

// Probe 建立 TCP 连接并返回耗时毫秒，失败返回 -1
func Probe(ctx context.Context, host string, port int, timeout time.Duration) int {
	if timeout <= 0 {
		timeout = defaultTCPTimeout
	}
	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return -1
	}
	_ = conn.Close()
	ms := int(time.Since(start).Milliseconds())
	// 本地连接可能不足 1ms
	return max(ms, 1)
}

// Prescreener TCP 初筛，按窗口并发
type Prescreener struct {
	Window  int
	Timeout time.Duration
	Geo     proxies.Geolocator
	Bus     *ProgressBus
}

type probeResult struct {
	node NodeRecord
	info proxies.LabelInfo
	ok   bool
}

// Run 返回可连通的节点，保持输入顺序；标签在 labeler 内去重
func (p *Prescreener) Run(ctx context.Context, uris []string, labeler *proxies.Labeler) []NodeRecord {
	window := p.Window
	if window <= 0 {
		window = defaultTCPWindow
	}
	if labeler == nil {
		labeler = proxies.NewLabeler()
	}

	var checked, alive atomic.Int64
	total := len(uris)
	nodes := make([]NodeRecord, 0, total)

	for _, chunk := range lo.Chunk(uris, window) {
		if ctx.Err() != nil {
			break
		}
		if p.Bus != nil {
			p.Bus.Update(ProgressPatch{CurrentNode: new("TCP Check: " + chunk[0])})
		}

		results := make([]probeResult, len(chunk))
		var wg sync.WaitGroup
		for i, uri := range chunk {
			wg.Go(func() {
				results[i] = p.check(ctx, uri)
				n := checked.Add(1)
				if results[i].ok {
					alive.Add(1)
				}
				if n%tcpProgressEvery == 0 {
					p.report(int(n), int(alive.Load()))
				}
			})
		}
		wg.Wait()

		// 窗口内按输入顺序命名，保证去重后缀稳定
		for _, r := range results {
			if !r.ok {
				continue
			}
			r.node.Label = labeler.Unique(r.info.Label)
			nodes = append(nodes, r.node)
		}
	}

	p.report(total, len(nodes))
	return nodes
}

func (p *Prescreener) check(ctx context.Context, uri string) probeResult {
	host, port, ok := proxies.ParseAddress(uri)
	if !ok {
		return probeResult{}
	}
	latency := Probe(ctx, host, port, p.Timeout)
	if latency < 0 {
		return probeResult{}
	}

	info := proxies.BuildLabel(ctx, p.Geo, uri, host, port)
	return probeResult{
		ok:   true,
		info: info,
		node: NodeRecord{
			URI:           uri,
			Host:          host,
			Port:          port,
			Country:       info.Country,
			CountryCode:   info.CountryCode,
			Region:        info.Region,
			ISP:           info.ISP,
			IsNative:      info.IsNative,
			LatencyMs:     latency,
			LastCheckedAt: time.Now(),
		},
	}
}

func (p *Prescreener) report(checked, alive int) {
	if p.Bus == nil {
		return
	}
	p.Bus.Update(ProgressPatch{
		Current:      new(checked),
		SuccessCount: new(alive),
		FailedCount:  new(checked - alive),
	})
}
