// Package check 订阅扫描流程：下载、提取、TCP 初筛、内核分批复核与进度发布
package check

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/sinspired/subs-scan/core"
	proxies "github.com/sinspired/subs-scan/proxy"
)

// Options 构造 Scanner 所需的协作者与参数
type Options struct {
	Downloader Downloader
	Persister  Persister
	Geo        proxies.Geolocator
	Factory    core.Factory

	// Bus、Lock 为空时新建
	Bus  *ProgressBus
	Lock *TaskLock

	TCPWindow       int
	TCPTimeout      time.Duration
	BatchSize       int
	InterBatchPause time.Duration
}

// Scanner 持有一次进程内的扫描状态
type Scanner struct {
	downloader   Downloader
	persister    Persister
	prescreener  *Prescreener
	orchestrator *Orchestrator
	bus          *ProgressBus
	lock         *TaskLock

	mu          sync.Mutex
	lastHistory *ScanHistory
}

// NewScanner 组装扫描流程
func NewScanner(opts Options) *Scanner {
	bus := opts.Bus
	if bus == nil {
		bus = NewProgressBus()
	}
	lock := opts.Lock
	if lock == nil {
		lock = &TaskLock{}
	}
	return &Scanner{
		downloader: opts.Downloader,
		persister:  opts.Persister,
		bus:        bus,
		lock:       lock,
		prescreener: &Prescreener{
			Window:  opts.TCPWindow,
			Timeout: opts.TCPTimeout,
			Geo:     opts.Geo,
			Bus:     bus,
		},
		orchestrator: &Orchestrator{
			Factory:         opts.Factory,
			Persister:       opts.Persister,
			Bus:             bus,
			BatchSize:       opts.BatchSize,
			InterBatchPause: opts.InterBatchPause,
		},
	}
}

// Bus 进度发布器
func (s *Scanner) Bus() *ProgressBus { return s.bus }

func (s *Scanner) CurrentProgress() ScanProgress { return s.bus.Snapshot() }

func (s *Scanner) TryAcquireTask(kind TaskKind) bool { return s.lock.TryAcquire(kind) }

func (s *Scanner) ReleaseTask(kind TaskKind) { s.lock.Release(kind) }

func (s *Scanner) TaskStatus() LockStatus { return s.lock.Status() }

// LastHistory 最近一次扫描摘要，尚未扫描时为 nil
func (s *Scanner) LastHistory() *ScanHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastHistory == nil {
		return nil
	}
	h := *s.lastHistory
	return &h
}

// RunScan 执行完整扫描，返回最终节点。调用方负责任务锁
func (s *Scanner) RunScan(ctx context.Context, subscriptionURLs []string, probeURL string) (nodes []NodeRecord, err error) {
	start := time.Now()
	var scanErrors []string

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		msg := fmt.Sprintf("扫描致命错误: %v", r)
		s.bus.AppendLog(msg)
		scanErrors = append(scanErrors, msg)
		s.bus.Update(ProgressPatch{Status: new(StatusError)})
		s.saveHistory(ctx, start, 0, 0, 0, scanErrors)
		nodes, err = nil, errors.New(msg)
	}()

	s.bus.Begin()
	s.bus.AppendLog("开始加载订阅源...")
	if probeURL != "" {
		s.bus.Logf("使用测活 URL: %s", probeURL)
	}

	var all []string
	for _, u := range subscriptionURLs {
		s.bus.Logf("正在下载: %s", u)
		content, ferr := s.downloader.Fetch(ctx, u)
		if ferr != nil {
			if errors.Is(ferr, proxies.ErrIgnore) {
				slog.Debug("订阅链接不可用，已忽略", "url", u)
				continue
			}
			msg := fmt.Sprintf("下载失败: %s", u)
			slog.Warn(msg, "错误", ferr)
			s.bus.AppendLog(msg)
			scanErrors = append(scanErrors, msg)
			continue
		}
		found := proxies.Extract(content)
		s.bus.Logf("从 %s 解析到 %d 个节点", u, len(found))
		all = append(all, found...)
	}

	unique := lo.Uniq(all)
	s.bus.Logf("去重后共 %d 个节点，开始 TCP 初筛...", len(unique))
	s.bus.Update(ProgressPatch{
		Total:        new(len(unique)),
		Current:      new(0),
		SuccessCount: new(0),
		FailedCount:  new(0),
	})

	alive := s.prescreener.Run(ctx, unique, proxies.NewLabeler())
	s.bus.Logf("TCP 初筛完成，存活: %d，准备 Clash 真机复核...", len(alive))

	if len(alive) == 0 {
		s.bus.Update(ProgressPatch{Status: new(StatusCompleted), Current: new(len(unique))})
		s.saveHistory(ctx, start, len(unique), 0, len(unique), scanErrors)
		return []NodeRecord{}, ctx.Err()
	}

	outcome := s.orchestrator.Run(ctx, alive, probeURL)
	scanErrors = append(scanErrors, outcome.Errors...)
	final := outcome.Final

	if ctx.Err() != nil {
		msg := fmt.Sprintf("扫描中断: %v", ctx.Err())
		s.bus.AppendLog(msg)
		scanErrors = append(scanErrors, msg)
		s.bus.Update(ProgressPatch{Status: new(StatusError)})
		s.saveHistory(context.WithoutCancel(ctx), start, len(unique), len(final), len(unique)-len(final), scanErrors)
		return final, fmt.Errorf("扫描中断: %w", ctx.Err())
	}

	s.bus.Logf("扫描完成，最终存活: %d", len(final))
	s.bus.Update(ProgressPatch{
		Status:       new(StatusCompleted),
		Current:      new(len(unique)),
		SuccessCount: new(len(final)),
		FailedCount:  new(len(alive) - len(final)),
	})
	s.saveHistory(ctx, start, len(unique), len(final), len(unique)-len(final), scanErrors)
	return final, nil
}

// saveHistory 记录扫描摘要，失败只记日志
func (s *Scanner) saveHistory(ctx context.Context, start time.Time, total, success, failed int, errs []string) {
	end := time.Now()
	rate := 0.0
	if total > 0 {
		rate = math.Round(float64(success)/float64(total)*100*100) / 100
	}
	h := ScanHistory{
		StartTime:    start,
		EndTime:      end,
		Duration:     int(end.Sub(start).Seconds()),
		TotalNodes:   total,
		SuccessNodes: success,
		FailedNodes:  failed,
		SuccessRate:  rate,
	}
	if len(errs) > 0 {
		h.Errors = append([]string(nil), errs...)
	}

	s.mu.Lock()
	s.lastHistory = &h
	s.mu.Unlock()

	if s.persister == nil {
		return
	}
	if err := s.persister.SaveHistory(ctx, h); err != nil {
		slog.Error("保存扫描历史失败", "错误", err)
		return
	}
	s.bus.Logf("历史已保存: 成功率 %.1f%%, 耗时 %ds", rate, h.Duration)
}

// ValidateSingleBatch 对已知节点测活并保存存活结果
func (s *Scanner) ValidateSingleBatch(ctx context.Context, nodes []NodeRecord, probeURL string) (HealthReport, error) {
	report := HealthReport{Before: len(nodes), DeadNodes: []DeadNode{}}
	if len(nodes) == 0 {
		return report, nil
	}

	slog.Info(fmt.Sprintf("开始测活 %d 个节点", len(nodes)), "测活地址", probeURL)
	alive, dead := s.orchestrator.Recheck(ctx, nodes, probeURL)
	if alive == nil {
		alive = []NodeRecord{}
	}

	report.Alive = alive
	report.After = len(alive)
	report.Removed = report.Before - report.After
	report.DeadNodes = lo.Map(dead, func(n NodeRecord, _ int) DeadNode {
		return DeadNode{Label: n.Label, Host: n.Host}
	})

	if s.persister != nil {
		if err := s.persister.SaveNodes(ctx, NewScanResult(alive)); err != nil {
			return report, fmt.Errorf("保存测活结果失败: %w", err)
		}
	}
	s.bus.PublishData(DataEvent{
		Type: EventNodesUpdated,
		Data: &DataEventData{
			TotalNodes: len(alive),
			AliveNodes: len(alive),
			Operation:  "health_check",
		},
	})
	slog.Info(fmt.Sprintf("测活完成，移除 %d 个失效节点", report.Removed))
	return report, nil
}
