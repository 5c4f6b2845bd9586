package check

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	maxProgressLogs   = 50
	dataThrottle      = 500 * time.Millisecond
	idleResetDelay    = 3 * time.Second
	subscriberBufSize = 64
)

// ProgressPatch 增量更新，nil 字段保持不变
type ProgressPatch struct {
	Total        *int
	Current      *int
	CurrentNode  *string
	Status       *ProgressStatus
	Logs         []string
	SuccessCount *int
	FailedCount  *int
}

// ProgressBus 进度快照与数据变更的发布订阅
type ProgressBus struct {
	mu    sync.Mutex
	state ScanProgress

	nextID       int
	progressSubs map[int]chan ScanProgress
	dataSubs     map[int]chan DataEvent

	lastData  time.Time
	idleTimer *time.Timer
	statusGen int

	// 可在测试中调整
	Throttle  time.Duration
	IdleDelay time.Duration
}

// NewProgressBus 初始状态为 idle
func NewProgressBus() *ProgressBus {
	return &ProgressBus{
		state:        ScanProgress{Status: StatusIdle, Logs: []string{}},
		progressSubs: make(map[int]chan ScanProgress),
		dataSubs:     make(map[int]chan DataEvent),
		Throttle:     dataThrottle,
		IdleDelay:    idleResetDelay,
	}
}

// Update 合并进度并通知订阅者
func (b *ProgressBus) Update(p ProgressPatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateLocked(p)
}

func (b *ProgressBus) updateLocked(p ProgressPatch) {
	b.apply(p)
	snap := b.snapshotLocked()
	// 发送不阻塞，持锁避免与取消订阅时的 close 竞争
	for _, ch := range b.progressSubs {
		select {
		case ch <- snap:
		default:
			// 消费过慢，丢弃本次
		}
	}
}

func (b *ProgressBus) apply(p ProgressPatch) {
	if p.Total != nil {
		b.state.Total = *p.Total
	}
	if p.Current != nil {
		b.state.Current = *p.Current
	}
	if p.CurrentNode != nil {
		b.state.CurrentNode = *p.CurrentNode
	}
	if p.SuccessCount != nil {
		b.state.SuccessCount = *p.SuccessCount
	}
	if p.FailedCount != nil {
		b.state.FailedCount = *p.FailedCount
	}
	if p.Logs != nil {
		logs := p.Logs
		if len(logs) > maxProgressLogs {
			logs = logs[len(logs)-maxProgressLogs:]
		}
		b.state.Logs = slices.Clone(logs)
	}
	if p.Status != nil {
		b.state.Status = *p.Status
		b.statusGen++
		if b.idleTimer != nil {
			b.idleTimer.Stop()
			b.idleTimer = nil
		}
		if b.state.Status == StatusCompleted || b.state.Status == StatusError {
			gen := b.statusGen
			b.idleTimer = time.AfterFunc(b.IdleDelay, func() {
				b.mu.Lock()
				defer b.mu.Unlock()
				// 期间状态已变化则不再重置
				if b.statusGen == gen {
					b.updateLocked(ProgressPatch{Status: new(StatusIdle)})
				}
			})
		}
	}
}

// AppendLog 追加带时间戳的日志
func (b *ProgressBus) AppendLog(msg string) {
	if msg != "" {
		slog.Info(msg)
	}
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), msg)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateLocked(ProgressPatch{Logs: append(slices.Clone(b.state.Logs), line)})
}

// Logf 格式化后追加日志
func (b *ProgressBus) Logf(format string, args ...any) {
	b.AppendLog(fmt.Sprintf(format, args...))
}

// Snapshot 返回当前进度的副本
func (b *ProgressBus) Snapshot() ScanProgress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *ProgressBus) snapshotLocked() ScanProgress {
	s := b.state
	s.Logs = slices.Clone(b.state.Logs)
	if s.Logs == nil {
		s.Logs = []string{}
	}
	return s
}

// Begin 开始新任务，清空日志与计数
func (b *ProgressBus) Begin() {
	b.Update(ProgressPatch{
		Status:       new(StatusScanning),
		Total:        new(0),
		Current:      new(0),
		CurrentNode:  new(""),
		Logs:         []string{},
		SuccessCount: new(0),
		FailedCount:  new(0),
	})
}

// SubscribeProgress 订阅进度更新，调用返回的函数取消订阅
func (b *ProgressBus) SubscribeProgress() (<-chan ScanProgress, func()) {
	ch := make(chan ScanProgress, subscriberBufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.progressSubs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.progressSubs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// SubscribeData 订阅数据变更事件
func (b *ProgressBus) SubscribeData() (<-chan DataEvent, func()) {
	ch := make(chan DataEvent, subscriberBufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.dataSubs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.dataSubs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// PublishData 广播数据变更，窗口期内的事件被丢弃，清空事件除外
func (b *ProgressBus) PublishData(ev DataEvent) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	now := time.Now()
	if now.Sub(b.lastData) < b.Throttle && ev.Type != EventNodesCleared {
		b.mu.Unlock()
		return false
	}
	b.lastData = now
	for _, ch := range b.dataSubs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()

	slog.Debug("广播数据变更", "类型", ev.Type)
	return true
}
