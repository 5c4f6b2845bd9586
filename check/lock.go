package check

import (
	"log/slog"
	"sync"
	"time"
)

// TaskKind 长任务类型
type TaskKind string

const (
	TaskNone        TaskKind = "none"
	TaskScan        TaskKind = "scan"
	TaskHealthCheck TaskKind = "health-check"
)

// DisplayName 中文名称
func (k TaskKind) DisplayName() string {
	switch k {
	case TaskScan:
		return "扫描"
	case TaskHealthCheck:
		return "测活"
	default:
		return "无"
	}
}

// LockStatus 锁状态
type LockStatus struct {
	Locked         bool      `json:"locked"`
	Kind           TaskKind  `json:"kind,omitempty"`
	StartedAt      time.Time `json:"startedAt,omitzero"`
	ElapsedSeconds int       `json:"elapsedSeconds,omitempty"`
}

// TaskLock 扫描与测活互斥，零值可用
type TaskLock struct {
	mu        sync.Mutex
	kind      TaskKind
	startedAt time.Time
}

// TryAcquire 无任务持有时获取锁
func (l *TaskLock) TryAcquire(kind TaskKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if kind != TaskScan && kind != TaskHealthCheck {
		return false
	}
	if l.kind != "" && l.kind != TaskNone {
		return false
	}
	l.kind = kind
	l.startedAt = time.Now()
	slog.Debug("获取任务锁", "任务", kind)
	return true
}

// Release 仅当持有者类型一致时释放
func (l *TaskLock) Release(kind TaskKind) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.kind != kind {
		return
	}
	slog.Debug("释放任务锁", "任务", kind, "耗时", time.Since(l.startedAt).Round(time.Second))
	l.kind = TaskNone
	l.startedAt = time.Time{}
}

// Status 返回当前持有者
func (l *TaskLock) Status() LockStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.kind == "" || l.kind == TaskNone {
		return LockStatus{}
	}
	return LockStatus{
		Locked:         true,
		Kind:           l.kind,
		StartedAt:      l.startedAt,
		ElapsedSeconds: int(time.Since(l.startedAt).Seconds()),
	}
}
