package check

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/sinspired/subs-scan/core"
)

const (
	defaultBatchSize       = 50
	defaultInterBatchPause = time.Second
)

// Orchestrator 按批次顺序启动内核做真实延迟测试
type Orchestrator struct {
	Factory   core.Factory
	Persister Persister
	Bus       *ProgressBus

	BatchSize       int
	InterBatchPause time.Duration
	SaveAttempts    int
	SaveInterval    time.Duration
}

// BatchOutcome 一次分批测试的汇总
type BatchOutcome struct {
	TotalBatches      int
	SuccessfulBatches int
	Skipped           int
	// Validated 内核测试通过的节点
	Validated []NodeRecord
	// SkippedNodes 跳过批次中的节点，保留 TCP 延迟
	SkippedNodes []NodeRecord
	Errors       []string
	// Final 降级与合并之后的最终结果
	Final []NodeRecord
}

type batchState struct {
	total     int
	batches   int
	processed int
	out       *BatchOutcome
}

// Run 测试全部候选节点；批次间严格串行，同一时间只有一个内核实例
func (o *Orchestrator) Run(ctx context.Context, candidates []NodeRecord, probeURL string) BatchOutcome {
	size := o.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	batches := lo.Chunk(candidates, size)

	out := BatchOutcome{TotalBatches: len(batches)}
	st := &batchState{total: len(candidates), batches: len(batches), out: &out}

	o.logf("开始 Clash 分批测试，共 %d 批...", len(batches))
	for i, batch := range batches {
		if ctx.Err() != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("扫描已取消: %v", ctx.Err()))
			break
		}
		o.runBatch(ctx, st, i, batch, probeURL)
	}

	o.logf("")
	o.logf("========== 扫描摘要 ==========")
	o.logf("总批次: %d", out.TotalBatches)
	o.logf("成功批次: %d", out.SuccessfulBatches)
	o.logf("跳过批次: %d", out.Skipped)
	o.logf("Clash 验证通过: %d 个节点", len(out.Validated))

	switch {
	case len(out.Validated) == 0 && len(out.SkippedNodes) > 0:
		o.logf("⚠️ 所有 Clash 批次均失败，降级使用 TCP 初筛结果")
		out.Final = slices.Clone(candidates)
		o.saveIncremental(ctx, out.Final)
	case len(out.SkippedNodes) > 0:
		o.logf("📋 将 %d 个跳过批次的 TCP 结果加入最终列表", len(out.SkippedNodes))
		out.Final = append(slices.Clone(out.Validated), out.SkippedNodes...)
		o.saveIncremental(ctx, out.Final)
	default:
		out.Final = slices.Clone(out.Validated)
	}

	o.logf("最终节点总数: %d", len(out.Final))
	o.logf("==============================")
	return out
}

func (o *Orchestrator) runBatch(ctx context.Context, st *batchState, idx int, batch []NodeRecord, probeURL string) {
	out := st.out
	startProcessed := st.processed
	startValidated := len(out.Validated)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		slog.Error("批次测试异常", "批次", idx+1, "错误", r)
		// 本批已通过的节点退回 TCP 结果，避免重复
		out.Validated = out.Validated[:startValidated]
		o.skip(st, batch, startProcessed)
		msg := fmt.Sprintf("第 %d 批异常: %v", idx+1, r)
		o.logf("❌ %s，跳过此批次", msg)
		out.Errors = append(out.Errors, msg)
		o.saveIncremental(ctx, out.Validated)
	}()

	o.logf("第 %d/%d 批：测试 %d 个节点...", idx+1, st.batches, len(batch))

	ctrl := o.Factory(probeURL)
	stopped := false
	defer func() {
		if !stopped {
			ctrl.Stop()
		}
	}()

	uris := lo.Map(batch, func(n NodeRecord, _ int) string { return n.URI })
	if !ctrl.Start(ctx, uris) {
		o.skip(st, batch, startProcessed)
		msg := fmt.Sprintf("第 %d 批 Clash Core 启动失败，跳过", idx+1)
		o.logf("⚠️ %s", msg)
		out.Errors = append(out.Errors, msg)
		return
	}
	out.SuccessfulBatches++

	for i, node := range batch {
		st.processed++
		if o.Bus != nil {
			ok := len(out.Validated)
			o.Bus.Update(ProgressPatch{
				Total:        new(st.total),
				Current:      new(st.processed),
				CurrentNode:  new(fmt.Sprintf("[%d/%d] %s", idx+1, st.batches, node.Label)),
				SuccessCount: new(ok),
				FailedCount:  new(st.processed - ok),
			})
		}

		delay := ctrl.TestDelay(ctx, i)
		if delay <= 0 {
			continue
		}
		node.LatencyMs = delay
		node.LastCheckedAt = time.Now()
		out.Validated = append(out.Validated, node)
		o.logf("[可用] %s (%dms)", node.Label, delay)
	}

	ctrl.Stop()
	stopped = true
	sleepCtx(ctx, o.pause())

	if len(out.Validated) > 0 {
		o.saveIncremental(ctx, out.Validated)
	}
	o.logf("✅ 第 %d 批完成: %d 个节点可用", idx+1, len(out.Validated))
}

// skip 标记批次跳过，节点保留 TCP 结果
func (o *Orchestrator) skip(st *batchState, batch []NodeRecord, startProcessed int) {
	st.out.Skipped++
	st.out.SkippedNodes = append(st.out.SkippedNodes, batch...)
	st.processed = startProcessed + len(batch)
	if o.Bus != nil {
		o.Bus.Update(ProgressPatch{
			Current:     new(st.processed),
			FailedCount: new(st.processed - len(st.out.Validated)),
		})
	}
}

// saveIncremental 保存当前节点集合并广播，失败只记录日志
func (o *Orchestrator) saveIncremental(ctx context.Context, nodes []NodeRecord) {
	if o.Persister == nil || len(nodes) == 0 {
		return
	}
	attempts := o.SaveAttempts
	if attempts <= 0 {
		attempts = saveMaxRetries
	}
	interval := o.SaveInterval
	if interval <= 0 {
		interval = saveRetryInterval
	}

	result := NewScanResult(slices.Clone(nodes))
	err := SaveWithRetry(ctx, o.Persister, result, attempts, interval, func(attempt int, err error) {
		slog.Warn(fmt.Sprintf("增量保存节点失败 (尝试 %d/%d)", attempt, attempts), "错误", err)
		o.logf("⚠️ 增量保存失败 (尝试 %d/%d)", attempt, attempts)
	})
	if err != nil {
		o.logf("❌ 增量保存最终失败，已重试 %d 次", attempts)
		return
	}

	o.logf("✅ 增量保存成功: %d 个节点", len(nodes))
	if o.Bus != nil {
		o.Bus.PublishData(DataEvent{
			Type: EventNodesUpdated,
			Data: &DataEventData{
				TotalNodes: len(nodes),
				AliveNodes: len(nodes),
				Operation:  "incremental_save",
			},
		})
	}
}

// Recheck 对已保存的节点重新测速；内核启动失败或异常的批次整体保留
func (o *Orchestrator) Recheck(ctx context.Context, nodes []NodeRecord, probeURL string) (alive, dead []NodeRecord) {
	size := o.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	batches := lo.Chunk(nodes, size)
	for i, batch := range batches {
		a, d := o.recheckBatch(ctx, i, len(batches), batch, probeURL)
		alive = append(alive, a...)
		dead = append(dead, d...)
	}
	return alive, dead
}

func (o *Orchestrator) recheckBatch(ctx context.Context, idx, total int, batch []NodeRecord, probeURL string) (alive, dead []NodeRecord) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("批次 %d 测试失败: %v", idx+1, r))
			alive, dead = slices.Clone(batch), nil
		}
	}()

	ctrl := o.Factory(probeURL)
	defer ctrl.Stop()

	uris := lo.Map(batch, func(n NodeRecord, _ int) string { return n.URI })
	if !ctrl.Start(ctx, uris) {
		slog.Warn(fmt.Sprintf("测活第 %d/%d 批内核启动失败，保留 %d 个节点", idx+1, total, len(batch)))
		return slices.Clone(batch), nil
	}

	for i, node := range batch {
		if delay := ctrl.TestDelay(ctx, i); delay > 0 {
			node.LatencyMs = delay
			node.LastCheckedAt = time.Now()
			alive = append(alive, node)
		} else {
			dead = append(dead, node)
		}
	}
	ctrl.Stop()
	sleepCtx(ctx, o.pause())
	return alive, dead
}

func (o *Orchestrator) pause() time.Duration {
	if o.InterBatchPause < 0 {
		return 0
	}
	if o.InterBatchPause == 0 {
		return defaultInterBatchPause
	}
	return o.InterBatchPause
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Bus != nil {
		o.Bus.Logf(format, args...)
		return
	}
	slog.Info(fmt.Sprintf(format, args...))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
