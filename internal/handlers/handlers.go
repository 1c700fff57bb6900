package handlers

import (
	"log/slog"
	"tracktrace/internal/event"
	"tracktrace/internal/ledger"
	"tracktrace/internal/metrics"
	"tracktrace/internal/web"
)

// SnapshotSource 返回环境当前的快照
type SnapshotSource func(env string) *ledger.Snapshot

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 处理器在引擎的写者 goroutine 中同步执行，只做不阻塞的工作
func RegisterEventHandlers(bus *event.Bus, hub *web.Hub, snapshots SnapshotSource, logger *slog.Logger) {
	logger = logger.With("component", "event-handlers")

	// --- 指标与 Web UI 处理器 ---
	// 履历变化后更新工件数量，并把最新快照推送给订阅该环境的客户端
	onChange := func(e event.Event) {
		snap := snapshots(e.Env)
		metrics.WorkpiecesTracked.WithLabelValues(e.Env).Set(float64(snap.Len()))
		hub.Broadcast(e.Env, web.NewSnapshotMessage(snap))
	}
	bus.Subscribe(event.HistoryUpdated, onChange)
	bus.Subscribe(event.HistoryCleared, onChange)

	// 订阅关联失败事件，按工站统计
	bus.Subscribe(event.CorrelationMissed, func(e event.Event) {
		metrics.CorrelationMissesTotal.WithLabelValues(e.Module).Inc()
	})

	// --- 日志处理器 (Logging Handler) ---
	bus.Subscribe(event.HistoryCleared, func(e event.Event) {
		logger.Info("环境履历已清空", "env", e.Env, "version", e.Version)
	})
	bus.Subscribe(event.SightingDiscarded, func(e event.Event) {
		logger.Debug("观测被丢弃", "env", e.Env, "topic", e.Topic, "family", e.Family, "error", e.Error)
	})
}
