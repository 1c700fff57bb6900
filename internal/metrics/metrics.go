package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// SightingsTotal 计数器：处理的观测总数
	// 按消息族和结果 (applied/duplicate/ignored/discarded) 分类
	SightingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracktrace_sightings_total",
		Help: "The total number of telemetry sightings handled",
	}, []string{"family", "outcome"})

	// EventsAppendedTotal 计数器：追加到履历的事件数
	EventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracktrace_events_appended_total",
		Help: "The total number of station events appended to workpiece histories",
	}, []string{"event_type"})

	// CorrelationMissesTotal 计数器：无法关联到工件的工站观测
	CorrelationMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracktrace_correlation_misses_total",
		Help: "Module sightings that could not be attributed to a workpiece",
	}, []string{"module"})

	// WorkpiecesTracked 仪表盘：每个环境当前追踪的工件数量
	WorkpiecesTracked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracktrace_workpieces_tracked",
		Help: "The number of workpieces in the ledger",
	}, []string{"env"})

	// SightingDuration 直方图：单条观测的处理耗时
	SightingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracktrace_sighting_duration_seconds",
		Help:    "Time spent correlating one sighting",
		Buckets: prometheus.DefBuckets,
	}, []string{"family"})
)
