package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Keys for offsync metrics.
const (
	SyncCyclesTotalKey       = "offsync_sync_cycles_total"
	SyncCycleSecondsKey      = "offsync_sync_cycle_seconds"
	FetchesTotalKey          = "offsync_fetches_total"
	CursorResetsTotalKey     = "offsync_cursor_resets_total"
	DeltasTotalKey           = "offsync_deltas_total"
	ActionsSentTotalKey      = "offsync_actions_sent_total"
	QueueDepthKey            = "offsync_queue_depth"
	TombstonesPurgedTotalKey = "offsync_tombstones_purged_total"
	OfflineKey               = "offsync_offline"

	Fail = "fail"
	Ok   = "ok"
)

// Collectors for offsync metrics.
var (
	SyncCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: SyncCyclesTotalKey,
		Help: "Cumulative number of sync cycles.",
	}, []string{"collection", "status"})
	SyncCycleSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    SyncCycleSecondsKey,
		Help:    "Duration of sync cycles.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"collection"})
	FetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FetchesTotalKey,
		Help: "Cumulative number of change fetches.",
	}, []string{"collection", "mode", "status"})
	CursorResetsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: CursorResetsTotalKey,
		Help: "Cumulative number of expired change cursors.",
	}, []string{"collection"})
	DeltasTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: DeltasTotalKey,
		Help: "Cumulative number of remote deltas by resolution.",
	}, []string{"collection", "decision"})
	ActionsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ActionsSentTotalKey,
		Help: "Cumulative number of queued actions sent.",
	}, []string{"collection", "type", "status"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: QueueDepthKey,
		Help: "Number of queued actions by status.",
	}, []string{"collection", "status"})
	TombstonesPurgedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: TombstonesPurgedTotalKey,
		Help: "Cumulative number of confirmed tombstones purged.",
	}, []string{"collection"})
	Offline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: OfflineKey,
		Help: "Whether the collection's engine is offline (1) or not (0).",
	}, []string{"collection"})
)

// Collectors lists every offsync collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SyncCyclesTotal,
		SyncCycleSeconds,
		FetchesTotal,
		CursorResetsTotal,
		DeltasTotal,
		ActionsSentTotal,
		QueueDepth,
		TombstonesPurgedTotal,
		Offline,
	}
}

// NewRegistry returns a registry holding Collectors and the Go runtime
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(Collectors()...)
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
