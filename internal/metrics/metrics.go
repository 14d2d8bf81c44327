// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// チェックサイクルの結果ラベル
const (
	CycleSuccess       = "success"
	CycleUpstreamError = "upstream_error"
	CycleStoreError    = "store_error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 上流クライアント、スケジューラ、通知ディスパッチャから利用する。
type MetricsCollector interface {
	RecordUpstreamStatus(statusCode int)
	RecordUpstreamLatency(duration time.Duration)
	RecordCacheHit()
	RecordCacheMiss()
	RecordRateLimitWait(duration time.Duration)
	RecordCheckCycle(outcome string, duration time.Duration)
	RecordEvent(kind string)
	RecordDelivery(channel, outcome string)
	SetActiveMonitors(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	upstreamStatus  *prometheus.CounterVec
	upstreamLatency prometheus.Histogram
	cacheHit        prometheus.Counter
	cacheMiss       prometheus.Counter
	rateLimitWait   prometheus.Histogram
	checkCycles     *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	events          *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	activeMonitors  prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatwatch_upstream_status_total",
			Help: "上流APIのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seatwatch_upstream_latency_seconds",
			Help:    "上流API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatwatch_upstream_cache_hit_total",
			Help: "上流レスポンスキャッシュのヒット数",
		}),
		cacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatwatch_upstream_cache_miss_total",
			Help: "上流レスポンスキャッシュのミス数",
		}),
		rateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seatwatch_rate_limit_wait_seconds",
			Help:    "レートリミッターのトークン待ち時間（秒）",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		}),
		checkCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatwatch_check_cycles_total",
			Help: "結果別のチェックサイクル数",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seatwatch_check_cycle_duration_seconds",
			Help:    "チェックサイクル全体の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatwatch_events_total",
			Help: "種別ごとの検出イベント数",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatwatch_deliveries_total",
			Help: "チャネル・結果別の通知配信数",
		}, []string{"channel", "outcome"}),
		activeMonitors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seatwatch_active_monitors",
			Help: "スケジューラに登録されている有効なモニター数",
		}),
	}

	reg.MustRegister(
		c.upstreamStatus,
		c.upstreamLatency,
		c.cacheHit,
		c.cacheMiss,
		c.rateLimitWait,
		c.checkCycles,
		c.cycleDuration,
		c.events,
		c.deliveries,
		c.activeMonitors,
	)

	return c
}

// RecordUpstreamStatus は上流APIのHTTPステータスコードを記録する。
func (c *Collector) RecordUpstreamStatus(statusCode int) {
	c.upstreamStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordUpstreamLatency は上流API呼び出しのレイテンシを記録する。
func (c *Collector) RecordUpstreamLatency(duration time.Duration) {
	c.upstreamLatency.Observe(duration.Seconds())
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit() {
	c.cacheHit.Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss() {
	c.cacheMiss.Inc()
}

// RecordRateLimitWait はトークン待ち時間を記録する。
func (c *Collector) RecordRateLimitWait(duration time.Duration) {
	c.rateLimitWait.Observe(duration.Seconds())
}

// RecordCheckCycle はチェックサイクルの結果と所要時間を記録する。
func (c *Collector) RecordCheckCycle(outcome string, duration time.Duration) {
	c.checkCycles.WithLabelValues(outcome).Inc()
	c.cycleDuration.Observe(duration.Seconds())
}

// RecordEvent は検出イベントを記録する。
func (c *Collector) RecordEvent(kind string) {
	c.events.WithLabelValues(kind).Inc()
}

// RecordDelivery は通知配信の最終結果を記録する。
func (c *Collector) RecordDelivery(channel, outcome string) {
	c.deliveries.WithLabelValues(channel, outcome).Inc()
}

// SetActiveMonitors は有効なモニター数を設定する。
func (c *Collector) SetActiveMonitors(n int) {
	c.activeMonitors.Set(float64(n))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordUpstreamStatus(int)               {}
func (Nop) RecordUpstreamLatency(time.Duration)    {}
func (Nop) RecordCacheHit()                        {}
func (Nop) RecordCacheMiss()                       {}
func (Nop) RecordRateLimitWait(time.Duration)      {}
func (Nop) RecordCheckCycle(string, time.Duration) {}
func (Nop) RecordEvent(string)                     {}
func (Nop) RecordDelivery(string, string)          {}
func (Nop) SetActiveMonitors(int)                  {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
