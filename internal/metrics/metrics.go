// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordSyncSuccess(sourceName string)
	RecordSyncFailure(sourceName string, kind string)
	RecordCircuitOpen(sourceName string)
	RecordChaptersInserted(count int)
	RecordExternalLatency(sourceName string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordNotificationsCreated(count int)
	RecordSeriesCanonicalized(created bool)
	SetQueueDepth(queue string, depth int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncSuccess          *prometheus.CounterVec
	syncFail             *prometheus.CounterVec
	circuitOpen          *prometheus.CounterVec
	chaptersInserted     prometheus.Counter
	externalLatency      *prometheus.HistogramVec
	httpStatus           *prometheus.CounterVec
	notificationsCreated prometheus.Counter
	seriesCanonicalized  *prometheus.CounterVec
	queueDepth           *prometheus.GaugeVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serialhub_sync_success_total",
			Help: "ソース同期成功の合計数",
		}, []string{"source"}),
		syncFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serialhub_sync_fail_total",
			Help: "ソース同期失敗の合計数（エラー種別ラベル付き）",
		}, []string{"source", "kind"}),
		circuitOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serialhub_circuit_open_total",
			Help: "連続失敗によるソース遮断の合計数",
		}, []string{"source"}),
		chaptersInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serialhub_chapters_inserted_total",
			Help: "挿入された新規チャプターの合計数",
		}),
		externalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "serialhub_external_latency_seconds",
			Help:    "外部ソースへのリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serialhub_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		notificationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serialhub_notifications_created_total",
			Help: "作成された通知の合計数",
		}),
		seriesCanonicalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serialhub_series_canonicalized_total",
			Help: "正準化処理の合計数（新規作成/既存マージ別）",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "serialhub_queue_depth",
			Help: "キューの現在の深さ（待機+実行+再試行待ち）",
		}, []string{"queue"}),
	}

	reg.MustRegister(
		c.syncSuccess,
		c.syncFail,
		c.circuitOpen,
		c.chaptersInserted,
		c.externalLatency,
		c.httpStatus,
		c.notificationsCreated,
		c.seriesCanonicalized,
		c.queueDepth,
	)

	return c
}

// RecordSyncSuccess は同期成功を記録する。
func (c *Collector) RecordSyncSuccess(sourceName string) {
	c.syncSuccess.WithLabelValues(sourceName).Inc()
}

// RecordSyncFailure は同期失敗をエラー種別付きで記録する。
func (c *Collector) RecordSyncFailure(sourceName string, kind string) {
	c.syncFail.WithLabelValues(sourceName, kind).Inc()
}

// RecordCircuitOpen はソース遮断を記録する。
func (c *Collector) RecordCircuitOpen(sourceName string) {
	c.circuitOpen.WithLabelValues(sourceName).Inc()
}

// RecordChaptersInserted は挿入された新規チャプター数を記録する。
func (c *Collector) RecordChaptersInserted(count int) {
	c.chaptersInserted.Add(float64(count))
}

// RecordExternalLatency は外部リクエストのレイテンシを記録する。
func (c *Collector) RecordExternalLatency(sourceName string, duration time.Duration) {
	c.externalLatency.WithLabelValues(sourceName).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordNotificationsCreated は作成された通知数を記録する。
func (c *Collector) RecordNotificationsCreated(count int) {
	c.notificationsCreated.Add(float64(count))
}

// RecordSeriesCanonicalized は正準化の結果を記録する。
func (c *Collector) RecordSeriesCanonicalized(created bool) {
	outcome := "merged"
	if created {
		outcome = "created"
	}
	c.seriesCanonicalized.WithLabelValues(outcome).Inc()
}

// SetQueueDepth はキューの深さを記録する。
func (c *Collector) SetQueueDepth(queue string, depth int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

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

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
