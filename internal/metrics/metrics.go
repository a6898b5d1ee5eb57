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
// ハンドラー、サービス層、ワーカーから利用する。
type MetricsCollector interface {
	RecordRouteDecision(action string)
	RecordAuthEvent(eventType string)
	RecordPostsSeeded(count int)
	ObserveProfileLookup(hit bool)
	RecordHTTPStatus(statusCode int)
	RecordSessionInit(duration time.Duration)
	RecordSessionsPurged(count int64)
	RecordCountsReconciled(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	routeDecisions   *prometheus.CounterVec
	authEvents       *prometheus.CounterVec
	postsSeeded      prometheus.Counter
	profileLookups   *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	sessionInit      prometheus.Histogram
	sessionsPurged   prometheus.Counter
	countsReconciled prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		routeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bluecircle_route_decisions_total",
			Help: "ルートガードの判定結果別の件数",
		}, []string{"action"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bluecircle_auth_events_total",
			Help: "認証イベント種別ごとの発行数",
		}, []string{"type"}),
		postsSeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bluecircle_posts_seeded_total",
			Help: "デモ用に投入されたサンプル投稿の合計数",
		}),
		profileLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bluecircle_profile_lookups_total",
			Help: "プロフィールキャッシュの参照数（hit / miss）",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bluecircle_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sessionInit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bluecircle_session_init_seconds",
			Help:    "セッション初期化の待ち時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bluecircle_sessions_purged_total",
			Help: "削除された期限切れセッションの合計数",
		}),
		countsReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bluecircle_counts_reconciled_total",
			Help: "カウンタを補正した投稿の合計数",
		}),
	}

	reg.MustRegister(
		c.routeDecisions,
		c.authEvents,
		c.postsSeeded,
		c.profileLookups,
		c.httpStatus,
		c.sessionInit,
		c.sessionsPurged,
		c.countsReconciled,
	)

	return c
}

// RecordRouteDecision はルート判定結果を記録する。
func (c *Collector) RecordRouteDecision(action string) {
	c.routeDecisions.WithLabelValues(action).Inc()
}

// RecordAuthEvent は認証イベントの発行を記録する。
func (c *Collector) RecordAuthEvent(eventType string) {
	c.authEvents.WithLabelValues(eventType).Inc()
}

// RecordPostsSeeded は投入されたサンプル投稿数を記録する。
func (c *Collector) RecordPostsSeeded(count int) {
	c.postsSeeded.Add(float64(count))
}

// ObserveProfileLookup はプロフィールキャッシュのヒット・ミスを記録する。
func (c *Collector) ObserveProfileLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.profileLookups.WithLabelValues(result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSessionInit はセッション初期化の待ち時間を記録する。
func (c *Collector) RecordSessionInit(duration time.Duration) {
	c.sessionInit.Observe(duration.Seconds())
}

// RecordSessionsPurged は削除した期限切れセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// RecordCountsReconciled はカウンタを補正した投稿数を記録する。
func (c *Collector) RecordCountsReconciled(count int64) {
	c.countsReconciled.Add(float64(count))
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

var _ MetricsCollector = (*Collector)(nil)
