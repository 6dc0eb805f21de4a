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
// ハンドラー、認証クライアント、監査レコーダーから利用する。
type MetricsCollector interface {
	RecordLoginOutcome(outcome string)
	RecordUpstreamLatency(d time.Duration)
	RecordLedgerWrite()
	RecordLedgerFailure(reason string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	loginAttempts   *prometheus.CounterVec
	upstreamLatency prometheus.Histogram
	ledgerWrites    prometheus.Counter
	ledgerFailures  *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loginproxy_login_attempts_total",
			Help: "ログイン試行の終端状態別の合計数",
		}, []string{"outcome"}),
		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loginproxy_upstream_latency_seconds",
			Help:    "認証サービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		ledgerWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loginproxy_ledger_writes_total",
			Help: "ログイン台帳への書き込み成功の合計数",
		}),
		ledgerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loginproxy_ledger_write_failures_total",
			Help: "ログイン台帳への書き込み失敗の合計数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loginproxy_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.loginAttempts,
		c.upstreamLatency,
		c.ledgerWrites,
		c.ledgerFailures,
		c.httpStatus,
	)

	return c
}

// RecordLoginOutcome はログイン試行の終端状態を記録する。
func (c *Collector) RecordLoginOutcome(outcome string) {
	c.loginAttempts.WithLabelValues(outcome).Inc()
}

// RecordUpstreamLatency は認証サービス呼び出しのレイテンシを記録する。
func (c *Collector) RecordUpstreamLatency(d time.Duration) {
	c.upstreamLatency.Observe(d.Seconds())
}

// RecordLedgerWrite は台帳書き込み成功を記録する。
func (c *Collector) RecordLedgerWrite() {
	c.ledgerWrites.Inc()
}

// RecordLedgerFailure は台帳書き込み失敗を記録する。
// reasonは "write" または "queue_full"。
func (c *Collector) RecordLedgerFailure(reason string) {
	c.ledgerFailures.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// APIとは別ポートで公開する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
