// Package metrics は通知サービスのPrometheusメトリクスを提供する。
package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "learnnotify"

// Metrics はサービスのメトリクス一式とその登録先レジストリ。
// サーバーごとに独立したレジストリを持つ。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// NotificationsCreated は作成した通知の件数（object, event別）。
	NotificationsCreated *prometheus.CounterVec
	// Polls はコーチによる通知一覧の取得回数。
	Polls prometheus.Counter
	// CoachesPolling は直近に通知を取得したコーチの人数。
	CoachesPolling prometheus.Gauge
	// Purged は削除したレコードの件数（kind別）。
	Purged *prometheus.CounterVec
	// EventPublishFailures はEvent Storeへの送信失敗回数。
	EventPublishFailures prometheus.Counter
}

// New は新しいレジストリにメトリクスを登録して返す。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "path"}),
		NotificationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_created_total",
			Help:      "Total number of learner progress notifications created",
		}, []string{"object", "event"}),
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_polls_total",
			Help:      "Total number of classroom notification polls by coaches",
		}),
		CoachesPolling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coaches_polling",
			Help:      "Number of coaches that polled notifications within the polling window",
		}),
		Purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_records_total",
			Help:      "Total number of purged records",
		}, []string{"kind"}),
		EventPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_failures_total",
			Help:      "Total number of failed event store publishes",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.NotificationsCreated,
		m.Polls,
		m.CoachesPolling,
		m.Purged,
		m.EventPublishFailures,
	)
	return m
}

// RegisterDB は接続プールの統計を接続名付きで登録する。
func (m *Metrics) RegisterDB(alias string, db *sql.DB) error {
	return m.registry.Register(collectors.NewDBStatsCollector(db, alias))
}

// Registry はメトリクスの登録先を返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler はPrometheus形式でメトリクスを返すハンドラ。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware はHTTPリクエストの件数と処理時間を記録するミドルウェアを返す。
// パスはルート定義（例: /api/v1/notifications/:id）で集計する。
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
