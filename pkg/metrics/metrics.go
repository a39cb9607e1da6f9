package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsStarted 启动的会话总数
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lingdispatch_sessions_started_total",
		Help: "Number of call sessions started.",
	})

	// SessionsEnded 结束的会话总数，按终态区分
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingdispatch_sessions_ended_total",
		Help: "Number of call sessions ended, by final status.",
	}, []string{"status"})

	// TurnsProcessed 处理完成的轮次，按结果区分
	TurnsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingdispatch_turns_processed_total",
		Help: "Number of pipeline turns processed, by outcome.",
	}, []string{"outcome"})

	// StageDuration 流水线各阶段耗时
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lingdispatch_stage_duration_seconds",
		Help:    "Turn pipeline stage latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// EventsPublished 发布到事件总线的事件数
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingdispatch_events_published_total",
		Help: "Number of events published to the bus, by type.",
	}, []string{"type"})

	// ActiveConnections 当前活跃的网关连接数
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lingdispatch_gateway_connections",
		Help: "Currently attached gateway connections.",
	})
)

// Handler /metrics 端点
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
