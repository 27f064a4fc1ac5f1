package monitoring

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visage_uploads_total",
		Help: "Image uploads by dedup outcome.",
	}, []string{"outcome"})

	stageAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visage_stage_attempts_total",
		Help: "Pipeline stage generator invocations by stage.",
	}, []string{"stage"})

	stageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visage_stage_failures_total",
		Help: "Pipeline stage generator failures by stage (a fallback was substituted).",
	}, []string{"stage"})

	repairRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "visage_repair_runs_total",
		Help: "Auto-repair orchestrations executed.",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "visage_active_sessions",
		Help: "Live session records in the store.",
	})
)

// ObserveUpload counts an upload by its dedup outcome.
func ObserveUpload(outcome string) {
	uploadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage counts a stage invocation and, when err is non-nil, its
// failure.
func ObserveStage(stage string, err error) {
	stageAttempts.WithLabelValues(stage).Inc()
	if err != nil {
		stageFailures.WithLabelValues(stage).Inc()
	}
}

// ObserveRepair counts one auto-repair run.
func ObserveRepair() {
	repairRuns.Inc()
}

// SetActiveSessions publishes the current session count.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// RegisterRoutes mounts the Prometheus scrape endpoint.
func RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
