package probe

import (
	"github.com/org/lockr/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	probeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockr_probe_results_total",
		Help: "Completed host probes by overall status and reason.",
	}, []string{"status", "reason"})

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lockr_probe_stage_duration_seconds",
		Help:    "Duration of individual probe stages.",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
	}, []string{"stage", "status"})
)

func init() {
	prometheus.MustRegister(probeResults, stageDuration)
}

func observeResult(r *models.HostCheckResult) {
	probeResults.WithLabelValues(r.Overall.Status, r.Overall.Reason).Inc()
	for _, s := range r.Stages() {
		if s.Status == models.StatusSkipped {
			continue
		}
		stageDuration.WithLabelValues(s.Stage, s.Status).Observe(s.Duration.Seconds())
	}
}
