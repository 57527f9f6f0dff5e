// Package metrics exposes the attribution counters scraped from the
// daemon's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jaketajohnson/Attributor/internal/models"
)

var (
	assetsAttributed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attributor_assets_attributed_total",
		Help: "Assets that received a facility id, by category",
	}, []string{"category"})
	assetsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attributor_assets_skipped_total",
		Help: "Assets skipped or failed during a run, by category and reason",
	}, []string{"category", "reason"})
	zoneBatchesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attributor_zone_batches_failed_total",
		Help: "Zone allocation batches aborted by an id conflict",
	})
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attributor_runs_total",
		Help: "Completed attribution runs, by final status",
	}, []string{"status"})
	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "attributor_run_duration_seconds",
		Help:    "Wall-clock duration of one attribution run",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(assetsAttributed, assetsSkipped, zoneBatchesFailed, runsTotal, runDuration)
}

// RecordReport folds one finished run into the counters.
func RecordReport(report *models.RunReport) {
	runsTotal.WithLabelValues(report.Status()).Inc()
	runDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	if report.ZoneBatchFailures > 0 {
		zoneBatchesFailed.Add(float64(report.ZoneBatchFailures))
	}

	for cat, s := range report.Categories {
		c := string(cat)
		assetsAttributed.WithLabelValues(c).Add(float64(s.FacilityAssigned))
		if s.SkippedMalformed > 0 {
			assetsSkipped.WithLabelValues(c, "malformed_geometry").Add(float64(s.SkippedMalformed))
		}
		if s.SkippedZone > 0 {
			assetsSkipped.WithLabelValues(c, "zone_lookup").Add(float64(s.SkippedZone))
		}
		if s.PendingEndpoints > 0 {
			assetsSkipped.WithLabelValues(c, "pending_endpoints").Add(float64(s.PendingEndpoints))
		}
		if s.Failed > 0 {
			assetsSkipped.WithLabelValues(c, "no_rule").Add(float64(s.Failed))
		}
	}
}
