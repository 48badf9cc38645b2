package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the collected metrics
type Metrics struct {
	registry *prometheus.Registry

	totalBackups   *prometheus.CounterVec
	backupSuccess  *prometheus.GaugeVec
	backupSize     *prometheus.GaugeVec
	backupDuration *prometheus.HistogramVec
	lastSuccess    *prometheus.GaugeVec
	totalErrors    *prometheus.CounterVec
	deletions      *prometheus.CounterVec
}

// New generates new metrics
func New() *Metrics {
	backupSuccess := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbbackup_success",
		Help: "is 1 when the last backup of the target was successful, otherwise 0",
	},
		[]string{"target"},
	)

	totalBackups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbbackup_total_backups",
		Help: "total number of successful backups",
	},
		[]string{"target"},
	)

	totalErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbbackup_errors",
		Help: "total number of errors during backups",
	},
		[]string{"target", "stage"},
	)

	backupSize := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbbackup_size_bytes",
		Help: "size of last uploaded artifact in bytes",
	},
		[]string{"target"},
	)

	backupDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbbackup_duration_seconds",
		Help:    "duration of a backup run from dump to cleanup",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	},
		[]string{"target"},
	)

	lastSuccess := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbbackup_last_success_timestamp_seconds",
		Help: "unix time of the last successful backup",
	},
		[]string{"target"},
	)

	deletions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbbackup_deleted_artifacts",
		Help: "total number of artifacts deleted by cleanup",
	},
		[]string{"target"},
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(backupSuccess, totalBackups, totalErrors, backupSize, backupDuration, lastSuccess, deletions)

	return &Metrics{
		registry:       registry,
		totalBackups:   totalBackups,
		backupSuccess:  backupSuccess,
		totalErrors:    totalErrors,
		backupSize:     backupSize,
		backupDuration: backupDuration,
		lastSuccess:    lastSuccess,
		deletions:      deletions,
	}
}

// Registry exposes the registry of the collected metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CountBackup updates the metrics of a successful backup
func (m *Metrics) CountBackup(target string, size int64, duration time.Duration) {
	m.totalBackups.WithLabelValues(target).Inc()
	m.backupSuccess.WithLabelValues(target).Set(1)
	m.backupSize.WithLabelValues(target).Set(float64(size))
	m.backupDuration.WithLabelValues(target).Observe(duration.Seconds())
	m.lastSuccess.WithLabelValues(target).SetToCurrentTime()
}

// CountError increases error counter for the given stage
func (m *Metrics) CountError(target, stage string) {
	m.totalErrors.With(prometheus.Labels{"target": target, "stage": stage}).Inc()
	m.backupSuccess.WithLabelValues(target).Set(0)
}

// CountDeletions adds the number of artifacts removed by a cleanup pass
func (m *Metrics) CountDeletions(target string, n int) {
	m.deletions.WithLabelValues(target).Add(float64(n))
}

// WriteToTextfile exports the metrics for the node exporter textfile collector
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
