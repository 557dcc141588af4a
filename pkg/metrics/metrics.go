// Package metrics provides Prometheus metrics for backup orchestration.
package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics
var (
	// BackupCount tracks backup jobs reaching a terminal state
	BackupCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drguard_backup_total",
		Help: "The total number of backup jobs executed",
	}, []string{"type", "status"})

	// BackupDuration measures time taken by backup strategies
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drguard_backup_duration_seconds",
		Help:    "Time taken to execute a backup job",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"type"})

	// BackupSize tracks size of the latest artifact per configuration
	BackupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drguard_backup_size_bytes",
		Help: "Size of the latest backup artifact in bytes",
	}, []string{"type", "config"})

	// LastBackupTimestamp records timestamp of the last successful backup
	LastBackupTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drguard_backup_last_timestamp",
		Help: "Timestamp of the last successful backup",
	}, []string{"config"})

	// RetentionDeletes counts jobs removed by the retention sweep
	RetentionDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drguard_retention_deletions_total",
		Help: "The total number of backups deleted by retention policy",
	}, []string{"status"})

	// VerificationCount tracks verification passes by result
	VerificationCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drguard_verification_total",
		Help: "The total number of backup verifications",
	}, []string{"status", "checksum", "integrity"})

	// RestoreTestTeardownFailures counts throwaway databases that could not be dropped
	RestoreTestTeardownFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drguard_restore_test_teardown_failures_total",
		Help: "The total number of restore-test databases left behind after a failed teardown",
	})

	// RecoveryCount tracks recovery jobs reaching a terminal state
	RecoveryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drguard_recovery_total",
		Help: "The total number of recovery jobs executed",
	}, []string{"type", "status"})

	// RecoveryDuration measures time taken by recovery strategies
	RecoveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drguard_recovery_duration_seconds",
		Help:    "Time taken to execute a recovery job",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"type"})

	// RetriesScheduled counts delayed re-submissions of failed jobs
	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drguard_retries_scheduled_total",
		Help: "The total number of backup retries scheduled",
	})

	// SchedulerTicks counts trigger fires by outcome
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drguard_scheduler_ticks_total",
		Help: "The total number of scheduler trigger fires",
	}, []string{"outcome"})

	// RegisteredTriggers reports the number of live triggers
	RegisteredTriggers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drguard_scheduler_triggers",
		Help: "Number of registered backup triggers",
	})

	// S3UploadCount tracks the total number of S3 uploads performed
	S3UploadCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drguard_s3_upload_total",
		Help: "The total number of S3 uploads performed",
	}, []string{"status"})

	// S3UploadDuration measures time taken to upload an artifact to S3
	S3UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drguard_s3_upload_duration_seconds",
		Help:    "Time taken to upload an artifact to S3",
		Buckets: prometheus.DefBuckets,
	})
)

// NewHandler returns the HTTP handler for metrics and health check endpoints
func NewHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// StartMetricsServer starts the HTTP server for metrics and health check endpoints
func StartMetricsServer(port string) *http.Server {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      NewHandler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting metrics server on port %s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()
	return server
}
