package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	auditEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_service_entries_total",
		Help: "Audit entries recorded, by action",
	}, []string{"action"})

	auditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_service_write_failures_total",
		Help: "Primary audit writes that failed and fell back to a degraded record",
	})

	integrityChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_service_integrity_checks_total",
		Help: "Integrity verifications, by result (valid, invalid, error)",
	}, []string{"result"})

	verifyBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_service_verify_batch_duration_seconds",
		Help:    "Wall time of batch integrity verification",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	securityEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_service_security_events_total",
		Help: "Security events detected, by type and severity",
	}, []string{"type", "severity"})

	responsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_service_responses_total",
		Help: "Automated responses dispatched, by type and outcome",
	}, []string{"type", "outcome"})

	otpIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_service_otp_issued_total",
		Help: "One-time codes issued",
	})

	otpVerifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_service_otp_verifications_total",
		Help: "OTP verification attempts, by result",
	}, []string{"result"})

	mfaVerifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_service_mfa_verifications_total",
		Help: "MFA verification attempts, by result",
	}, []string{"result"})

	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_service_sessions_created_total",
		Help: "Sessions created",
	})

	redisCommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_service_redis_command_duration_seconds",
		Help:    "Latency of instrumented Redis operations",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"outcome"})

	shipperDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_service_shipper_dropped_total",
		Help: "Telemetry events dropped because the shipper buffer was full",
	})

	esBulkRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_service_es_bulk_requests_total",
		Help: "Bulk index requests to Elasticsearch, by outcome",
	}, []string{"outcome"})

	indexedDocsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_service_indexed_docs_total",
		Help: "Documents forwarded from Kafka to the search index, by kind",
	}, []string{"kind"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_service_http_request_duration_seconds",
		Help:    "Latency of handled HTTP requests, by method, route pattern, and status",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"method", "route", "status"})
)

// CountAuditEntry records one persisted audit entry.
func CountAuditEntry(action string) {
	auditEntriesTotal.WithLabelValues(action).Inc()
}

// CountAuditWriteFailure records a primary write failure.
func CountAuditWriteFailure() {
	auditWriteFailures.Inc()
}

// CountIntegrityCheck records one verification outcome.
func CountIntegrityCheck(result string) {
	integrityChecksTotal.WithLabelValues(result).Inc()
}

// ObserveVerifyBatch records the duration of a batch verification.
func ObserveVerifyBatch(d time.Duration) {
	verifyBatchDuration.Observe(d.Seconds())
}

// CountSecurityEvent records one detected security event.
func CountSecurityEvent(eventType, severity string) {
	securityEventsTotal.WithLabelValues(eventType, severity).Inc()
}

// CountResponse records one dispatched automated response.
func CountResponse(responseType, outcome string) {
	responsesTotal.WithLabelValues(responseType, outcome).Inc()
}

// CountOTPIssued records one issued code.
func CountOTPIssued() {
	otpIssuedTotal.Inc()
}

// CountOTPVerification records one OTP verification attempt.
func CountOTPVerification(result string) {
	otpVerifiedTotal.WithLabelValues(result).Inc()
}

// CountMFAVerification records one MFA verification attempt.
func CountMFAVerification(result string) {
	mfaVerifiedTotal.WithLabelValues(result).Inc()
}

// CountSessionCreated records one created session.
func CountSessionCreated() {
	sessionsCreatedTotal.Inc()
}

// ObserveRedisCommand records the latency of an instrumented Redis call.
func ObserveRedisCommand(d time.Duration, success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	redisCommandDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// CountShipperDrop records a telemetry event dropped on the floor.
func CountShipperDrop() {
	shipperDropped.Inc()
}

// CountESBulkRequest records one bulk index request outcome.
func CountESBulkRequest(outcome string) {
	esBulkRequests.WithLabelValues(outcome).Inc()
}

// CountIndexedDoc records one document forwarded by the indexer.
func CountIndexedDoc(kind string) {
	indexedDocsTotal.WithLabelValues(kind).Inc()
}

// ObserveHTTPRequest records one handled request. Route must be the
// router's pattern, not the raw path, to keep cardinality bounded.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
