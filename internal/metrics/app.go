package metrics

import (
	"time"

	"github.com/grokgate/grokgate/internal/observability"
)

// Proxy metrics following Prometheus conventions
var (
	// Quota pool metrics
	QuotaAcquisitionsTotal = "quota_acquisitions_total"
	QuotaRecoveriesTotal   = "quota_recoveries_total"
	CredentialsAvailable   = "credentials_available"

	// Upstream metrics
	UpstreamRequestsTotal   = "upstream_requests_total"
	UpstreamFailuresTotal   = "upstream_failures_total"
	UpstreamRequestDuration = "upstream_request_duration_ms"

	// Completion metrics
	CompletionsTotal = "completions_total"

	// Health check metrics
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
)

// RecordAcquisition records a quota pool acquisition attempt.
// mode is "named" or "any"; outcome is "granted" or "denied".
func RecordAcquisition(mode string, granted bool) {
	outcome := "granted"
	if !granted {
		outcome = "denied"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			QuotaAcquisitionsTotal,
			1,
			map[string]string{
				"mode":    mode,
				"outcome": outcome,
			},
		)
	}
}

// RecordRecovery records a credential returning to full quota
func RecordRecovery() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			QuotaRecoveriesTotal,
			1,
			nil,
		)
	}
}

// SetCredentialsAvailable sets the number of credentials with quota left
func SetCredentialsAvailable(count int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			CredentialsAvailable,
			float64(count),
			nil,
		)
	}
}

// RecordUpstreamRequest records one upstream call and how long it took to
// produce response headers.
func RecordUpstreamRequest(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			UpstreamRequestsTotal,
			1,
			map[string]string{
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			UpstreamRequestDuration,
			duration,
			nil,
		)
	}
}

// RecordUpstreamFailure records an upstream failure by kind
// (transport, status, backend, invalid_credential).
func RecordUpstreamFailure(kind string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			UpstreamFailuresTotal,
			1,
			map[string]string{
				"kind": kind,
			},
		)
	}
}

// RecordCompletion records a finished chat completion.
// outcome is "completed", "failed" or "client_abort".
func RecordCompletion(stream bool, outcome string) {
	mode := "json"
	if stream {
		mode = "sse"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			CompletionsTotal,
			1,
			map[string]string{
				"mode":    mode,
				"outcome": outcome,
			},
		)
	}
}

// RecordHealthCheck records one checker run. status is "healthy",
// "degraded", "unhealthy" or "timeout".
func RecordHealthCheck(checkName string, status string, duration time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{
				"check": checkName,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}
