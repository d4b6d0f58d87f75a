package internaldefs

import (
	"github.com/Mathchety/gastosauth"
)

// CounterDef names one counter for every exporter.
type CounterDef struct {
	ID   gastosauth.MetricID
	Name string
	Help string
}

// HistogramDef names one latency histogram for every exporter.
type HistogramDef struct {
	ID   gastosauth.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: gastosauth.MetricLoginSuccess, Name: "gastosauth_login_success_total", Help: "Successful logins."},
	{ID: gastosauth.MetricLoginFailure, Name: "gastosauth_login_failure_total", Help: "Failed logins."},
	{ID: gastosauth.MetricRegisterSuccess, Name: "gastosauth_register_success_total", Help: "Successful registrations."},
	{ID: gastosauth.MetricRegisterFailure, Name: "gastosauth_register_failure_total", Help: "Failed registrations."},
	{ID: gastosauth.MetricRefreshSuccess, Name: "gastosauth_refresh_success_total", Help: "Refresh flights that obtained a new access token."},
	{ID: gastosauth.MetricRefreshFailure, Name: "gastosauth_refresh_failure_total", Help: "Refresh flights that failed."},
	{ID: gastosauth.MetricRefreshRotated, Name: "gastosauth_refresh_rotated_total", Help: "Refreshes where the backend rotated the refresh token."},
	{ID: gastosauth.MetricPromptRecoverable, Name: "gastosauth_prompt_recoverable_total", Help: "Retry-or-dismiss prompts shown."},
	{ID: gastosauth.MetricPromptReauthenticate, Name: "gastosauth_prompt_reauthenticate_total", Help: "Log-in-again prompts shown."},
	{ID: gastosauth.MetricPromptSuppressed, Name: "gastosauth_prompt_suppressed_total", Help: "Refresh failures swallowed while a prompt was visible."},
	{ID: gastosauth.MetricLogout, Name: "gastosauth_logout_total", Help: "User-initiated logouts."},
	{ID: gastosauth.MetricForcedLogout, Name: "gastosauth_forced_logout_total", Help: "Sessions invalidated by the client."},
	{ID: gastosauth.MetricStartupAuthenticated, Name: "gastosauth_startup_authenticated_total", Help: "Startups that ended authenticated."},
	{ID: gastosauth.MetricStartupUnauthenticated, Name: "gastosauth_startup_unauthenticated_total", Help: "Startups that ended unauthenticated."},
	{ID: gastosauth.MetricAutoLoginSuccess, Name: "gastosauth_auto_login_success_total", Help: "Successful logins with remembered credentials."},
	{ID: gastosauth.MetricAutoLoginFailure, Name: "gastosauth_auto_login_failure_total", Help: "Failed logins with remembered credentials."},
	{ID: gastosauth.MetricRequestNetworkError, Name: "gastosauth_request_network_error_total", Help: "Requests that got no HTTP response."},
}

var HistogramDefs = []HistogramDef{
	{ID: gastosauth.MetricRequestLatency, Name: "gastosauth_request_latency_seconds", Help: "Backend request latency."},
	{ID: gastosauth.MetricRefreshLatency, Name: "gastosauth_refresh_latency_seconds", Help: "Refresh flight latency."},
}

// HistogramBounds are the upper bounds of the first seven buckets in seconds. The
// eighth bucket is +Inf.
var HistogramBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names every bucket, +Inf included, for exporters that flatten
// buckets into gauges.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, padding or truncating to 8.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
