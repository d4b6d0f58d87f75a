// Package session owns the client-side token state of an authenticated session.
//
// A [Manager] holds the access/refresh token pair in memory, persists it through a
// [Persister], and runs the refresh protocol: concurrent callers share one in-flight
// refresh, a periodic timer renews proactively, and every failed refresh is reported to
// a single registered [FailureHandler].
//
// # Failure escalation
//
// [Escalation] tracks how many refresh failures happened in the current cycle and whether
// a prompt is currently shown. It never renders anything; it only tells the handler which
// [Prompt] to present and records the [Outcome] the user picked.
//
// # What this package must NOT do
//
//   - Import gastosauth, transport, or credstore (no upward imports).
//   - Present UI or decide to log out on its own.
//   - Hand out the token pair by reference; only copies leave the Manager.
package session
