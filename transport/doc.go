// Package transport issues JSON requests against the backend and owns the single hook
// where a rejected access token is recovered.
//
// Authenticated requests read a fresh token snapshot from a [TokenSource] before every
// attempt. A 401 triggers one refresh through the source and exactly one retry; callers
// that set [Request.NoAutoRefresh] get [ErrUnauthorized] immediately.
//
// # What this package must NOT do
//
//   - Keep its own copy of the token pair between requests.
//   - Retry anything other than a single 401.
//   - Import gastosauth or session.
package transport
