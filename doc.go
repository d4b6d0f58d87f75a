// Package gastosauth is the authenticated-session core of the expense-tracker client.
//
// A [Client] owns the access/refresh token lifecycle: login and registration, silent
// renewal on a timer, single-flight refresh when concurrent requests see an expired
// token, and the escalation from a recoverable "retry or dismiss" prompt to a mandatory
// re-login. Rendering is left to the caller through [Prompter] and [StateListener].
//
// # Architecture boundaries
//
// The root package orchestrates. Token state and the refresh protocol live in
// session, HTTP and the status taxonomy in transport, durable storage in credstore.
// None of those import the root package.
//
// # What this package must NOT do
//
//   - Present UI itself; prompts are returned as [Outcome] values from the Prompter.
//   - Hold a second copy of the token pair; the session manager is the only owner.
//   - Return an error from Logout.
package gastosauth
