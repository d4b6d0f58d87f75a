// Package jwt reads access-token claims on the client and signs tokens for the test
// backend.
//
// [ExpiresAt] and [ExpiresWithin] inspect a token without verifying it; the client uses
// them only to schedule a refresh before the server would reject the token. [Manager]
// issues and verifies tokens with Ed25519 or HS256 keys.
package jwt
