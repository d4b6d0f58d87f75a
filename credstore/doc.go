// Package credstore persists the client's credentials and tokens.
//
// Two [Store] instances back a [Vault]: a plaintext store for flags and non-sensitive
// values, and a secure store for the remembered password and the token pair. A secure
// store is any Store wrapped in a [SealedStore], which encrypts every value with
// XChaCha20-Poly1305 under a key derived with Argon2id.
//
// [MemoryStore] is process-local; [RedisStore] survives restarts of the client process.
//
// # What this package must NOT do
//
//   - Decide whether a session is authenticated.
//   - Write the password to the plaintext store.
//   - Import gastosauth or session.
package credstore
