// Package whitelist stores the public keys authorized to authenticate
// against the daemon, together with the trust state built up through
// hardware attestation.
//
// # Trust state machine
//
//	pending_attestation → trusted   (attestation chain verified)
//	pending_attestation → rejected  (verification failed; terminal)
//	legacy                          (imported without attestation; terminal, usable)
//
// A key may authenticate when it is active and trusted or legacy. A
// pending_attestation key may also authenticate, but every success is
// flagged as requiring attestation until its chain verifies.
//
// # Persistence
//
// Each key is one JSON file named <key_id>.json in a root-owned directory.
// Files are written atomically (temp + rename) with 0600 permissions.
// Unknown JSON fields are tolerated on read so the format can evolve, and
// Reload rescans the directory without disturbing any active session.
package whitelist
