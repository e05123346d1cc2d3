// Package channel layers a forward-secret encrypted channel on top of the
// already-privileged companion transport.
//
// A channel is created by InitResponder once a session is authenticated:
// the daemon and the companion each contribute an ephemeral X25519 key, and
// the agreed secret is expanded with HKDF-SHA256 (salted by the session id)
// into a root key feeding two independent symmetric ratchets, one for the
// control plane and one for the data plane. Each message consumes a fresh
// key derived from the advancing chain key and carries a monotonically
// increasing counter; the receiver rejects any counter at or below the last
// accepted one.
//
// RotateKeys re-runs the key agreement and mixes the new secret into the
// root key, resetting both planes' counters and bumping the generation
// counter the companion can observe. The daemon never forces a rotation
// cadence.
//
// All operations on one channel are serialized by a single lock because the
// ratchet state mutates non-idempotently.
package channel
