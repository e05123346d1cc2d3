// Package audit records security-relevant events emitted by the auth core.
//
// Events are written synchronously from within the core so no
// security-relevant event is silently dropped, but sinks are best-effort:
// a failed write is logged via slog and never fails the auth operation that
// produced it.
//
// Two sinks are provided: SQLiteLog persists events to an append-only
// security_events table for operator review, and MemoryLog keeps them in
// memory for tests.
package audit
