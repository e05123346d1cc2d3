// ABOUTME: Security audit event types and the logger interface used by the auth core
// ABOUTME: Events are fire-and-forget; sink failures never propagate to callers

package audit

import (
	"time"
)

// EventType classifies a security audit event.
type EventType string

const (
	EventAuthSuccess       EventType = "auth_success"
	EventAuthFailed        EventType = "auth_failed"
	EventAPIDenied         EventType = "api_denied"
	EventSecurityViolation EventType = "security_violation"
	EventAttestationFailed EventType = "attestation_failed"
	EventKeyRevoked        EventType = "key_revoked"
	EventAuthBypass        EventType = "auth_bypass"
)

// ValidEventTypes lists all valid event types.
var ValidEventTypes = []EventType{
	EventAuthSuccess,
	EventAuthFailed,
	EventAPIDenied,
	EventSecurityViolation,
	EventAttestationFailed,
	EventKeyRevoked,
	EventAuthBypass,
}

// Event represents a single security audit entry.
type Event struct {
	ID        string         // UUID v4
	Type      EventType      // what happened
	UID       uint32         // caller uid, 0 when not applicable
	PID       int32          // caller pid, 0 when not applicable
	Method    string         // RPC method involved, if any
	Violation string         // violation kind for security_violation events (e.g. "UID_MISMATCH")
	Timestamp time.Time      // when it happened
	Detail    map[string]any // additional context (max 64KB JSON)
}

// Filter specifies filtering options for listing audit events.
type Filter struct {
	Since *time.Time // events after this time
	Until *time.Time // events before this time
	Type  *EventType // filter by event type
	UID   *uint32    // filter by caller uid
	Limit int        // max results (default 100, max 1000)
}

// Logger receives security events from the auth core. Implementations must be
// safe for concurrent use and must never block the calling auth operation on
// a downstream failure: a failed write is logged and dropped.
type Logger interface {
	// LogEvent records an arbitrary security event.
	LogEvent(e Event)

	// LogAPIDenied records a denied privileged call.
	LogAPIDenied(uid uint32, pid int32, method string)

	// LogSecurityViolation records a violation that warrants operator
	// attention (uid mismatch, key tampering, attestation mismatch).
	LogSecurityViolation(violation string, uid uint32, pid int32, detail map[string]any)
}
