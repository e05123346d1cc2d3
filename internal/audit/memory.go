// ABOUTME: In-memory audit sink for tests and bring-up
// ABOUTME: Records events in a bounded slice guarded by a mutex

package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog is an in-memory Logger implementation. It keeps at most maxSize
// events, discarding the oldest when full.
type MemoryLog struct {
	mu      sync.Mutex
	events  []Event
	maxSize int
}

// NewMemoryLog creates a memory sink holding up to maxSize events.
func NewMemoryLog(maxSize int) *MemoryLog {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &MemoryLog{maxSize: maxSize}
}

// LogEvent records a security event.
func (l *MemoryLog) LogEvent(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) >= l.maxSize {
		l.events = l.events[1:]
	}
	l.events = append(l.events, e)
}

// LogAPIDenied records a denied privileged call.
func (l *MemoryLog) LogAPIDenied(uid uint32, pid int32, method string) {
	l.LogEvent(Event{Type: EventAPIDenied, UID: uid, PID: pid, Method: method})
}

// LogSecurityViolation records a security violation event.
func (l *MemoryLog) LogSecurityViolation(violation string, uid uint32, pid int32, detail map[string]any) {
	l.LogEvent(Event{Type: EventSecurityViolation, UID: uid, PID: pid, Violation: violation, Detail: detail})
}

// Events returns a copy of the recorded events in order.
func (l *MemoryLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// ByType returns recorded events of the given type.
func (l *MemoryLog) ByType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
