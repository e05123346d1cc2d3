// ABOUTME: Single-slot session manager binding the authenticated companion to its identity
// ABOUTME: Sliding idle expiry observed lazily via timestamp comparison, no timers

package session

import (
	"log/slog"
	"sync"
	"time"
)

// Session is the currently authenticated companion binding. One session is
// active at a time (single foreground client); its ClientUID is fixed for
// the session's lifetime.
type Session struct {
	InstanceID   string
	ClientUID    uint32
	KeyID        string // whitelist key that authenticated this session
	CreatedAt    time.Time
	LastActivity time.Time
}

// Status is the answer to a checkSession call.
type Status struct {
	HasActiveSession bool
	IsOwnSession     bool
	RemainingMS      int64
}

// Manager tracks the single active session. All methods are safe for
// concurrent use; the lock is never held while calling into another
// component.
type Manager struct {
	mu      sync.Mutex
	current *Session
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time // injectable clock for tests
}

// NewManager creates a session manager with the given idle timeout.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		timeout: timeout,
		logger:  slog.Default().With("component", "session"),
		now:     time.Now,
	}
}

// expiredLocked reports whether the current session has idled out.
// Must be called with mu held.
func (m *Manager) expiredLocked() bool {
	return m.current != nil && m.now().Sub(m.current.LastActivity) >= m.timeout
}

// GetActiveSession returns a copy of the current unexpired session, if any.
func (m *Manager) GetActiveSession() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.expiredLocked() {
		return Session{}, false
	}
	return *m.current, true
}

// Replace installs a new session for the given identity, displacing any
// previous one. The caller is responsible for conflict policy; see
// CanReplace.
func (m *Manager) Replace(instanceID string, uid uint32, keyID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.current != nil {
		m.logger.Info("replacing session",
			"old_instance", m.current.InstanceID,
			"old_uid", m.current.ClientUID,
			"new_instance", instanceID,
		)
	}
	m.current = &Session{
		InstanceID:   instanceID,
		ClientUID:    uid,
		KeyID:        keyID,
		CreatedAt:    now,
		LastActivity: now,
	}
	return *m.current
}

// CanReplace reports whether a new session for uid may be installed. An
// unexpired session held by a different uid blocks replacement (session
// conflict); an expired session or one owned by the same uid does not.
func (m *Manager) CanReplace(uid uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.expiredLocked() {
		return true
	}
	return m.current.ClientUID == uid
}

// CheckSession reports session state for the given caller identity.
// IsOwnSession requires both uid and instance id to match.
func (m *Manager) CheckSession(instanceID string, uid uint32) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.expiredLocked() {
		return Status{}
	}

	remaining := m.timeout - m.now().Sub(m.current.LastActivity)
	return Status{
		HasActiveSession: true,
		IsOwnSession:     m.current.InstanceID == instanceID && m.current.ClientUID == uid,
		RemainingMS:      remaining.Milliseconds(),
	}
}

// ValidateSession returns true only if an unexpired session exists and both
// the instance id and uid match exactly. No hierarchical or partial matching.
func (m *Manager) ValidateSession(instanceID string, uid uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.expiredLocked() {
		return false
	}
	return m.current.InstanceID == instanceID && m.current.ClientUID == uid
}

// UpdateSessionActivity resets the idle clock for the session owning
// instanceID. Called after every authenticated privileged operation.
func (m *Manager) UpdateSessionActivity(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.InstanceID != instanceID {
		return
	}
	m.current.LastActivity = m.now()
}

// Clear tears down the current session, if any.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.logger.Info("session cleared", "instance", m.current.InstanceID, "uid", m.current.ClientUID)
		m.current = nil
	}
}

// SetClock overrides the manager's clock. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
