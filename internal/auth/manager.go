// ABOUTME: AuthManager orchestrates caller checks, challenges, the whitelist, sessions, and the channel
// ABOUTME: Single entry point the call dispatcher uses before any privileged operation

package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/castellan-dev/castellan/internal/audit"
	"github.com/castellan-dev/castellan/internal/channel"
	"github.com/castellan-dev/castellan/internal/session"
	"github.com/castellan-dev/castellan/internal/whitelist"
)

// Capabilities advertised to the companion when a channel is established.
var Capabilities = []string{"control", "data", "rekey"}

// Params configures an AuthManager.
type Params struct {
	// Enabled turns the authentication gate on. When false every privileged
	// call is allowed and loudly logged (development bypass).
	Enabled bool

	// Attestation is what a key's attestation chain must assert.
	Attestation whitelist.Requirements
}

// Result is the outcome of an authenticate call.
type Result struct {
	Success             bool
	RequiresAttestation bool
	KeyID               string
}

// ChannelInfo describes the encrypted channel to the companion.
type ChannelInfo struct {
	ServerPublic  []byte
	SessionID     string
	KeyGeneration uint32
	Capabilities  []string
}

// Manager is the authentication core. One instance is constructed at startup
// and shared by reference with the call dispatcher; it is never reached
// through ambient globals. Each guarded resource keeps its own lock and no
// lock is held across a call into another component.
type Manager struct {
	params     Params
	keys       *whitelist.Whitelist
	sessions   *session.Manager
	caller     *CallerVerifier
	challenges *ChallengeIssuer
	audit      audit.Logger
	logger     *slog.Logger

	// mu guards the channel slot and the pending attestation key id.
	mu         sync.Mutex
	channel    *channel.Channel
	pendingKey string
}

// NewManager wires the auth core together.
func NewManager(params Params, keys *whitelist.Whitelist, sessions *session.Manager, caller *CallerVerifier, challenges *ChallengeIssuer, auditLog audit.Logger) *Manager {
	return &Manager{
		params:     params,
		keys:       keys,
		sessions:   sessions,
		caller:     caller,
		challenges: challenges,
		audit:      auditLog,
		logger:     slog.Default().With("component", "auth"),
	}
}

// GetChallenge issues a challenge nonce for the caller. Challenge issuance
// counts against the caller's rate-limit window.
func (m *Manager) GetChallenge(uid uint32, pid int32) ([]byte, error) {
	if err := m.caller.CheckCallerAllowed(uid, pid); err != nil {
		m.audit.LogEvent(audit.Event{
			Type: audit.EventAuthFailed, UID: uid, PID: pid,
			Detail: map[string]any{"stage": "challenge", "error": err.Error()},
		})
		return nil, err
	}
	nonce, err := m.challenges.GetChallenge(uid)
	if err != nil {
		m.auditFailure(uid, pid, "challenge issue failed", err)
		return nil, err
	}
	return nonce, nil
}

// Authenticate verifies a signature over the caller's outstanding challenge
// against the whitelist and, on success, binds a new session to the caller.
func (m *Manager) Authenticate(signature []byte, instanceID string, uid uint32, pid int32) (Result, error) {
	if err := m.caller.CheckCallerAllowed(uid, pid); err != nil {
		m.auditFailure(uid, pid, "caller rejected", err)
		return Result{}, err
	}

	// Taking the challenge out of the issuer makes verification exclusive:
	// a second overlapping authenticate for the same uid finds nothing.
	ch, err := m.challenges.TakeActive(uid)
	if err != nil {
		m.caller.RecordFailure(uid)
		if nonce, ok := m.challenges.ConsumedNonce(uid); ok {
			if _, merr := m.matchSignature(nonce, signature); merr == nil {
				m.auditFailure(uid, pid, "challenge replayed", errors.New("signature over an already consumed challenge"))
				return Result{}, fmt.Errorf("%w: challenge already consumed", ErrChallengeFailed)
			}
		}
		m.auditFailure(uid, pid, "challenge lookup failed", err)
		return Result{}, err
	}

	key, err := m.matchSignature(ch.Nonce, signature)
	if err != nil {
		m.challenges.Restore(ch)
		m.caller.RecordFailure(uid)
		m.auditFailure(uid, pid, "signature did not match any key", err)
		// Generic failure: do not reveal whether no key matched or a
		// signature was bad, to keep this endpoint from becoming a key
		// enumeration oracle.
		return Result{}, fmt.Errorf("%w: signature verification failed", ErrChallengeFailed)
	}

	if !m.sessions.CanReplace(uid) {
		m.challenges.Restore(ch)
		m.auditFailure(uid, pid, "session conflict", ErrSessionConflict)
		return Result{}, fmt.Errorf("%w: another client holds the active session", ErrSessionConflict)
	}

	m.challenges.MarkConsumed(ch)
	if err := m.keys.MarkUsed(key.KeyID); err != nil {
		m.logger.Warn("failed to update key usage", "key_id", key.KeyID, "error", err)
	}

	requiresAttestation := key.TrustStatus == whitelist.TrustPendingAttestation
	if requiresAttestation {
		m.keys.MarkPendingAttestation(key.KeyID)
	}

	m.sessions.Replace(instanceID, uid, key.KeyID)

	// A new session invalidates any channel derived from the old one.
	m.mu.Lock()
	m.channel = nil
	if requiresAttestation {
		m.pendingKey = key.KeyID
	} else {
		m.pendingKey = ""
	}
	m.mu.Unlock()

	m.audit.LogEvent(audit.Event{
		Type: audit.EventAuthSuccess, UID: uid, PID: pid,
		Detail: map[string]any{
			"key_id":               key.KeyID,
			"instance_id":          instanceID,
			"requires_attestation": requiresAttestation,
		},
	})
	m.logger.Info("authenticated",
		"uid", uid,
		"instance_id", instanceID,
		"key_id", key.KeyID,
		"requires_attestation", requiresAttestation,
	)

	return Result{Success: true, RequiresAttestation: requiresAttestation, KeyID: key.KeyID}, nil
}

// matchSignature finds the whitelisted key that verifies the signature over
// the nonce. Candidates are tried in ascending lexical key id order and the
// first verifying key wins; additional matches are logged as a warning
// because two keys verifying one signature should never happen.
func (m *Manager) matchSignature(nonce, signature []byte) (whitelist.Entry, error) {
	var matched *whitelist.Entry
	for _, cand := range m.keys.Candidates() {
		if err := cand.VerifySignature(nonce, signature); err != nil {
			continue
		}
		if matched == nil {
			c := cand
			matched = &c
			continue
		}
		m.logger.Warn("multiple keys verified the same signature",
			"selected", matched.KeyID,
			"also", cand.KeyID,
		)
	}
	if matched == nil {
		return whitelist.Entry{}, errors.New("no whitelisted key verified the signature")
	}
	return *matched, nil
}

// VerifyAttestation validates the attestation chain for the key recorded by
// the last authenticate that required attestation. A second call after a
// success returns NO_PENDING_ATTESTATION.
func (m *Manager) VerifyAttestation(chain [][]byte, uid uint32, pid int32) error {
	m.mu.Lock()
	keyID := m.pendingKey
	m.mu.Unlock()

	if keyID == "" {
		m.auditFailure(uid, pid, "no attestation pending", ErrNoPendingAttestation)
		return fmt.Errorf("%w: no attestation pending", ErrNoPendingAttestation)
	}

	err := m.keys.VerifyKeyAttestation(keyID, chain, m.params.Attestation)
	if err != nil {
		if errors.Is(err, whitelist.ErrNoPendingAttestation) {
			m.mu.Lock()
			m.pendingKey = ""
			m.mu.Unlock()
			m.auditFailure(uid, pid, "no attestation pending", err)
			return fmt.Errorf("%w: %s", ErrNoPendingAttestation, keyID)
		}

		// The key is now rejected; a rejected key cannot retry without
		// being re-provisioned.
		m.mu.Lock()
		m.pendingKey = ""
		m.mu.Unlock()

		m.audit.LogEvent(audit.Event{
			Type: audit.EventAttestationFailed, UID: uid, PID: pid, Violation: "ATTESTATION_FAILED",
			Detail: map[string]any{"key_id": keyID, "error": err.Error()},
		})
		m.audit.LogSecurityViolation("ATTESTATION_FAILED", uid, pid, map[string]any{"key_id": keyID})
		return fmt.Errorf("%w: %s", ErrAttestationFailed, err.Error())
	}

	m.mu.Lock()
	m.pendingKey = ""
	m.mu.Unlock()

	m.logger.Info("attestation verified", "key_id", keyID, "uid", uid)
	return nil
}

// CheckAuthenticated is the gate evaluated before every privileged call.
// All denial paths collapse to false; the caller only ever observes a
// generic unauthorized outcome.
func (m *Manager) CheckAuthenticated(method, instanceID string, uid uint32, pid int32) bool {
	if !m.params.Enabled {
		m.logger.Warn("AUTHENTICATION DISABLED - allowing privileged call", "method", method, "uid", uid)
		m.audit.LogEvent(audit.Event{Type: audit.EventAuthBypass, UID: uid, PID: pid, Method: method})
		return true
	}

	if err := m.caller.CheckCallerAllowed(uid, pid); err != nil {
		m.audit.LogAPIDenied(uid, pid, method)
		return false
	}

	sess, ok := m.sessions.GetActiveSession()
	if !ok {
		m.audit.LogAPIDenied(uid, pid, method)
		return false
	}

	if sess.ClientUID != uid {
		// Stronger signal than an ordinary auth failure: a live session
		// exists and someone else is trying to ride it.
		m.audit.LogSecurityViolation("UID_MISMATCH", uid, pid, map[string]any{
			"method":      method,
			"session_uid": sess.ClientUID,
		})
		return false
	}

	if !m.sessions.ValidateSession(instanceID, uid) {
		m.audit.LogAPIDenied(uid, pid, method)
		return false
	}

	m.sessions.UpdateSessionActivity(instanceID)
	return true
}

// CheckSession reports session state for the caller.
func (m *Manager) CheckSession(instanceID string, uid uint32) session.Status {
	return m.sessions.CheckSession(instanceID, uid)
}

// TeardownSession destroys the caller's session and any channel derived
// from it. Only the session owner may tear it down.
func (m *Manager) TeardownSession(instanceID string, uid uint32, pid int32) error {
	if !m.sessions.ValidateSession(instanceID, uid) {
		m.auditFailure(uid, pid, "teardown denied", ErrUnauthorized)
		return fmt.Errorf("%w: no matching session", ErrUnauthorized)
	}
	m.sessions.Clear()

	m.mu.Lock()
	m.channel = nil
	m.mu.Unlock()
	return nil
}

// InitCryptoChannel establishes the encrypted channel for the active
// session from the client's ephemeral public key. Any previous channel is
// replaced.
func (m *Manager) InitCryptoChannel(clientPub []byte, instanceID string, uid uint32, pid int32) (ChannelInfo, error) {
	if !m.sessions.ValidateSession(instanceID, uid) {
		m.auditFailure(uid, pid, "channel init denied", ErrUnauthorized)
		return ChannelInfo{}, fmt.Errorf("%w: no active session for caller", ErrUnauthorized)
	}

	sessionID := uuid.New().String()
	ch, err := channel.InitResponder(clientPub, sessionID)
	if err != nil {
		return ChannelInfo{}, fmt.Errorf("%w: %s", ErrHandshakeFailed, err.Error())
	}

	m.mu.Lock()
	m.channel = ch
	m.mu.Unlock()

	return ChannelInfo{
		ServerPublic:  ch.ServerPublicKey(),
		SessionID:     sessionID,
		KeyGeneration: ch.Generation(),
		Capabilities:  Capabilities,
	}, nil
}

// RotateChannelKeys re-keys the active channel with a fresh key agreement.
func (m *Manager) RotateChannelKeys(clientPub []byte) (ChannelInfo, error) {
	ch, err := m.activeChannel()
	if err != nil {
		return ChannelInfo{}, err
	}
	if err := ch.RotateKeys(clientPub); err != nil {
		return ChannelInfo{}, fmt.Errorf("%w: %s", ErrHandshakeFailed, err.Error())
	}
	return ChannelInfo{
		ServerPublic:  ch.ServerPublicKey(),
		SessionID:     ch.SessionID(),
		KeyGeneration: ch.Generation(),
		Capabilities:  Capabilities,
	}, nil
}

// DecryptMessage opens an incoming message on the given plane.
func (m *Manager) DecryptMessage(plane channel.Plane, message []byte) ([]byte, error) {
	ch, err := m.activeChannel()
	if err != nil {
		return nil, err
	}
	plaintext, err := ch.Decrypt(plane, message)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecryptFailed, err.Error())
	}
	return plaintext, nil
}

// EncryptMessage seals an outgoing message on the given plane.
func (m *Manager) EncryptMessage(plane channel.Plane, plaintext []byte) ([]byte, error) {
	ch, err := m.activeChannel()
	if err != nil {
		return nil, err
	}
	return ch.Encrypt(plane, plaintext)
}

// activeChannel returns the current channel or ErrChannelNotReady.
func (m *Manager) activeChannel() (*channel.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel == nil {
		return nil, fmt.Errorf("%w: no channel established", ErrChannelNotReady)
	}
	return m.channel, nil
}

// ReloadWhitelist rescans the key directory without dropping the active
// session. Wired to SIGHUP by the daemon.
func (m *Manager) ReloadWhitelist() error {
	return m.keys.Reload()
}

// auditFailure mirrors an authentication failure to the audit log.
func (m *Manager) auditFailure(uid uint32, pid int32, stage string, err error) {
	m.audit.LogEvent(audit.Event{
		Type: audit.EventAuthFailed, UID: uid, PID: pid,
		Detail: map[string]any{"stage": stage, "error": err.Error()},
	})
}
