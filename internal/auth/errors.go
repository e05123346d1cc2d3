// ABOUTME: Typed error taxonomy for the auth core
// ABOUTME: Every failure carries a wire code, a category, and recoverability

package auth

import (
	"fmt"
)

// Category groups failures by how they are handled.
type Category string

const (
	// CategoryAuthentication covers challenge, signature, and session
	// errors. Generally recoverable by re-running the handshake.
	CategoryAuthentication Category = "authentication"

	// CategorySecurity covers uid mismatch, key tampering, and attestation
	// mismatch. Requires operator attention and is always audited.
	CategorySecurity Category = "security"

	// CategoryCrypto covers handshake and encrypt/decrypt failures. A
	// decrypt failure on one message is recoverable by discarding the
	// message; a handshake-init failure is not.
	CategoryCrypto Category = "crypto"
)

// Code is the caller-visible failure code.
type Code string

const (
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodePubkeyNotLoaded      Code = "PUBKEY_NOT_LOADED"
	CodeChallengeFailed      Code = "AUTH_CHALLENGE_FAILED"
	CodeSessionConflict      Code = "AUTH_SESSION_CONFLICT"
	CodeSessionExpired       Code = "SESSION_EXPIRED"
	CodeNoPendingAttestation Code = "NO_PENDING_ATTESTATION"
	CodeAttestationFailed    Code = "ATTESTATION_FAILED"
	CodeUIDMismatch          Code = "UID_MISMATCH"
	CodeHandshakeFailed      Code = "CRYPTO_HANDSHAKE_FAILED"
	CodeDecryptFailed        Code = "CRYPTO_DECRYPT_FAILED"
	CodeChannelNotReady      Code = "CHANNEL_NOT_READY"
)

// Error is a typed auth failure. The core returns these instead of raising
// across the call boundary; Recoverable tells the client whether to retry
// the same flow or restart authentication from scratch.
type Error struct {
	Code        Code
	Category    Category
	Recoverable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s)", string(e.Code), string(e.Category))
}

// Is matches any *Error with the same code, so wrapped failures compare
// against the sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinel failures. Wrap with fmt.Errorf("%w: ...") to add context.
var (
	ErrRateLimited          = &Error{CodeRateLimited, CategoryAuthentication, true}
	ErrUnauthorized         = &Error{CodeUnauthorized, CategoryAuthentication, false}
	ErrPubkeyNotLoaded      = &Error{CodePubkeyNotLoaded, CategoryAuthentication, false}
	ErrChallengeFailed      = &Error{CodeChallengeFailed, CategoryAuthentication, true}
	ErrSessionConflict      = &Error{CodeSessionConflict, CategoryAuthentication, true}
	ErrSessionExpired       = &Error{CodeSessionExpired, CategoryAuthentication, true}
	ErrNoPendingAttestation = &Error{CodeNoPendingAttestation, CategoryAuthentication, false}
	ErrAttestationFailed    = &Error{CodeAttestationFailed, CategorySecurity, false}
	ErrUIDMismatch          = &Error{CodeUIDMismatch, CategorySecurity, false}
	ErrHandshakeFailed      = &Error{CodeHandshakeFailed, CategoryCrypto, false}
	ErrDecryptFailed        = &Error{CodeDecryptFailed, CategoryCrypto, true}
	ErrChannelNotReady      = &Error{CodeChannelNotReady, CategoryCrypto, true}
)
