// ABOUTME: Whitelisted public key entry with trust-status lifecycle
// ABOUTME: Key id is the SHA-256 content hash of the raw public key bytes

package whitelist

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// TrustStatus is the lifecycle stage of a whitelisted key.
type TrustStatus string

const (
	// TrustPendingAttestation marks a freshly provisioned key awaiting
	// hardware attestation. It may authenticate, but every success is
	// flagged requires_attestation until the chain is verified.
	TrustPendingAttestation TrustStatus = "pending_attestation"

	// TrustTrusted marks a key whose attestation chain verified.
	TrustTrusted TrustStatus = "trusted"

	// TrustRejected marks a key whose attestation failed. Terminal: the key
	// must be re-provisioned to retry.
	TrustRejected TrustStatus = "rejected"

	// TrustLegacy marks a key imported without attestation. Terminal and
	// usable.
	TrustLegacy TrustStatus = "legacy"
)

// Algorithm identifies the signature algorithm of a whitelisted key.
type Algorithm string

const (
	// AlgorithmEd25519 keys are 32 raw bytes; signatures are 64 raw bytes
	// over the challenge nonce.
	AlgorithmEd25519 Algorithm = "ed25519"

	// AlgorithmECDSAP256 keys are DER-encoded PKIX; signatures are ASN.1
	// DER over the SHA-256 of the challenge nonce. This is the form
	// hardware-backed keys arrive in.
	AlgorithmECDSAP256 Algorithm = "ecdsa-p256"
)

// SecurityLevel is the attested execution environment of a key.
type SecurityLevel int

const (
	SecurityLevelSoftware  SecurityLevel = 0
	SecurityLevelTEE       SecurityLevel = 1
	SecurityLevelStrongBox SecurityLevel = 2
)

// String returns the config-facing name of the security level.
func (s SecurityLevel) String() string {
	switch s {
	case SecurityLevelSoftware:
		return "software"
	case SecurityLevelTEE:
		return "tee"
	case SecurityLevelStrongBox:
		return "strongbox"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseSecurityLevel converts a config name to a SecurityLevel.
func ParseSecurityLevel(name string) (SecurityLevel, error) {
	switch name {
	case "software":
		return SecurityLevelSoftware, nil
	case "tee":
		return SecurityLevelTEE, nil
	case "strongbox":
		return SecurityLevelStrongBox, nil
	default:
		return 0, fmt.Errorf("unknown security level %q", name)
	}
}

// AttestationMetadata records the outcome of attestation verification.
type AttestationMetadata struct {
	Verified        bool          `json:"verified"`
	PackageName     string        `json:"package_name,omitempty"`
	SignatureDigest string        `json:"signature_digest,omitempty"`
	SecurityLevel   SecurityLevel `json:"security_level"`
	VerifiedAt      *time.Time    `json:"verified_at,omitempty"`
}

// Entry is a whitelisted public key.
type Entry struct {
	KeyID       string              `json:"key_id"`
	PublicKey   []byte              `json:"public_key"`
	Algorithm   Algorithm           `json:"algorithm"`
	CreatedAt   time.Time           `json:"created_at"`
	LastUsedAt  *time.Time          `json:"last_used_at,omitempty"`
	TrustStatus TrustStatus         `json:"trust_status"`
	Attestation AttestationMetadata `json:"attestation"`
	IsActive    bool                `json:"is_active"`
}

// KeyID computes the content hash of a public key: lowercase hex SHA-256 of
// the raw key bytes.
func KeyID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// CanAuthenticate reports whether the key may currently be used to
// authenticate: active and either trusted or legacy.
func (e *Entry) CanAuthenticate() bool {
	return e.IsActive && (e.TrustStatus == TrustTrusted || e.TrustStatus == TrustLegacy)
}

// IsCandidate reports whether the key participates in signature matching
// during authenticate: usable keys plus pending-attestation keys, which may
// authenticate but are flagged requires_attestation.
func (e *Entry) IsCandidate() bool {
	return e.IsActive && (e.TrustStatus == TrustTrusted ||
		e.TrustStatus == TrustLegacy ||
		e.TrustStatus == TrustPendingAttestation)
}

// VerifySignature checks a signature over message using the entry's declared
// algorithm.
func (e *Entry) VerifySignature(message, signature []byte) error {
	switch e.Algorithm {
	case AlgorithmEd25519:
		if len(e.PublicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("ed25519 key %s has %d bytes, want %d", e.KeyID, len(e.PublicKey), ed25519.PublicKeySize)
		}
		if !ed25519.Verify(ed25519.PublicKey(e.PublicKey), message, signature) {
			return errors.New("ed25519 signature verification failed")
		}
		return nil

	case AlgorithmECDSAP256:
		pub, err := parseECDSAP256(e.PublicKey)
		if err != nil {
			return err
		}
		digest := sha256.Sum256(message)
		if !ecdsa.VerifyASN1(pub, digest[:], signature) {
			return errors.New("ecdsa signature verification failed")
		}
		return nil

	default:
		return fmt.Errorf("unsupported algorithm %q", e.Algorithm)
	}
}

// MatchesCertificateKey reports whether the given certificate public key is
// the same key as this entry. Used to bind an attestation chain's leaf to
// the whitelisted key it claims to attest.
func (e *Entry) MatchesCertificateKey(certPub any) bool {
	switch e.Algorithm {
	case AlgorithmEd25519:
		pub, ok := certPub.(ed25519.PublicKey)
		return ok && bytes.Equal(pub, e.PublicKey)
	case AlgorithmECDSAP256:
		pub, ok := certPub.(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return false
		}
		return bytes.Equal(der, e.PublicKey)
	default:
		return false
	}
}

// parseECDSAP256 parses DER-encoded PKIX bytes into a P-256 ECDSA key.
func parseECDSAP256(der []byte) (*ecdsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing ecdsa public key: %w", err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not *ecdsa.PublicKey", key)
	}
	if pub.Curve.Params().Name != "P-256" {
		return nil, fmt.Errorf("unsupported curve %s", pub.Curve.Params().Name)
	}
	return pub, nil
}

// validateKeyMaterial checks that raw key bytes are plausible for the
// declared algorithm before an entry is created.
func validateKeyMaterial(raw []byte, alg Algorithm) error {
	switch alg {
	case AlgorithmEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("ed25519 key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
		}
		return nil
	case AlgorithmECDSAP256:
		_, err := parseECDSAP256(raw)
		return err
	default:
		return fmt.Errorf("unsupported algorithm %q", alg)
	}
}
