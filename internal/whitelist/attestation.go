// ABOUTME: Hardware key attestation chain verification
// ABOUTME: Parses the Android key-attestation X.509 extension and enforces package, signer, and security level

package whitelist

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// attestationExtensionOID identifies the Android key-attestation extension
// in the leaf certificate.
var attestationExtensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 1, 17}

// attestationApplicationIDTag is the AuthorizationList tag carrying the
// asserted application identity.
const attestationApplicationIDTag = 709

// Requirements is what an attestation chain must assert to be accepted.
type Requirements struct {
	// PackageName the leaf must assert.
	PackageName string
	// SignatureDigest is the expected hex SHA-256 digest of the app's
	// signing certificate.
	SignatureDigest string
	// MinSecurityLevel the attested key must meet (≥ TEE in production).
	MinSecurityLevel SecurityLevel
	// Roots, when non-nil, is the pool of trusted attestation root
	// certificates the chain must terminate in.
	Roots *x509.CertPool
}

// Result carries the verified attestation facts recorded on the key entry.
type Result struct {
	PackageName     string
	SignatureDigest string
	SecurityLevel   SecurityLevel
}

// keyDescription mirrors the attestation extension's KeyDescription ASN.1
// sequence, up to the two authorization lists which are walked manually.
type keyDescription struct {
	AttestationVersion       int
	AttestationSecurityLevel asn1.Enumerated
	KeymasterVersion         int
	KeymasterSecurityLevel   asn1.Enumerated
	AttestationChallenge     []byte
	UniqueID                 []byte
	SoftwareEnforced         asn1.RawValue
	TEEEnforced              asn1.RawValue
}

// attestationPackageInfo is one asserted package in the application id.
type attestationPackageInfo struct {
	PackageName []byte
	Version     int64
}

// attestationApplicationID is the DER payload of the tag-709 entry.
type attestationApplicationID struct {
	PackageInfos     []attestationPackageInfo `asn1:"set"`
	SignatureDigests [][]byte                 `asn1:"set"`
}

// verifyChain validates a leaf-first DER certificate chain against the
// whitelisted entry and the configured requirements. It checks chain
// signatures, binds the leaf key to the whitelisted key material, and
// enforces the asserted application identity and security level.
func verifyChain(chain [][]byte, e *Entry, req Requirements) (*Result, error) {
	if len(chain) < 2 {
		return nil, fmt.Errorf("attestation chain has %d certificates, need at least 2", len(chain))
	}

	certs := make([]*x509.Certificate, len(chain))
	for i, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate %d: %w", i, err)
		}
		certs[i] = cert
	}

	// Each certificate must be signed by its successor.
	for i := 0; i < len(certs)-1; i++ {
		if err := certs[i].CheckSignatureFrom(certs[i+1]); err != nil {
			return nil, fmt.Errorf("certificate %d not signed by certificate %d: %w", i, i+1, err)
		}
	}

	// The chain must terminate in a configured root, when roots are pinned.
	if req.Roots != nil {
		last := certs[len(certs)-1]
		if _, err := last.Verify(x509.VerifyOptions{Roots: req.Roots}); err != nil {
			return nil, fmt.Errorf("chain does not terminate in a trusted root: %w", err)
		}
	}

	// The leaf must attest the whitelisted key itself, not some other key.
	leaf := certs[0]
	if !e.MatchesCertificateKey(leaf.PublicKey) {
		return nil, errors.New("leaf certificate key does not match whitelisted key")
	}

	desc, err := parseAttestationExtension(leaf)
	if err != nil {
		return nil, err
	}

	level := SecurityLevel(desc.AttestationSecurityLevel)
	if level < req.MinSecurityLevel {
		return nil, fmt.Errorf("attested security level %s below required %s",
			level.String(), req.MinSecurityLevel.String())
	}

	appID, err := findApplicationID(desc)
	if err != nil {
		return nil, err
	}

	if err := checkApplicationID(appID, req); err != nil {
		return nil, err
	}

	return &Result{
		PackageName:     req.PackageName,
		SignatureDigest: strings.ToLower(req.SignatureDigest),
		SecurityLevel:   level,
	}, nil
}

// parseAttestationExtension extracts and parses the key-attestation
// extension from the leaf certificate.
func parseAttestationExtension(leaf *x509.Certificate) (*keyDescription, error) {
	var extBytes []byte
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(attestationExtensionOID) {
			extBytes = ext.Value
			break
		}
	}
	if extBytes == nil {
		return nil, errors.New("leaf certificate has no key-attestation extension")
	}

	var desc keyDescription
	rest, err := asn1.Unmarshal(extBytes, &desc)
	if err != nil {
		return nil, fmt.Errorf("parsing attestation extension: %w", err)
	}
	if len(rest) != 0 {
		return nil, errors.New("trailing data after attestation extension")
	}
	return &desc, nil
}

// findApplicationID locates the attestationApplicationId entry in the
// software-enforced authorization list (where Keymaster places it; the
// TEE-enforced list is checked as a fallback).
func findApplicationID(desc *keyDescription) (*attestationApplicationID, error) {
	for _, list := range []asn1.RawValue{desc.SoftwareEnforced, desc.TEEEnforced} {
		raw, err := findAuthorizationTag(list, attestationApplicationIDTag)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}

		// The tag wraps an OCTET STRING holding the DER application id.
		var inner []byte
		if _, err := asn1.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("parsing application id wrapper: %w", err)
		}
		var appID attestationApplicationID
		if _, err := asn1.Unmarshal(inner, &appID); err != nil {
			return nil, fmt.Errorf("parsing application id: %w", err)
		}
		return &appID, nil
	}
	return nil, errors.New("attestation extension asserts no application id")
}

// findAuthorizationTag walks an AuthorizationList sequence for the given
// context-specific tag, returning its inner bytes or nil if absent.
func findAuthorizationTag(list asn1.RawValue, tag int) ([]byte, error) {
	if list.Class != asn1.ClassUniversal || list.Tag != asn1.TagSequence {
		return nil, errors.New("authorization list is not a sequence")
	}
	rest := list.Bytes
	for len(rest) > 0 {
		var elem asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &elem)
		if err != nil {
			return nil, fmt.Errorf("walking authorization list: %w", err)
		}
		if elem.Class == asn1.ClassContextSpecific && elem.Tag == tag {
			return elem.Bytes, nil
		}
	}
	return nil, nil
}

// checkApplicationID enforces the expected package name and signing
// certificate digest.
func checkApplicationID(appID *attestationApplicationID, req Requirements) error {
	pkgOK := false
	for _, info := range appID.PackageInfos {
		if string(info.PackageName) == req.PackageName {
			pkgOK = true
			break
		}
	}
	if !pkgOK {
		return fmt.Errorf("attestation does not assert package %q", req.PackageName)
	}

	want := strings.ToLower(req.SignatureDigest)
	if want == "" {
		return nil
	}
	for _, digest := range appID.SignatureDigests {
		if hex.EncodeToString(digest) == want {
			return nil
		}
	}
	return errors.New("attestation signature digest does not match expected signer")
}
