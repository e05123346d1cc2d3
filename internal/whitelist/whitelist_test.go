// ABOUTME: Tests for the persistent key whitelist and trust-state machine
// ABOUTME: Covers provisioning, persistence, reload tolerance, and revocation

package whitelist

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateEd25519Key returns raw public key bytes and the matching signer.
func generateEd25519Key(t *testing.T) ([]byte, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

// generateECDSAKey returns DER-encoded PKIX public key bytes and the signer.
func generateECDSAKey(t *testing.T) ([]byte, *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return der, priv
}

func newTestWhitelist(t *testing.T) *Whitelist {
	t.Helper()
	w, err := New(t.TempDir())
	require.NoError(t, err)
	return w
}

func TestProvisionAndGet(t *testing.T) {
	w := newTestWhitelist(t)
	pub, _ := generateEd25519Key(t)

	e, err := w.Provision(pub, AlgorithmEd25519, TrustLegacy)
	require.NoError(t, err)
	assert.Equal(t, KeyID(pub), e.KeyID)
	assert.True(t, e.IsActive)
	assert.True(t, e.CanAuthenticate())

	got, err := w.Get(e.KeyID)
	require.NoError(t, err)
	assert.Equal(t, e.KeyID, got.KeyID)

	_, err = w.Get("no-such-key")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestProvisionDuplicateRejected(t *testing.T) {
	w := newTestWhitelist(t)
	pub, _ := generateEd25519Key(t)

	_, err := w.Provision(pub, AlgorithmEd25519, TrustLegacy)
	require.NoError(t, err)
	_, err = w.Provision(pub, AlgorithmEd25519, TrustLegacy)
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestProvisionRejectsInvalidStatus(t *testing.T) {
	w := newTestWhitelist(t)
	pub, _ := generateEd25519Key(t)

	_, err := w.Provision(pub, AlgorithmEd25519, TrustTrusted)
	assert.Error(t, err)
	_, err = w.Provision(pub, AlgorithmEd25519, TrustRejected)
	assert.Error(t, err)
}

func TestProvisionRejectsBadKeyMaterial(t *testing.T) {
	w := newTestWhitelist(t)

	_, err := w.Provision([]byte("too short"), AlgorithmEd25519, TrustLegacy)
	assert.Error(t, err)

	_, err = w.Provision([]byte("not DER"), AlgorithmECDSAP256, TrustLegacy)
	assert.Error(t, err)
}

func TestProvisionECDSA(t *testing.T) {
	w := newTestWhitelist(t)
	der, _ := generateECDSAKey(t)

	e, err := w.Provision(der, AlgorithmECDSAP256, TrustPendingAttestation)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmECDSAP256, e.Algorithm)
	assert.False(t, e.CanAuthenticate())
	assert.True(t, e.IsCandidate())
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	pub, _ := generateEd25519Key(t)

	w, err := New(dir)
	require.NoError(t, err)
	e, err := w.Provision(pub, AlgorithmEd25519, TrustLegacy)
	require.NoError(t, err)

	// A second whitelist over the same directory sees the key.
	w2, err := New(dir)
	require.NoError(t, err)
	got, err := w2.Get(e.KeyID)
	require.NoError(t, err)
	assert.Equal(t, TrustLegacy, got.TrustStatus)
	assert.Equal(t, []byte(pub), got.PublicKey)
}

func TestReloadToleratesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	pub, _ := generateEd25519Key(t)

	w, err := New(dir)
	require.NoError(t, err)
	e, err := w.Provision(pub, AlgorithmEd25519, TrustLegacy)
	require.NoError(t, err)

	// A future daemon version added a field; older daemons must still load
	// the file.
	path := filepath.Join(dir, e.KeyID+".json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	m["added_in_v9"] = "whatever"
	data, err = json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	require.NoError(t, w.Reload())
	got, err := w.Get(e.KeyID)
	require.NoError(t, err)
	assert.Equal(t, e.KeyID, got.KeyID)
}

func TestReloadSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	pub, _ := generateEd25519Key(t)

	w, err := New(dir)
	require.NoError(t, err)
	e, err := w.Provision(pub, AlgorithmEd25519, TrustLegacy)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0600))

	require.NoError(t, w.Reload())
	assert.Equal(t, 1, w.Len())
	_, err = w.Get(e.KeyID)
	assert.NoError(t, err)
}

func TestReloadRejectsTamperedKeyID(t *testing.T) {
	dir := t.TempDir()
	pub, _ := generateEd25519Key(t)
	other, _ := generateEd25519Key(t)

	w, err := New(dir)
	require.NoError(t, err)
	e, err := w.Provision(pub, AlgorithmEd25519, TrustLegacy)
	require.NoError(t, err)

	// Swap the key material under the same key_id; the file must be skipped
	// because the content hash no longer matches.
	path := filepath.Join(dir, e.KeyID+".json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry Entry
	require.NoError(t, json.Unmarshal(data, &entry))
	entry.PublicKey = other
	data, err = json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	require.NoError(t, w.Reload())
	assert.Equal(t, 0, w.Len())
}

func TestRevoke(t *testing.T) {
	dir := t.TempDir()
	pub, _ := generateEd25519Key(t)

	w, err := New(dir)
	require.NoError(t, err)
	e, err := w.Provision(pub, AlgorithmEd25519, TrustLegacy)
	require.NoError(t, err)

	require.NoError(t, w.Revoke(e.KeyID))
	_, err = w.Get(e.KeyID)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// File is gone too.
	_, err = os.Stat(filepath.Join(dir, e.KeyID+".json"))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, w.Revoke(e.KeyID), ErrKeyNotFound)
}

func TestCandidatesOrderedAndFiltered(t *testing.T) {
	w := newTestWhitelist(t)

	var ids []string
	for i := 0; i < 3; i++ {
		pub, _ := generateEd25519Key(t)
		e, err := w.Provision(pub, AlgorithmEd25519, TrustLegacy)
		require.NoError(t, err)
		ids = append(ids, e.KeyID)
	}

	cands := w.Candidates()
	require.Len(t, cands, 3)
	for i := 1; i < len(cands); i++ {
		assert.Less(t, cands[i-1].KeyID, cands[i].KeyID)
	}

	// A rejected key drops out of the candidate set but stays listed.
	rejectKey(t, w, ids[0])
	assert.Len(t, w.Candidates(), 2)
	assert.Len(t, w.List(), 3)
}

// rejectKey forces a key into the rejected state through the attestation
// path with an empty chain.
func rejectKey(t *testing.T, w *Whitelist, keyID string) {
	t.Helper()
	e, err := w.Get(keyID)
	require.NoError(t, err)
	require.NoError(t, w.Revoke(keyID))
	e.TrustStatus = TrustRejected
	data, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(w.dir, keyID+".json"), data, 0600))
	require.NoError(t, w.Reload())
}

func TestHasUsableKey(t *testing.T) {
	w := newTestWhitelist(t)
	assert.False(t, w.HasUsableKey())

	pub, _ := generateEd25519Key(t)
	_, err := w.Provision(pub, AlgorithmEd25519, TrustPendingAttestation)
	require.NoError(t, err)
	assert.True(t, w.HasUsableKey())
}

func TestMarkUsedPersists(t *testing.T) {
	dir := t.TempDir()
	pub, _ := generateEd25519Key(t)

	w, err := New(dir)
	require.NoError(t, err)
	e, err := w.Provision(pub, AlgorithmEd25519, TrustLegacy)
	require.NoError(t, err)
	require.Nil(t, e.LastUsedAt)

	require.NoError(t, w.MarkUsed(e.KeyID))

	w2, err := New(dir)
	require.NoError(t, err)
	got, err := w2.Get(e.KeyID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
}

func TestVerifySignatureEd25519(t *testing.T) {
	pub, priv := generateEd25519Key(t)
	e := Entry{KeyID: KeyID(pub), PublicKey: pub, Algorithm: AlgorithmEd25519}

	nonce := []byte("challenge nonce material, 32ish bytes")
	sig := ed25519.Sign(priv, nonce)

	assert.NoError(t, e.VerifySignature(nonce, sig))
	assert.Error(t, e.VerifySignature([]byte("different message"), sig))
	sig[0] ^= 0x01
	assert.Error(t, e.VerifySignature(nonce, sig))
}

func TestVerifySignatureECDSA(t *testing.T) {
	der, priv := generateECDSAKey(t)
	e := Entry{KeyID: KeyID(der), PublicKey: der, Algorithm: AlgorithmECDSAP256}

	nonce := []byte("challenge nonce material")
	digest := sha256.Sum256(nonce)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	require.NoError(t, err)

	assert.NoError(t, e.VerifySignature(nonce, sig))
	assert.Error(t, e.VerifySignature([]byte("different message"), sig))
}

func TestKeyIDStable(t *testing.T) {
	pub, _ := generateEd25519Key(t)
	assert.Equal(t, KeyID(pub), KeyID(pub))
	assert.Len(t, KeyID(pub), 64)
}
