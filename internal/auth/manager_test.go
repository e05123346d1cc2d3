// ABOUTME: Tests for the auth manager orchestration
// ABOUTME: Exercises the full challenge, authenticate, attest, and channel flows

package auth

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-dev/castellan/internal/audit"
	"github.com/castellan-dev/castellan/internal/channel"
	"github.com/castellan-dev/castellan/internal/session"
	"github.com/castellan-dev/castellan/internal/whitelist"
)

const (
	testUID  = uint32(10050)
	testPID  = int32(4321)
	testInst = "inst-1"
	testPkg  = "dev.castellan.companion"
)

type testEnv struct {
	mgr *Manager
	wl  *whitelist.Whitelist
	log *audit.MemoryLog
}

func newTestEnv(t *testing.T, enabled bool) *testEnv {
	t.Helper()

	wl, err := whitelist.New(t.TempDir())
	require.NoError(t, err)

	sessions := session.NewManager(10 * time.Minute)
	caller := NewCallerVerifier(10000, 19999, time.Minute, 100)
	challenges := NewChallengeIssuer(30*time.Second, wl)
	t.Cleanup(challenges.Close)
	log := audit.NewMemoryLog(1024)

	params := Params{
		Enabled: enabled,
		Attestation: whitelist.Requirements{
			PackageName:      testPkg,
			MinSecurityLevel: whitelist.SecurityLevelTEE,
		},
	}
	return &testEnv{
		mgr: NewManager(params, wl, sessions, caller, challenges, log),
		wl:  wl,
		log: log,
	}
}

// addLegacyKey provisions a usable ed25519 key.
func addLegacyKey(t *testing.T, env *testEnv) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	e, err := env.wl.Provision(pub, whitelist.AlgorithmEd25519, whitelist.TrustLegacy)
	require.NoError(t, err)
	return e.KeyID, priv
}

// addPendingKey provisions an ecdsa-p256 key awaiting attestation.
func addPendingKey(t *testing.T, env *testEnv) (string, *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	e, err := env.wl.Provision(der, whitelist.AlgorithmECDSAP256, whitelist.TrustPendingAttestation)
	require.NoError(t, err)
	return e.KeyID, priv
}

// authenticate runs the challenge and authenticate steps with an ed25519 key.
func authenticate(t *testing.T, env *testEnv, uid uint32, inst string, priv ed25519.PrivateKey) Result {
	t.Helper()
	nonce, err := env.mgr.GetChallenge(uid, testPID)
	require.NoError(t, err)
	res, err := env.mgr.Authenticate(ed25519.Sign(priv, nonce), inst, uid, testPID)
	require.NoError(t, err)
	require.True(t, res.Success)
	return res
}

func TestAuthenticateWithLegacyKey(t *testing.T) {
	env := newTestEnv(t, true)
	keyID, priv := addLegacyKey(t, env)

	res := authenticate(t, env, testUID, testInst, priv)
	assert.False(t, res.RequiresAttestation)
	assert.Equal(t, keyID, res.KeyID)

	status := env.mgr.CheckSession(testInst, testUID)
	assert.True(t, status.HasActiveSession)
	assert.True(t, status.IsOwnSession)

	events := env.log.ByType(audit.EventAuthSuccess)
	require.Len(t, events, 1)
	assert.Equal(t, testUID, events[0].UID)
	assert.Equal(t, keyID, events[0].Detail["key_id"])
}

func TestGetChallengeWithoutUsableKey(t *testing.T) {
	env := newTestEnv(t, true)

	_, err := env.mgr.GetChallenge(testUID, testPID)
	assert.ErrorIs(t, err, ErrPubkeyNotLoaded)

	events := env.log.ByType(audit.EventAuthFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "challenge issue failed", events[0].Detail["stage"])
}

func TestAuthenticateBadSignatureIsGeneric(t *testing.T) {
	env := newTestEnv(t, true)
	addLegacyKey(t, env)
	_, wrongPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	nonce, err := env.mgr.GetChallenge(testUID, testPID)
	require.NoError(t, err)

	_, aerr := env.mgr.Authenticate(ed25519.Sign(wrongPriv, nonce), testInst, testUID, testPID)
	assert.ErrorIs(t, aerr, ErrChallengeFailed)
	assert.NotEmpty(t, env.log.ByType(audit.EventAuthFailed))
}

func TestAuthenticateWithoutChallenge(t *testing.T) {
	env := newTestEnv(t, true)
	_, priv := addLegacyKey(t, env)

	_, err := env.mgr.Authenticate(ed25519.Sign(priv, []byte("made up")), testInst, testUID, testPID)
	assert.ErrorIs(t, err, ErrChallengeFailed)
}

func TestChallengeIsBoundToCaller(t *testing.T) {
	env := newTestEnv(t, true)
	_, priv := addLegacyKey(t, env)

	// uid A's nonce signed correctly does not authenticate uid B, who has
	// no challenge outstanding.
	nonce, err := env.mgr.GetChallenge(testUID, testPID)
	require.NoError(t, err)

	_, aerr := env.mgr.Authenticate(ed25519.Sign(priv, nonce), testInst, 10051, testPID)
	assert.ErrorIs(t, aerr, ErrChallengeFailed)
}

func TestChallengeSingleUse(t *testing.T) {
	env := newTestEnv(t, true)
	_, priv := addLegacyKey(t, env)

	nonce, err := env.mgr.GetChallenge(testUID, testPID)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, nonce)

	_, aerr := env.mgr.Authenticate(sig, testInst, testUID, testPID)
	require.NoError(t, aerr)

	// The same signature cannot authenticate twice, and the replay is named
	// as such in the audit trail instead of a plain lookup miss.
	_, aerr = env.mgr.Authenticate(sig, testInst, testUID, testPID)
	assert.ErrorIs(t, aerr, ErrChallengeFailed)

	events := env.log.ByType(audit.EventAuthFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "challenge replayed", events[0].Detail["stage"])
}

func TestConcurrentAuthenticateConsumesChallengeOnce(t *testing.T) {
	env := newTestEnv(t, true)
	_, priv := addLegacyKey(t, env)

	nonce, err := env.mgr.GetChallenge(testUID, testPID)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, nonce)

	const callers = 8
	var successes atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := env.mgr.Authenticate(sig, testInst, testUID, testPID); err == nil {
				successes.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func TestSessionConflict(t *testing.T) {
	env := newTestEnv(t, true)
	_, priv := addLegacyKey(t, env)
	authenticate(t, env, testUID, testInst, priv)

	nonce, err := env.mgr.GetChallenge(10051, testPID)
	require.NoError(t, err)
	_, aerr := env.mgr.Authenticate(ed25519.Sign(priv, nonce), "inst-2", 10051, testPID)
	assert.ErrorIs(t, aerr, ErrSessionConflict)

	// The original session is intact.
	assert.True(t, env.mgr.CheckSession(testInst, testUID).IsOwnSession)
}

func TestSameUIDMayReauthenticate(t *testing.T) {
	env := newTestEnv(t, true)
	_, priv := addLegacyKey(t, env)

	authenticate(t, env, testUID, testInst, priv)
	authenticate(t, env, testUID, "inst-2", priv)

	assert.False(t, env.mgr.CheckSession(testInst, testUID).IsOwnSession)
	assert.True(t, env.mgr.CheckSession("inst-2", testUID).IsOwnSession)
}

func TestRateLimitedCallerIsAudited(t *testing.T) {
	env := newTestEnv(t, true)
	addLegacyKey(t, env)

	v := NewCallerVerifier(10000, 19999, time.Minute, 2)
	env.mgr.caller = v

	_, err := env.mgr.GetChallenge(testUID, testPID)
	require.NoError(t, err)
	_, err = env.mgr.GetChallenge(testUID, testPID)
	require.NoError(t, err)
	_, err = env.mgr.GetChallenge(testUID, testPID)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.NotEmpty(t, env.log.ByType(audit.EventAuthFailed))
}

func TestPendingKeyRequiresAttestation(t *testing.T) {
	env := newTestEnv(t, true)
	keyID, priv := addPendingKey(t, env)

	nonce, err := env.mgr.GetChallenge(testUID, testPID)
	require.NoError(t, err)
	digest := sha256.Sum256(nonce)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	require.NoError(t, err)

	res, err := env.mgr.Authenticate(sig, testInst, testUID, testPID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.RequiresAttestation)
	assert.Equal(t, keyID, res.KeyID)
	assert.True(t, env.wl.HasPendingAttestation(keyID))
}

func TestAttestationFlowSuccess(t *testing.T) {
	env := newTestEnv(t, true)
	keyID, priv := addPendingKey(t, env)

	nonce, err := env.mgr.GetChallenge(testUID, testPID)
	require.NoError(t, err)
	digest := sha256.Sum256(nonce)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	require.NoError(t, err)
	res, err := env.mgr.Authenticate(sig, testInst, testUID, testPID)
	require.NoError(t, err)
	require.True(t, res.RequiresAttestation)

	chain := buildAttestationChain(t, &priv.PublicKey, whitelist.SecurityLevelStrongBox, testPkg)
	require.NoError(t, env.mgr.VerifyAttestation(chain, testUID, testPID))

	e, err := env.wl.Get(keyID)
	require.NoError(t, err)
	assert.Equal(t, whitelist.TrustTrusted, e.TrustStatus)

	// Attestation is one-shot; a second call has nothing pending.
	err = env.mgr.VerifyAttestation(chain, testUID, testPID)
	assert.ErrorIs(t, err, ErrNoPendingAttestation)
}

func TestAttestationFlowFailure(t *testing.T) {
	env := newTestEnv(t, true)
	keyID, priv := addPendingKey(t, env)

	nonce, err := env.mgr.GetChallenge(testUID, testPID)
	require.NoError(t, err)
	digest := sha256.Sum256(nonce)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	require.NoError(t, err)
	_, err = env.mgr.Authenticate(sig, testInst, testUID, testPID)
	require.NoError(t, err)

	chain := buildAttestationChain(t, &priv.PublicKey, whitelist.SecurityLevelTEE, "com.evil.app")
	err = env.mgr.VerifyAttestation(chain, testUID, testPID)
	assert.ErrorIs(t, err, ErrAttestationFailed)

	e, err := env.wl.Get(keyID)
	require.NoError(t, err)
	assert.Equal(t, whitelist.TrustRejected, e.TrustStatus)

	assert.NotEmpty(t, env.log.ByType(audit.EventAttestationFailed))
	violations := env.log.ByType(audit.EventSecurityViolation)
	require.NotEmpty(t, violations)
	assert.Equal(t, "ATTESTATION_FAILED", violations[0].Violation)
}

func TestVerifyAttestationWithoutAuthenticate(t *testing.T) {
	env := newTestEnv(t, true)
	_, priv := addPendingKey(t, env)

	chain := buildAttestationChain(t, &priv.PublicKey, whitelist.SecurityLevelTEE, testPkg)
	err := env.mgr.VerifyAttestation(chain, testUID, testPID)
	assert.ErrorIs(t, err, ErrNoPendingAttestation)

	events := env.log.ByType(audit.EventAuthFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "no attestation pending", events[0].Detail["stage"])
}

func TestCheckAuthenticated(t *testing.T) {
	env := newTestEnv(t, true)
	_, priv := addLegacyKey(t, env)

	assert.False(t, env.mgr.CheckAuthenticated("do.thing", testInst, testUID, testPID))

	authenticate(t, env, testUID, testInst, priv)
	assert.True(t, env.mgr.CheckAuthenticated("do.thing", testInst, testUID, testPID))

	// Wrong instance id is denied.
	assert.False(t, env.mgr.CheckAuthenticated("do.thing", "inst-2", testUID, testPID))
}

func TestCheckAuthenticatedUIDMismatchIsViolation(t *testing.T) {
	env := newTestEnv(t, true)
	_, priv := addLegacyKey(t, env)
	authenticate(t, env, testUID, testInst, priv)

	assert.False(t, env.mgr.CheckAuthenticated("do.thing", testInst, 10051, testPID))

	violations := env.log.ByType(audit.EventSecurityViolation)
	require.Len(t, violations, 1)
	assert.Equal(t, "UID_MISMATCH", violations[0].Violation)
	assert.Equal(t, uint32(10051), violations[0].UID)
}

func TestCheckAuthenticatedDisabledBypass(t *testing.T) {
	env := newTestEnv(t, false)

	assert.True(t, env.mgr.CheckAuthenticated("do.thing", testInst, testUID, testPID))
	assert.NotEmpty(t, env.log.ByType(audit.EventAuthBypass))
}

func TestTeardownSession(t *testing.T) {
	env := newTestEnv(t, true)
	_, priv := addLegacyKey(t, env)
	authenticate(t, env, testUID, testInst, priv)

	// Only the owner may tear down, and each denial is audited.
	assert.ErrorIs(t, env.mgr.TeardownSession("inst-2", testUID, testPID), ErrUnauthorized)
	assert.ErrorIs(t, env.mgr.TeardownSession(testInst, 10051, testPID), ErrUnauthorized)
	assert.Len(t, env.log.ByType(audit.EventAuthFailed), 2)

	require.NoError(t, env.mgr.TeardownSession(testInst, testUID, testPID))
	assert.False(t, env.mgr.CheckSession(testInst, testUID).HasActiveSession)
}

// clientKey generates the companion's ephemeral X25519 key.
func clientKey(t *testing.T) *ecdh.PrivateKey {
	t.Helper()
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestChannelLifecycle(t *testing.T) {
	env := newTestEnv(t, true)
	_, priv := addLegacyKey(t, env)
	authenticate(t, env, testUID, testInst, priv)

	ck := clientKey(t)
	info, err := env.mgr.InitCryptoChannel(ck.PublicKey().Bytes(), testInst, testUID, testPID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), info.KeyGeneration)
	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, []string{"control", "data", "rekey"}, info.Capabilities)

	client, err := channel.InitInitiator(ck, info.ServerPublic, info.SessionID)
	require.NoError(t, err)

	// Companion to daemon on the data plane; empty payloads are legal.
	for _, payload := range [][]byte{[]byte("run backup"), {}} {
		ct, err := client.Encrypt(channel.PlaneData, payload)
		require.NoError(t, err)
		pt, err := env.mgr.DecryptMessage(channel.PlaneData, ct)
		require.NoError(t, err)
		assert.Equal(t, payload, pt)
	}

	// Daemon to companion on the control plane.
	ct, err := env.mgr.EncryptMessage(channel.PlaneControl, []byte("status: ok"))
	require.NoError(t, err)
	pt, err := client.Decrypt(channel.PlaneControl, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("status: ok"), pt)
}

func TestChannelRequiresSession(t *testing.T) {
	env := newTestEnv(t, true)

	ck := clientKey(t)
	_, err := env.mgr.InitCryptoChannel(ck.PublicKey().Bytes(), testInst, testUID, testPID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	events := env.log.ByType(audit.EventAuthFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "channel init denied", events[0].Detail["stage"])
}

func TestChannelNotReady(t *testing.T) {
	env := newTestEnv(t, true)

	_, err := env.mgr.DecryptMessage(channel.PlaneData, []byte("junk"))
	assert.ErrorIs(t, err, ErrChannelNotReady)
	_, err = env.mgr.EncryptMessage(channel.PlaneData, []byte("junk"))
	assert.ErrorIs(t, err, ErrChannelNotReady)
	_, err = env.mgr.RotateChannelKeys([]byte("junk"))
	assert.ErrorIs(t, err, ErrChannelNotReady)
}

func TestChannelRotation(t *testing.T) {
	env := newTestEnv(t, true)
	_, priv := addLegacyKey(t, env)
	authenticate(t, env, testUID, testInst, priv)

	ck := clientKey(t)
	info, err := env.mgr.InitCryptoChannel(ck.PublicKey().Bytes(), testInst, testUID, testPID)
	require.NoError(t, err)
	client, err := channel.InitInitiator(ck, info.ServerPublic, info.SessionID)
	require.NoError(t, err)

	fresh := clientKey(t)
	rotated, err := env.mgr.RotateChannelKeys(fresh.PublicKey().Bytes())
	require.NoError(t, err)
	assert.Equal(t, info.KeyGeneration+1, rotated.KeyGeneration)
	assert.Equal(t, info.SessionID, rotated.SessionID)
	assert.NotEqual(t, info.ServerPublic, rotated.ServerPublic)

	require.NoError(t, client.Rotate(fresh, rotated.ServerPublic))

	ct, err := client.Encrypt(channel.PlaneData, []byte("after rekey"))
	require.NoError(t, err)
	pt, err := env.mgr.DecryptMessage(channel.PlaneData, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("after rekey"), pt)
}

func TestReauthenticationDropsChannel(t *testing.T) {
	env := newTestEnv(t, true)
	_, priv := addLegacyKey(t, env)
	authenticate(t, env, testUID, testInst, priv)

	ck := clientKey(t)
	_, err := env.mgr.InitCryptoChannel(ck.PublicKey().Bytes(), testInst, testUID, testPID)
	require.NoError(t, err)

	authenticate(t, env, testUID, "inst-2", priv)
	_, err = env.mgr.EncryptMessage(channel.PlaneData, []byte("x"))
	assert.ErrorIs(t, err, ErrChannelNotReady)
}

func TestTeardownDropsChannel(t *testing.T) {
	env := newTestEnv(t, true)
	_, priv := addLegacyKey(t, env)
	authenticate(t, env, testUID, testInst, priv)

	ck := clientKey(t)
	_, err := env.mgr.InitCryptoChannel(ck.PublicKey().Bytes(), testInst, testUID, testPID)
	require.NoError(t, err)

	require.NoError(t, env.mgr.TeardownSession(testInst, testUID, testPID))
	_, err = env.mgr.EncryptMessage(channel.PlaneData, []byte("x"))
	assert.ErrorIs(t, err, ErrChannelNotReady)
}

// Attestation chain construction for the manager-level flow. Mirrors the
// extension layout Keymaster emits, reduced to the fields the daemon checks.

var testAttestationOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 1, 17}

type testPackageInfo struct {
	PackageName []byte
	Version     int64
}

type testApplicationID struct {
	PackageInfos     []testPackageInfo `asn1:"set"`
	SignatureDigests [][]byte          `asn1:"set"`
}

type testKeyDescription struct {
	AttestationVersion       int
	AttestationSecurityLevel asn1.Enumerated
	KeymasterVersion         int
	KeymasterSecurityLevel   asn1.Enumerated
	AttestationChallenge     []byte
	UniqueID                 []byte
	SoftwareEnforced         asn1.RawValue
	TEEEnforced              asn1.RawValue
}

func buildAttestationChain(t *testing.T, attested *ecdsa.PublicKey, level whitelist.SecurityLevel, pkg string) [][]byte {
	t.Helper()

	appDER, err := asn1.Marshal(testApplicationID{
		PackageInfos: []testPackageInfo{{PackageName: []byte(pkg), Version: 1}},
	})
	require.NoError(t, err)
	wrapped, err := asn1.Marshal(appDER)
	require.NoError(t, err)
	tagged, err := asn1.Marshal(asn1.RawValue{
		Class: asn1.ClassContextSpecific, Tag: 709, IsCompound: true, Bytes: wrapped,
	})
	require.NoError(t, err)
	software, err := asn1.Marshal(asn1.RawValue{
		Class: asn1.ClassUniversal, Tag: asn1.TagSequence, IsCompound: true, Bytes: tagged,
	})
	require.NoError(t, err)

	ext, err := asn1.Marshal(testKeyDescription{
		AttestationVersion:       100,
		AttestationSecurityLevel: asn1.Enumerated(level),
		KeymasterVersion:         100,
		KeymasterSecurityLevel:   asn1.Enumerated(level),
		AttestationChallenge:     []byte("challenge"),
		UniqueID:                 []byte{},
		SoftwareEnforced:         asn1.RawValue{FullBytes: software},
		TEEEnforced:              asn1.RawValue{FullBytes: []byte{0x30, 0x00}},
	})
	require.NoError(t, err)

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Attestation Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	leafTmpl := &x509.Certificate{
		SerialNumber:    big.NewInt(2),
		Subject:         pkix.Name{CommonName: "Android Keystore Key"},
		NotBefore:       time.Now().Add(-time.Hour),
		NotAfter:        time.Now().Add(24 * time.Hour),
		ExtraExtensions: []pkix.Extension{{Id: testAttestationOID, Value: ext}},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, attested, rootKey)
	require.NoError(t, err)

	return [][]byte{leafDER, rootDER}
}
