// ABOUTME: Single-use, time-bounded challenge nonces keyed by caller uid
// ABOUTME: Consumed nonces are remembered so replayed signatures are rejected explicitly

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/castellan-dev/castellan/internal/replay"
)

// NonceSize is the challenge nonce length in bytes.
const NonceSize = 32

// challengeCacheSize bounds the consumed-nonce replay cache.
const challengeCacheSize = 4096

// Challenge is a pending nonce bound to a caller identity.
type Challenge struct {
	Nonce    []byte
	UID      uint32
	IssuedAt time.Time
}

// KeyAvailability reports whether any whitelisted key could satisfy a
// challenge. Implemented by the whitelist.
type KeyAvailability interface {
	HasUsableKey() bool
}

// ChallengeIssuer issues single-use, time-bounded random nonces per caller.
// At most one challenge is outstanding per uid; a new issue replaces it.
// Verification takes the challenge out of the issuer first, so overlapping
// authenticate calls for one uid cannot both verify the same nonce.
type ChallengeIssuer struct {
	mu           sync.Mutex
	ttl          time.Duration
	byUID        map[uint32]*Challenge
	consumed     *replay.Cache
	lastConsumed map[uint32][]byte
	keys         KeyAvailability
	now          func() time.Time
}

// NewChallengeIssuer creates an issuer with the given TTL backed by the
// whitelist's key availability.
func NewChallengeIssuer(ttl time.Duration, keys KeyAvailability) *ChallengeIssuer {
	return &ChallengeIssuer{
		ttl:          ttl,
		byUID:        make(map[uint32]*Challenge),
		consumed:     replay.New(ttl, challengeCacheSize),
		lastConsumed: make(map[uint32][]byte),
		keys:         keys,
		now:          time.Now,
	}
}

// Close releases the replay cache's background resources.
func (ci *ChallengeIssuer) Close() {
	ci.consumed.Close()
}

// GetChallenge returns a fresh nonce for uid. There is no value in issuing a
// challenge nobody can satisfy, so it fails with PUBKEY_NOT_LOADED when the
// whitelist has no usable key.
func (ci *ChallengeIssuer) GetChallenge(uid uint32) ([]byte, error) {
	if !ci.keys.HasUsableKey() {
		return nil, fmt.Errorf("%w: whitelist has no usable key", ErrPubkeyNotLoaded)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	ci.mu.Lock()
	ci.byUID[uid] = &Challenge{
		Nonce:    nonce,
		UID:      uid,
		IssuedAt: ci.now(),
	}
	ci.mu.Unlock()

	out := make([]byte, NonceSize)
	copy(out, nonce)
	return out, nil
}

// TakeActive removes and returns the unexpired challenge for uid. The caller
// owns the challenge from here: Restore puts it back after a failed
// verification, MarkConsumed retires it. An expired challenge is dropped and
// reported the same as an absent one.
func (ci *ChallengeIssuer) TakeActive(uid uint32) (*Challenge, error) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	ch, ok := ci.byUID[uid]
	if !ok {
		return nil, fmt.Errorf("%w: no challenge outstanding for uid %d", ErrChallengeFailed, uid)
	}
	delete(ci.byUID, uid)
	if ci.now().Sub(ch.IssuedAt) >= ci.ttl {
		return nil, fmt.Errorf("%w: challenge for uid %d expired", ErrChallengeFailed, uid)
	}
	return ch, nil
}

// Restore puts a taken challenge back so the caller may retry, unless a
// newer challenge was issued for the uid in the meantime.
func (ci *ChallengeIssuer) Restore(ch *Challenge) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	if _, ok := ci.byUID[ch.UID]; ok {
		return
	}
	ci.byUID[ch.UID] = ch
}

// MarkConsumed retires a taken challenge. The nonce is remembered for the
// challenge window so a replayed signature over it can be named as a replay
// instead of a plain lookup miss.
func (ci *ChallengeIssuer) MarkConsumed(ch *Challenge) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	for uid, nonce := range ci.lastConsumed {
		if !ci.consumed.Seen(hex.EncodeToString(nonce)) {
			delete(ci.lastConsumed, uid)
		}
	}
	ci.lastConsumed[ch.UID] = ch.Nonce
	ci.consumed.MarkConsumed(hex.EncodeToString(ch.Nonce))
}

// ConsumedNonce returns the most recently consumed nonce for uid while it is
// still inside the replay window.
func (ci *ChallengeIssuer) ConsumedNonce(uid uint32) ([]byte, bool) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	nonce, ok := ci.lastConsumed[uid]
	if !ok {
		return nil, false
	}
	if !ci.consumed.Seen(hex.EncodeToString(nonce)) {
		delete(ci.lastConsumed, uid)
		return nil, false
	}
	return nonce, true
}

// SetClock overrides the issuer's clock. Test hook.
func (ci *ChallengeIssuer) SetClock(now func() time.Time) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.now = now
}
