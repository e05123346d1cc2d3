// ABOUTME: Ratcheting encrypted channel bound to an authenticated session
// ABOUTME: X25519 key agreement, HKDF root key salted with the session id, dual control/data planes

package channel

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Channel errors.
var (
	ErrHandshake      = errors.New("channel handshake failed")
	ErrCounterReplay  = errors.New("message counter replayed or reordered")
	ErrCounterTooFar  = errors.New("message counter too far ahead")
	ErrDecryptFailed  = errors.New("message decryption failed")
	ErrShortMessage   = errors.New("message shorter than header")
)

// Plane selects one of the channel's two independent ratchets.
type Plane int

const (
	PlaneControl Plane = iota
	PlaneData
)

// String returns the wire label of the plane.
func (p Plane) String() string {
	if p == PlaneControl {
		return "control"
	}
	return "data"
}

// maxCounterSkip bounds how far ahead of the last accepted counter an
// incoming message may be. Skipped message keys are discarded, never cached;
// a sender that loses messages re-runs the handshake.
const maxCounterSkip = 512

// counterSize is the length of the big-endian counter prefixed to every
// ciphertext.
const counterSize = 8

// handshake derivation labels.
const (
	rootInfoInit  = "castellan/channel/v1"
	rootInfoRekey = "castellan/channel/rekey"
)

// duplex holds both directions of one plane.
type duplex struct {
	send chain
	recv chain
}

// Channel is the encrypted channel for one authenticated session. Both
// planes' ratchet state mutates non-idempotently on every call, so every
// operation is serialized under one mutex.
type Channel struct {
	mu sync.Mutex

	sessionID  string
	generation uint32
	rootKey    [32]byte
	serverPub  []byte
	initiator  bool

	control duplex
	data    duplex

	logger *slog.Logger
}

// InitResponder performs the responder side of the handshake: it generates a
// fresh X25519 key pair, agrees a shared secret with the client's ephemeral
// public key, and derives the initial root key with HKDF-SHA256 salted by
// the session id. Both ratchets start at message counter 0. The returned
// channel's generation is 1.
//
// The shared secret comes from genuine key agreement; deriving it from
// session metadata would forfeit forward secrecy.
func InitResponder(clientPub []byte, sessionID string) (*Channel, error) {
	curve := ecdh.X25519()

	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generating ephemeral key: %w", ErrHandshake, err)
	}
	peer, err := curve.NewPublicKey(clientPub)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid client public key: %w", ErrHandshake, err)
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %w", ErrHandshake, err)
	}

	c := &Channel{
		sessionID: sessionID,
		serverPub: priv.PublicKey().Bytes(),
		logger:    slog.Default().With("component", "channel"),
	}
	if err := c.installRoot(shared, []byte(sessionID), rootInfoInit); err != nil {
		return nil, err
	}
	c.generation = 1

	c.logger.Info("channel established", "session_id", sessionID)
	return c, nil
}

// InitInitiator builds the companion side of the channel from its own
// ephemeral private key and the daemon's published public key. Used by the
// Go client library and test agents; the derivation mirrors InitResponder
// with the send and receive directions swapped.
func InitInitiator(priv *ecdh.PrivateKey, serverPub []byte, sessionID string) (*Channel, error) {
	curve := ecdh.X25519()

	peer, err := curve.NewPublicKey(serverPub)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid server public key: %w", ErrHandshake, err)
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %w", ErrHandshake, err)
	}

	c := &Channel{
		sessionID: sessionID,
		serverPub: append([]byte(nil), serverPub...),
		initiator: true,
		logger:    slog.Default().With("component", "channel"),
	}
	if err := c.installRoot(shared, []byte(sessionID), rootInfoInit); err != nil {
		return nil, err
	}
	c.generation = 1
	return c, nil
}

// Rotate is the initiator side of a key rotation: the companion generates a
// fresh ephemeral key, sends its public half, and mixes the agreement with
// the daemon's new published key into the root.
func (c *Channel) Rotate(priv *ecdh.PrivateKey, serverPub []byte) error {
	curve := ecdh.X25519()

	peer, err := curve.NewPublicKey(serverPub)
	if err != nil {
		return fmt.Errorf("%w: invalid server public key: %w", ErrHandshake, err)
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return fmt.Errorf("%w: key agreement: %w", ErrHandshake, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	oldRoot := c.rootKey
	if err := c.installRoot(shared, oldRoot[:], rootInfoRekey); err != nil {
		return err
	}
	c.serverPub = append([]byte(nil), serverPub...)
	c.generation++
	return nil
}

// installRoot derives the root key from a shared secret and reinitializes
// all four chains from it. Counters reset to 0.
func (c *Channel) installRoot(shared, salt []byte, info string) error {
	r := hkdf.New(sha256.New, shared, salt, []byte(info))
	if _, err := io.ReadFull(r, c.rootKey[:]); err != nil {
		return fmt.Errorf("%w: deriving root key: %w", ErrHandshake, err)
	}

	// Chain keys are expanded from the root with per-direction labels.
	// The daemon sends on s2c; the companion sends on c2s.
	sendLabel, recvLabel := "s2c", "c2s"
	if c.initiator {
		sendLabel, recvLabel = "c2s", "s2c"
	}

	var err error
	c.control.send, err = chainFromRoot(c.rootKey, "control/"+sendLabel)
	if err == nil {
		c.control.recv, err = chainFromRoot(c.rootKey, "control/"+recvLabel)
	}
	if err == nil {
		c.data.send, err = chainFromRoot(c.rootKey, "data/"+sendLabel)
	}
	if err == nil {
		c.data.recv, err = chainFromRoot(c.rootKey, "data/"+recvLabel)
	}
	return err
}

// chainFromRoot derives one chain key from the root key.
func chainFromRoot(root [32]byte, label string) (chain, error) {
	var ch chain
	r := hkdf.New(sha256.New, root[:], nil, []byte(label))
	var key [32]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return ch, fmt.Errorf("%w: deriving %s chain: %w", ErrHandshake, label, err)
	}
	ch.reset(key)
	return ch, nil
}

// SessionID returns the session this channel is bound to.
func (c *Channel) SessionID() string {
	return c.sessionID
}

// ServerPublicKey returns the daemon's current ephemeral public key. It
// changes on every rotation.
func (c *Channel) ServerPublicKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.serverPub))
	copy(out, c.serverPub)
	return out
}

// Generation returns the current key generation, starting at 1 and
// incremented by each rotation.
func (c *Channel) Generation() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// aad builds the associated data authenticated with every message:
// plane label, version, and generation.
func aad(plane Plane, generation uint32) []byte {
	label := "castellan/" + plane.String() + "/v1"
	out := make([]byte, len(label)+4)
	copy(out, label)
	binary.BigEndian.PutUint32(out[len(label):], generation)
	return out
}

// nonce builds the 12-byte AEAD nonce from a message counter. Counters are
// unique per chain and chains never share a key, so nonce reuse cannot occur.
func nonce(counter uint64) []byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(n[4:], counter)
	return n[:]
}

// Encrypt seals plaintext on the given plane. The wire format is an 8-byte
// big-endian counter followed by the ChaCha20-Poly1305 ciphertext.
func (c *Channel) Encrypt(plane Plane, plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := c.sendChain(plane)
	msgKey := ch.step()
	counter := ch.counter

	aead, err := chacha20poly1305.New(msgKey[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	out := make([]byte, counterSize, counterSize+len(plaintext)+aead.Overhead())
	binary.BigEndian.PutUint64(out, counter)
	out = aead.Seal(out, nonce(counter), plaintext, aad(plane, c.generation))
	return out, nil
}

// Decrypt opens a message on the given plane. The embedded counter must be
// strictly greater than the last accepted counter; replays and reordered
// messages are rejected. Chain state is committed only after the message
// authenticates, so a failed decrypt is recoverable by discarding the
// message.
func (c *Channel) Decrypt(plane Plane, message []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(message) < counterSize {
		return nil, ErrShortMessage
	}
	counter := binary.BigEndian.Uint64(message[:counterSize])

	ch := c.recvChain(plane)
	if counter <= ch.counter {
		return nil, fmt.Errorf("%w: counter %d, last accepted %d", ErrCounterReplay, counter, ch.counter)
	}
	if counter-ch.counter > maxCounterSkip {
		return nil, fmt.Errorf("%w: counter %d, last accepted %d", ErrCounterTooFar, counter, ch.counter)
	}

	msgKey, advanced := ch.stepTo(counter)

	aead, err := chacha20poly1305.New(msgKey[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce(counter), message[counterSize:], aad(plane, c.generation))
	if err != nil {
		return nil, fmt.Errorf("%w: %s plane counter %d", ErrDecryptFailed, plane, counter)
	}

	*ch = advanced
	return plaintext, nil
}

// RotateKeys performs a fresh key agreement with the client's new ephemeral
// public key and mixes the result into the root key (the old root serves as
// the HKDF salt). Both planes' counters reset to 0, the server's published
// key changes, and the generation increments by exactly 1. The session id is
// unchanged. Rotation cadence is entirely client-driven.
func (c *Channel) RotateKeys(clientPub []byte) error {
	curve := ecdh.X25519()

	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("%w: generating ephemeral key: %w", ErrHandshake, err)
	}
	peer, err := curve.NewPublicKey(clientPub)
	if err != nil {
		return fmt.Errorf("%w: invalid client public key: %w", ErrHandshake, err)
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return fmt.Errorf("%w: key agreement: %w", ErrHandshake, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	oldRoot := c.rootKey
	if err := c.installRoot(shared, oldRoot[:], rootInfoRekey); err != nil {
		return err
	}
	c.serverPub = priv.PublicKey().Bytes()
	c.generation++

	c.logger.Info("channel keys rotated", "session_id", c.sessionID, "generation", c.generation)
	return nil
}

// sendChain returns the sending chain for a plane. Must be called with mu held.
func (c *Channel) sendChain(plane Plane) *chain {
	if plane == PlaneControl {
		return &c.control.send
	}
	return &c.data.send
}

// recvChain returns the receiving chain for a plane. Must be called with mu held.
func (c *Channel) recvChain(plane Plane) *chain {
	if plane == PlaneControl {
		return &c.control.recv
	}
	return &c.data.recv
}
