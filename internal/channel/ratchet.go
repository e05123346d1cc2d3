// ABOUTME: Symmetric ratchet chain: per-message key derivation with advancing chain key
// ABOUTME: Forward secrecy within a generation comes from discarding consumed chain state

package channel

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Domain-separation bytes for the two HMAC derivations at each step.
var (
	messageKeyInput   = []byte{0x01}
	chainAdvanceInput = []byte{0x02}
)

// chain is one direction of one plane's ratchet. The counter is the number
// of messages already produced (send side) or the last counter accepted
// (receive side); the first message on a fresh chain carries counter 1.
type chain struct {
	key     [32]byte
	counter uint64
}

// step derives the next message key and advances the chain key. The old
// chain key is overwritten so a compromised process image cannot recover
// keys for messages already exchanged.
func (c *chain) step() [32]byte {
	var msgKey [32]byte

	mac := hmac.New(sha256.New, c.key[:])
	mac.Write(messageKeyInput)
	copy(msgKey[:], mac.Sum(nil))

	mac = hmac.New(sha256.New, c.key[:])
	mac.Write(chainAdvanceInput)
	copy(c.key[:], mac.Sum(nil))

	c.counter++
	return msgKey
}

// stepTo advances a copy of the chain until its counter reaches target and
// returns the message key for target along with the advanced chain. The
// caller commits the returned chain only after the message authenticates,
// so a garbage counter cannot corrupt live state.
func (c chain) stepTo(target uint64) ([32]byte, chain) {
	var msgKey [32]byte
	for c.counter < target {
		msgKey = c.step()
	}
	return msgKey, c
}

// reset reinitializes the chain with a fresh key and a zero counter.
func (c *chain) reset(key [32]byte) {
	c.key = key
	c.counter = 0
}
