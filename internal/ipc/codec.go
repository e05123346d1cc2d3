// ABOUTME: Wire types and framing for the companion call interface
// ABOUTME: Length-prefixed CBOR request/response frames over the control socket

package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// maxFrameSize bounds a single request or response frame. Data-plane
// payloads top out at 64KB plus framing overhead.
const maxFrameSize = 1 << 20

// Request is one call from the companion.
type Request struct {
	ID         uint64          `cbor:"id"`
	Method     string          `cbor:"method"`
	InstanceID string          `cbor:"instance_id,omitempty"`
	Payload    cbor.RawMessage `cbor:"payload,omitempty"`
}

// Response is the daemon's reply. Code is "OK" on success, otherwise one of
// the auth error codes; all denial paths surface the same UNAUTHORIZED code.
type Response struct {
	ID          uint64          `cbor:"id"`
	Code        string          `cbor:"code"`
	Error       string          `cbor:"error,omitempty"`
	Recoverable bool            `cbor:"recoverable,omitempty"`
	Payload     cbor.RawMessage `cbor:"payload,omitempty"`
}

// Method payloads.

type ChallengeReply struct {
	Nonce []byte `cbor:"nonce"`
}

type AuthenticateRequest struct {
	Signature []byte `cbor:"signature"`
}

type AuthenticateReply struct {
	Success             bool   `cbor:"success"`
	RequiresAttestation bool   `cbor:"requires_attestation"`
	KeyID               string `cbor:"key_id,omitempty"`
}

type AttestRequest struct {
	Chain [][]byte `cbor:"chain"`
}

type AttestReply struct {
	Success bool `cbor:"success"`
}

type CheckSessionReply struct {
	HasActiveSession bool  `cbor:"has_active_session"`
	IsOwnSession     bool  `cbor:"is_own_session"`
	RemainingMS      int64 `cbor:"remaining_timeout_ms"`
}

type ChannelInitRequest struct {
	ClientPublic []byte `cbor:"client_public"`
}

type ChannelInitReply struct {
	ServerPublic  []byte   `cbor:"server_public"`
	SessionID     string   `cbor:"session_id"`
	KeyGeneration uint32   `cbor:"key_generation"`
	Capabilities  []string `cbor:"capabilities"`
}

type ChannelMessageRequest struct {
	Message []byte `cbor:"message"`
}

type ChannelMessageReply struct {
	Message []byte `cbor:"message"`
}

// encMode is the deterministic CBOR encoder used for all frames.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("ipc: building CBOR encode mode: %v", err))
	}
}

// readFrame reads one length-prefixed CBOR frame into v.
func readFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return fmt.Errorf("invalid frame length %d", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("reading frame body: %w", err)
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}

// writeFrame writes v as one length-prefixed CBOR frame.
func writeFrame(w io.Writer, v any) error {
	body, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return errors.New("frame exceeds maximum size")
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// marshalPayload encodes a reply payload as raw CBOR.
func marshalPayload(v any) (cbor.RawMessage, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return cbor.RawMessage(data), nil
}
