// ABOUTME: Method dispatcher for the companion call surface
// ABOUTME: Gates every privileged method through AuthManager.CheckAuthenticated

package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"

	"github.com/castellan-dev/castellan/internal/auth"
	"github.com/castellan-dev/castellan/internal/channel"
)

// Caller is the OS-reported identity of the connected peer, taken from
// SO_PEERCRED at accept time.
type Caller struct {
	UID uint32
	PID int32
}

// HandlerFunc handles one decoded request payload and returns the reply
// payload.
type HandlerFunc func(ctx context.Context, caller Caller, instanceID string, payload cbor.RawMessage) (any, error)

// MessageProcessor consumes decrypted channel traffic and produces the
// plaintext reply that will be encrypted back to the companion. The capture
// and input subsystems implement this; the default processor echoes the
// payload as an acknowledgment.
type MessageProcessor interface {
	Process(ctx context.Context, plane channel.Plane, plaintext []byte) ([]byte, error)
}

// echoProcessor acknowledges channel messages by echoing them.
type echoProcessor struct{}

func (echoProcessor) Process(_ context.Context, _ channel.Plane, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

// handler is one registered method.
type handler struct {
	fn         HandlerFunc
	privileged bool
}

// Dispatcher routes companion requests to handlers. Privileged methods pass
// through the authentication gate first; all gate denials surface as the
// same UNAUTHORIZED outcome.
type Dispatcher struct {
	mgr       *auth.Manager
	processor MessageProcessor
	handlers  map[string]handler
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher with the built-in auth and channel
// methods registered. A nil processor installs the echo acknowledger.
func NewDispatcher(mgr *auth.Manager, processor MessageProcessor) *Dispatcher {
	if processor == nil {
		processor = echoProcessor{}
	}
	d := &Dispatcher{
		mgr:       mgr,
		processor: processor,
		handlers:  make(map[string]handler),
		logger:    slog.Default().With("component", "ipc"),
	}
	d.registerBuiltins()
	return d
}

// Register adds an unprivileged method.
func (d *Dispatcher) Register(method string, fn HandlerFunc) {
	d.handlers[method] = handler{fn: fn}
}

// RegisterPrivileged adds a method that requires an authenticated session.
func (d *Dispatcher) RegisterPrivileged(method string, fn HandlerFunc) {
	d.handlers[method] = handler{fn: fn, privileged: true}
}

// registerBuiltins wires the auth bootstrap and channel methods.
func (d *Dispatcher) registerBuiltins() {
	d.Register("auth.challenge", d.handleChallenge)
	d.Register("auth.authenticate", d.handleAuthenticate)
	d.Register("auth.attest", d.handleAttest)
	d.Register("auth.checkSession", d.handleCheckSession)
	d.RegisterPrivileged("auth.teardown", d.handleTeardown)
	d.RegisterPrivileged("channel.init", d.handleChannelInit)
	d.RegisterPrivileged("channel.control", d.planeHandler(channel.PlaneControl))
	d.RegisterPrivileged("channel.data", d.planeHandler(channel.PlaneData))
	d.RegisterPrivileged("channel.rotate", d.handleChannelRotate)
}

// Dispatch handles one request and builds the response.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, req *Request) *Response {
	h, ok := d.handlers[req.Method]
	if !ok {
		return &Response{ID: req.ID, Code: "UNKNOWN_METHOD", Error: fmt.Sprintf("unknown method %q", req.Method)}
	}

	if h.privileged {
		if !d.mgr.CheckAuthenticated(req.Method, req.InstanceID, caller.UID, caller.PID) {
			// Denial reasons are indistinguishable on the wire.
			return &Response{
				ID:          req.ID,
				Code:        string(auth.CodeUnauthorized),
				Error:       "unauthorized",
				Recoverable: false,
			}
		}
	}

	result, err := h.fn(ctx, caller, req.InstanceID, req.Payload)
	if err != nil {
		return errorResponse(req.ID, err)
	}

	payload, err := marshalPayload(result)
	if err != nil {
		d.logger.Error("failed to encode reply", "method", req.Method, "error", err)
		return &Response{ID: req.ID, Code: "INTERNAL", Error: "internal error"}
	}
	return &Response{ID: req.ID, Code: "OK", Payload: payload}
}

// errorResponse maps a handler error onto the wire taxonomy.
func errorResponse(id uint64, err error) *Response {
	var ae *auth.Error
	if errors.As(err, &ae) {
		return &Response{
			ID:          id,
			Code:        string(ae.Code),
			Error:       err.Error(),
			Recoverable: ae.Recoverable,
		}
	}
	return &Response{ID: id, Code: "INTERNAL", Error: err.Error()}
}

func (d *Dispatcher) handleChallenge(_ context.Context, caller Caller, _ string, _ cbor.RawMessage) (any, error) {
	nonce, err := d.mgr.GetChallenge(caller.UID, caller.PID)
	if err != nil {
		return nil, err
	}
	return &ChallengeReply{Nonce: nonce}, nil
}

func (d *Dispatcher) handleAuthenticate(_ context.Context, caller Caller, instanceID string, payload cbor.RawMessage) (any, error) {
	var req AuthenticateRequest
	if err := cbor.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding authenticate request: %w", err)
	}

	res, err := d.mgr.Authenticate(req.Signature, instanceID, caller.UID, caller.PID)
	if err != nil {
		return nil, err
	}
	return &AuthenticateReply{
		Success:             res.Success,
		RequiresAttestation: res.RequiresAttestation,
		KeyID:               res.KeyID,
	}, nil
}

func (d *Dispatcher) handleAttest(_ context.Context, caller Caller, _ string, payload cbor.RawMessage) (any, error) {
	var req AttestRequest
	if err := cbor.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding attest request: %w", err)
	}

	if err := d.mgr.VerifyAttestation(req.Chain, caller.UID, caller.PID); err != nil {
		return nil, err
	}
	return &AttestReply{Success: true}, nil
}

func (d *Dispatcher) handleCheckSession(_ context.Context, caller Caller, instanceID string, _ cbor.RawMessage) (any, error) {
	status := d.mgr.CheckSession(instanceID, caller.UID)
	return &CheckSessionReply{
		HasActiveSession: status.HasActiveSession,
		IsOwnSession:     status.IsOwnSession,
		RemainingMS:      status.RemainingMS,
	}, nil
}

func (d *Dispatcher) handleTeardown(_ context.Context, caller Caller, instanceID string, _ cbor.RawMessage) (any, error) {
	if err := d.mgr.TeardownSession(instanceID, caller.UID, caller.PID); err != nil {
		return nil, err
	}
	return &struct{}{}, nil
}

func (d *Dispatcher) handleChannelInit(_ context.Context, caller Caller, instanceID string, payload cbor.RawMessage) (any, error) {
	var req ChannelInitRequest
	if err := cbor.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding channel init request: %w", err)
	}

	info, err := d.mgr.InitCryptoChannel(req.ClientPublic, instanceID, caller.UID, caller.PID)
	if err != nil {
		return nil, err
	}
	return channelInitReply(info), nil
}

func (d *Dispatcher) handleChannelRotate(_ context.Context, _ Caller, _ string, payload cbor.RawMessage) (any, error) {
	var req ChannelInitRequest
	if err := cbor.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding channel rotate request: %w", err)
	}

	info, err := d.mgr.RotateChannelKeys(req.ClientPublic)
	if err != nil {
		return nil, err
	}
	return channelInitReply(info), nil
}

// planeHandler builds the handler for one encrypted plane: decrypt the
// request, process the plaintext, encrypt the reply.
func (d *Dispatcher) planeHandler(plane channel.Plane) HandlerFunc {
	return func(ctx context.Context, _ Caller, _ string, payload cbor.RawMessage) (any, error) {
		var req ChannelMessageRequest
		if err := cbor.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding channel message: %w", err)
		}

		plaintext, err := d.mgr.DecryptMessage(plane, req.Message)
		if err != nil {
			return nil, err
		}

		reply, err := d.processor.Process(ctx, plane, plaintext)
		if err != nil {
			return nil, err
		}

		sealed, err := d.mgr.EncryptMessage(plane, reply)
		if err != nil {
			return nil, err
		}
		return &ChannelMessageReply{Message: sealed}, nil
	}
}

// channelInitReply converts manager channel info to the wire shape.
func channelInitReply(info auth.ChannelInfo) *ChannelInitReply {
	return &ChannelInitReply{
		ServerPublic:  info.ServerPublic,
		SessionID:     info.SessionID,
		KeyGeneration: info.KeyGeneration,
		Capabilities:  info.Capabilities,
	}
}
