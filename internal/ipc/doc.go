// Package ipc serves the companion application's call interface: a
// root-owned unix socket carrying length-prefixed CBOR request/response
// frames.
//
// Caller identity (uid, pid) comes from SO_PEERCRED at connection time and
// is passed to every handler. Privileged methods are gated through the auth
// manager before dispatch, and all gate denials look identical to the
// caller.
//
// The capture and input subsystems register their privileged methods on the
// dispatcher and receive decrypted channel traffic through the
// MessageProcessor interface; this package knows nothing about their
// internals.
package ipc
