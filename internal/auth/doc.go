// Package auth is the authentication core of the castellan daemon.
//
// The daemon exposes privileged capabilities (synthetic input, screen
// capture) over a local call interface, so it cannot rely on OS-reported
// caller identity alone. Callers prove possession of a whitelisted key by
// signing a single-use challenge nonce; successful authentication binds the
// single active session to the caller's uid and instance, and an encrypted,
// forward-secret channel can then be derived for sensitive traffic.
//
// The Manager is the one entry point the call dispatcher uses:
//
//	nonce, err := mgr.GetChallenge(uid, pid)
//	res, err := mgr.Authenticate(sig, instanceID, uid, pid)
//	ok := mgr.CheckAuthenticated(method, instanceID, uid, pid)
//
// Every operation returns a typed *Error carrying a wire code, a category
// (authentication, security, crypto), and whether the client can retry the
// same flow or must restart authentication. Authentication failures and
// security violations are mirrored synchronously to the audit log.
package auth
