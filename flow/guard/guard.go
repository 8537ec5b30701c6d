// Package guard provides the security layer for workflow execution:
// context signing, metadata sanitization, and cancellation rate limiting.
//
// All state lives in an explicit SecurityContext value scoped to one
// orchestrator instance. There is no package-level mutable state, so
// multiple orchestrators in one process stay fully isolated and tests can
// construct independent contexts freely.
package guard

import "time"

// Context is the unit hashed and signed by the security layer: the current
// machine state, the event being applied, and free-form metadata.
//
// Two Contexts that differ in any field, including any metadata entry, must
// never produce the same signature. Metadata is part of the signed input;
// omitting it lets concurrently executing contexts that share state and
// event collide.
type Context struct {
	State    string
	Event    string
	Metadata map[string]string
}

// SecurityContext bundles the guard stack for one orchestrator instance:
// an HMAC signer and a cancellation rate limiter.
type SecurityContext struct {
	Signer  *Signer
	Limiter *CancellationLimiter
}

// Config configures a SecurityContext.
type Config struct {
	// Key is the HMAC signing key. Required.
	Key []byte

	// MaxCancellations is the per-context cancellation budget within Window.
	// Zero disables rate limiting (every TryCancel succeeds).
	MaxCancellations int

	// Window is the sliding window for cancellation rate limiting.
	Window time.Duration

	// Now is the time source for the limiter window. Defaults to time.Now.
	Now func() time.Time
}

// NewSecurityContext builds the guard stack from cfg.
func NewSecurityContext(cfg Config) *SecurityContext {
	return &SecurityContext{
		Signer:  NewSigner(cfg.Key),
		Limiter: NewCancellationLimiter(cfg.MaxCancellations, cfg.Window, cfg.Now),
	}
}
