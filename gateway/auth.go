package gateway

import (
	"context"
)

// Credentials are the handshake parameters a client presents: its claw
// identity, a timestamp, and a signature over a fixed message format.
// Cryptographic verification lives in a collaborator; the gateway only
// consumes the verdict.
type Credentials struct {
	ClawID    string
	Timestamp string
	Signature string
}

// Authenticator verifies handshake credentials and returns the verified
// claw identity. Any error refuses the handshake before a connection
// exists.
type Authenticator interface {
	Verify(ctx context.Context, creds Credentials) (string, error)
}

// AuthenticatorFunc adapts a function into an Authenticator
type AuthenticatorFunc func(ctx context.Context, creds Credentials) (string, error)

// Verify calls the wrapped function
func (f AuthenticatorFunc) Verify(ctx context.Context, creds Credentials) (string, error) {
	return f(ctx, creds)
}
