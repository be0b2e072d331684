package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"

	"github.com/clawnet/reef/gateway"
)

// newSignatureAuthenticator builds the handshake verifier. With
// REEF_AUTH_SECRET set, the client signature must be the hex HMAC-SHA256
// of "claw:ts" under that secret. Without a secret any non-empty claw is
// accepted, for local development only.
func newSignatureAuthenticator() gateway.Authenticator {
	secret := os.Getenv("REEF_AUTH_SECRET")

	return gateway.AuthenticatorFunc(func(_ context.Context, creds gateway.Credentials) (string, error) {
		if creds.ClawID == "" {
			return "", errors.New("missing claw identity")
		}

		if secret == "" {
			return creds.ClawID, nil
		}

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(creds.ClawID + ":" + creds.Timestamp))
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(expected), []byte(creds.Signature)) {
			return "", errors.New("signature mismatch")
		}
		return creds.ClawID, nil
	})
}
