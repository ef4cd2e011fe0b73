// Package pkce generates PKCE verifier/challenge pairs and OAuth state tokens.
package pkce

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// Method is the only challenge method we send.
const Method = "S256"

// Pair is a PKCE verifier and its S256 challenge.
type Pair struct {
	Verifier  string
	Challenge string
}

// Generate returns a fresh verifier (32 random bytes, base64url without
// padding) and its challenge base64url(SHA-256(verifier)).
func Generate() Pair {
	verifier := oauth2.GenerateVerifier()
	return Pair{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
	}
}

// State returns an unguessable single-use state token.
// A failing CSPRNG is not recoverable, so this panics.
func State() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("pkce: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
