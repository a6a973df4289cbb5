// Package pkce generates Proof Key for Code Exchange (RFC 7636) verifier and
// challenge pairs for the marketplace authorization-code flow.
package pkce

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/oauth2"
)

const (
	// verifierBytes is the amount of entropy drawn for each verifier. 32 bytes
	// encodes to 43 base64url characters, the RFC 7636 minimum length.
	verifierBytes = 32

	minVerifierLen = 43
	maxVerifierLen = 128

	// Method is the only challenge method the marketplace accepts from us.
	Method = "S256"
)

// randReader is swapped in tests to force entropy failures.
var randReader io.Reader = rand.Reader

// Pair holds a verifier and its derived S256 challenge.
type Pair struct {
	Verifier  string
	Challenge string
}

// Generate returns a fresh verifier/challenge pair. Every call draws new
// entropy; pairs must never be reused across authorization attempts.
func Generate() (Pair, error) {
	buf := make([]byte, verifierBytes)
	if _, err := io.ReadFull(randReader, buf); err != nil {
		return Pair{}, fmt.Errorf("pkce: read random bytes: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	return Pair{
		Verifier:  verifier,
		Challenge: ChallengeFromVerifier(verifier),
	}, nil
}

// ChallengeFromVerifier derives the S256 challenge for verifier:
// base64url(SHA-256(verifier)) without padding.
func ChallengeFromVerifier(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidVerifier reports whether v satisfies the RFC 7636 verifier grammar:
// 43 to 128 characters from [A-Za-z0-9-._~].
func ValidVerifier(v string) bool {
	if len(v) < minVerifierLen || len(v) > maxVerifierLen {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
