package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// verifierAlphabet is the unreserved character set used for code verifiers.
const verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// verifierLength is the number of characters drawn per login attempt.
// RFC 7636 allows 43-128; the longest permitted value is used.
const verifierLength = 128

// PKCECodes holds a code verifier and its derived challenge pair
// following RFC 7636 for the OAuth 2.0 PKCE extension.
type PKCECodes struct {
	CodeVerifier  string
	CodeChallenge string
}

// GeneratePKCECodes generates a fresh PKCE code verifier and challenge pair.
func GeneratePKCECodes() *PKCECodes {
	verifier := GenerateCodeVerifier(verifierLength)
	return &PKCECodes{
		CodeVerifier:  verifier,
		CodeChallenge: DeriveCodeChallenge(verifier),
	}
}

// GenerateCodeVerifier draws length cryptographically secure random bytes and
// maps each one onto the verifier alphabet. A failing randomness source is
// unrecoverable, so there is no error path.
func GenerateCodeVerifier(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic("auth: crypto/rand unavailable: " + err.Error())
	}
	out := make([]byte, length)
	for i, b := range bytes {
		out[i] = verifierAlphabet[int(b)%len(verifierAlphabet)]
	}
	return string(out)
}

// DeriveCodeChallenge computes the S256 challenge for a code verifier:
// the SHA-256 digest of the verifier bytes, base64url encoded without padding.
// Deterministic for identical input.
func DeriveCodeChallenge(codeVerifier string) string {
	hash := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
