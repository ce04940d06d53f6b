package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeVerifier(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		verifier := GenerateCodeVerifier(verifierLength)
		require.Len(t, verifier, verifierLength)

		for _, r := range verifier {
			assert.Contains(t, verifierAlphabet, string(r))
		}

		assert.False(t, seen[verifier], "duplicate verifier generated")
		seen[verifier] = true
	}
}

func TestDeriveCodeChallengeKnownVector(t *testing.T) {
	// Appendix B of RFC 7636.
	challenge := DeriveCodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", challenge)
}

func TestDeriveCodeChallengeProperties(t *testing.T) {
	for length := 43; length <= 128; length++ {
		verifier := GenerateCodeVerifier(length)
		challenge := DeriveCodeChallenge(verifier)

		assert.Equal(t, challenge, DeriveCodeChallenge(verifier), "challenge must be deterministic")
		assert.False(t, strings.ContainsAny(challenge, "+/="), "challenge must be base64url without padding")

		decoded, err := base64.RawURLEncoding.DecodeString(challenge)
		require.NoError(t, err)
		require.Len(t, decoded, sha256.Size)
	}
}

func TestGeneratePKCECodes(t *testing.T) {
	codes := GeneratePKCECodes()
	require.NotNil(t, codes)
	assert.Len(t, codes.CodeVerifier, verifierLength)
	assert.Equal(t, DeriveCodeChallenge(codes.CodeVerifier), codes.CodeChallenge)
}
