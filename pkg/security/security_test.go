package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClusterAuthenticatorVerifiesCorrectResponse(t *testing.T) {
	auth, err := NewClusterAuthenticator([]byte("cluster-secret"))
	require.NoError(t, err)

	challenge, err := NewChallenge()
	require.NoError(t, err)

	response := auth.Sign(challenge)
	require.True(t, auth.Verify(challenge, response))
}

func TestClusterAuthenticatorRejectsWrongKey(t *testing.T) {
	a, err := NewClusterAuthenticator([]byte("secret-a"))
	require.NoError(t, err)
	b, err := NewClusterAuthenticator([]byte("secret-b"))
	require.NoError(t, err)

	challenge, err := NewChallenge()
	require.NoError(t, err)

	response := b.Sign(challenge)
	require.False(t, a.Verify(challenge, response))
}

func TestClusterAuthenticatorRejectsTamperedChallenge(t *testing.T) {
	auth, err := NewClusterAuthenticator([]byte("cluster-secret"))
	require.NoError(t, err)

	challenge, err := NewChallenge()
	require.NoError(t, err)
	response := auth.Sign(challenge)

	tampered := append([]byte(nil), challenge...)
	tampered[0] ^= 0xFF
	require.False(t, auth.Verify(tampered, response))
}

func TestNewClusterAuthenticatorRejectsEmptyKey(t *testing.T) {
	_, err := NewClusterAuthenticator(nil)
	require.Error(t, err)
}

func TestChallengesAreUnique(t *testing.T) {
	a, err := NewChallenge()
	require.NoError(t, err)
	b, err := NewChallenge()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestTokenIssuerIssueAndVerify(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("jwt-secret"))
	require.NoError(t, err)

	tok, err := issuer.Issue("alice", "mydb", "admin", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	claims, err := issuer.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Username)
	require.Equal(t, "mydb", claims.Database)
	require.Equal(t, "admin", claims.Role)
}

func TestTokenIssuerRejectsExpiredToken(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("jwt-secret"))
	require.NoError(t, err)

	tok, err := issuer.Issue("alice", "mydb", "admin", -time.Minute)
	require.NoError(t, err)

	_, err = issuer.Verify(tok)
	require.Error(t, err)
}

func TestTokenIssuerRejectsWrongSecret(t *testing.T) {
	issuerA, err := NewTokenIssuer([]byte("secret-a"))
	require.NoError(t, err)
	issuerB, err := NewTokenIssuer([]byte("secret-b"))
	require.NoError(t, err)

	tok, err := issuerA.Issue("alice", "mydb", "admin", time.Hour)
	require.NoError(t, err)

	_, err = issuerB.Verify(tok)
	require.Error(t, err)
}

func TestNewTokenIssuerRejectsEmptySecret(t *testing.T) {
	_, err := NewTokenIssuer(nil)
	require.Error(t, err)
}

func TestHashAPIKeyIsDeterministic(t *testing.T) {
	require.Equal(t, HashAPIKey("raw-key"), HashAPIKey("raw-key"))
	require.NotEqual(t, HashAPIKey("raw-key"), HashAPIKey("other-key"))
}

func TestVerifyAPIKey(t *testing.T) {
	hash := HashAPIKey("raw-key")
	require.True(t, VerifyAPIKey("raw-key", hash))
	require.False(t, VerifyAPIKey("wrong-key", hash))
}
