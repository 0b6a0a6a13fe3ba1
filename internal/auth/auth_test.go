package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken_Unique(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 40)
}

func TestSplitJoinToken(t *testing.T) {
	token, ns := SplitToken("abc123")
	assert.Equal(t, "abc123", token)
	assert.Equal(t, "default", ns)

	token, ns = SplitToken("abc123:team")
	assert.Equal(t, "abc123", token)
	assert.Equal(t, "team", ns)

	// Trailing colon means no suffix.
	_, ns = SplitToken("abc123:")
	assert.Equal(t, "default", ns)

	assert.Equal(t, "abc123", JoinToken("abc123", "default"))
	assert.Equal(t, "abc123", JoinToken("abc123", ""))
	assert.Equal(t, "abc123:team", JoinToken("abc123", "team"))
}

func TestVerifier_AccessToken(t *testing.T) {
	v := NewVerifier("base-token", []byte("secret"))

	ns, err := v.VerifyAccessToken("base-token")
	require.NoError(t, err)
	assert.Equal(t, "default", ns)

	ns, err = v.VerifyAccessToken("base-token:team")
	require.NoError(t, err)
	assert.Equal(t, "team", ns)

	_, err = v.VerifyAccessToken("wrong-token")
	assert.Error(t, err)
	_, err = v.VerifyAccessToken("wrong-token:team")
	assert.Error(t, err)
}

func TestVerifier_JWTRoundTrip(t *testing.T) {
	v := NewVerifier("base-token", []byte("secret"))

	raw, err := v.IssueJWT("user-1", "team")
	require.NoError(t, err)

	claims, err := v.VerifyJWT(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UID)
	assert.Equal(t, "team", claims.NS)

	// A token signed with another secret is rejected.
	other := NewVerifier("base-token", []byte("other"))
	_, err = other.VerifyJWT(raw)
	assert.Error(t, err)
}

func TestQRBroker_HappyPath(t *testing.T) {
	b := NewQRBroker()

	id, secret, err := b.Create()
	require.NoError(t, err)

	status, token := b.Poll(id, secret)
	assert.Equal(t, QRPending, status)
	assert.Empty(t, token)

	require.NoError(t, b.Confirm(id, secret, "cli-token:team"))

	status, token = b.Poll(id, secret)
	assert.Equal(t, QRConfirmed, status)
	assert.Equal(t, "cli-token:team", token)

	// The token is handed out exactly once.
	status, token = b.Poll(id, secret)
	assert.Equal(t, QRExpired, status)
	assert.Empty(t, token)
}

func TestQRBroker_WrongSecretRejected(t *testing.T) {
	b := NewQRBroker()
	id, _, err := b.Create()
	require.NoError(t, err)

	status, _ := b.Poll(id, "guess")
	assert.Equal(t, QRExpired, status)
	assert.Error(t, b.Confirm(id, "guess", "cli-token"))
}

func TestQRBroker_TTLExpiry(t *testing.T) {
	b := NewQRBroker()
	now := time.Now()
	b.now = func() time.Time { return now }

	id, secret, err := b.Create()
	require.NoError(t, err)

	now = now.Add(QRTTL + time.Second)
	status, _ := b.Poll(id, secret)
	assert.Equal(t, QRExpired, status)
	assert.Error(t, b.Confirm(id, secret, "cli-token"))
}

func TestQRBroker_DoubleConfirmRejected(t *testing.T) {
	b := NewQRBroker()
	id, secret, err := b.Create()
	require.NoError(t, err)

	require.NoError(t, b.Confirm(id, secret, "cli-token"))
	assert.Error(t, b.Confirm(id, secret, "cli-token"))
}
