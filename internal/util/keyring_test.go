package util

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyA = []byte("signing-key-a-0123456789abcdef01")
	keyB = []byte("signing-key-b-0123456789abcdef01")
	keyC = []byte("signing-key-c-0123456789abcdef01")
)

func TestKeyring_RequiresCurrentKey(t *testing.T) {
	_, err := NewKeyring(nil, nil)
	require.Error(t, err)
}

func TestKeyring_VerificationByKeyID(t *testing.T) {
	ring, err := NewKeyring(keyA, keyB)
	require.NoError(t, err)

	current, kid := ring.Signing()
	assert.Equal(t, keyA, current)

	got, ok := ring.Verification(kid)
	require.True(t, ok)
	assert.Equal(t, keyA, got)

	// The previous key stays resolvable under its own id.
	other, err := NewKeyring(keyB, nil)
	require.NoError(t, err)
	_, prevKID := other.Signing()

	got, ok = ring.Verification(prevKID)
	require.True(t, ok)
	assert.Equal(t, keyB, got)

	_, ok = ring.Verification("ffffffff")
	assert.False(t, ok)
}

func TestKeyring_KeyIDsAreDerived(t *testing.T) {
	one, err := NewKeyring(keyA, nil)
	require.NoError(t, err)
	two, err := NewKeyring(keyA, nil)
	require.NoError(t, err)

	_, kidOne := one.Signing()
	_, kidTwo := two.Signing()
	assert.Equal(t, kidOne, kidTwo)

	three, err := NewKeyring(keyB, nil)
	require.NoError(t, err)
	_, kidThree := three.Signing()
	assert.NotEqual(t, kidOne, kidThree)
}

func newTestTokenManager(t *testing.T, current, previous []byte) *TokenManager {
	t.Helper()
	ring, err := NewKeyring(current, previous)
	require.NoError(t, err)
	return NewTokenManager(TokenConfig{Audience: []string{"platform"}}, ring)
}

func TestTokenManager_MintParseRoundTrip(t *testing.T) {
	tm := newTestTokenManager(t, keyA, nil)
	userID := uuid.New()
	sessionID := uuid.New().String()

	token, err := tm.Mint(sessionID, userID, time.Now().Add(time.Hour))
	require.NoError(t, err)

	claims, err := tm.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, sessionID, claims.SessionID)
	assert.Equal(t, sessionID, claims.ID)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.Equal(t, "audit-service", claims.Issuer)
	assert.Contains(t, claims.Audience, "platform")
}

func TestTokenManager_PreviousKeyKeepsVerifying(t *testing.T) {
	before := newTestTokenManager(t, keyB, nil)
	token, err := before.Mint(uuid.New().String(), uuid.New(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	// After rotation the old key rides along as previous.
	after := newTestTokenManager(t, keyA, keyB)
	_, err = after.Parse(token)
	require.NoError(t, err)

	fresh, err := after.Mint(uuid.New().String(), uuid.New(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = after.Parse(fresh)
	require.NoError(t, err)
}

func TestTokenManager_UnknownSigningKeyRejected(t *testing.T) {
	foreign := newTestTokenManager(t, keyC, nil)
	token, err := foreign.Mint(uuid.New().String(), uuid.New(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	tm := newTestTokenManager(t, keyA, keyB)
	_, err = tm.Parse(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown signing key")
}

func TestTokenManager_ExpiredTokenRejected(t *testing.T) {
	tm := newTestTokenManager(t, keyA, nil)
	token, err := tm.Mint(uuid.New().String(), uuid.New(), time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = tm.Parse(token)
	require.Error(t, err)
}

func TestTokenManager_TamperedTokenRejected(t *testing.T) {
	tm := newTestTokenManager(t, keyA, nil)
	token, err := tm.Mint(uuid.New().String(), uuid.New(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	tampered := []byte(token)
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}

	_, err = tm.Parse(string(tampered))
	require.Error(t, err)
}

func TestTokenManager_MissingSessionIDRejected(t *testing.T) {
	tm := newTestTokenManager(t, keyA, nil)
	token, err := tm.Mint("", uuid.New(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = tm.Parse(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing session id")
}
