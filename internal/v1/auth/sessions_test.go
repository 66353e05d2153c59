package auth

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessions_Create(t *testing.T) {
	sessions := NewSessions()

	token, key, err := sessions.Create("alice")
	require.NoError(t, err)

	assert.Len(t, token, 32)
	_, err = hex.DecodeString(token)
	assert.NoError(t, err, "token must be hex")
	assert.Len(t, key, SessionKeyLen)

	assert.Equal(t, key, sessions.Key("alice"))
	assert.True(t, sessions.VerifyToken("alice", token))
	assert.False(t, sessions.VerifyToken("alice", "deadbeef"))
}

func TestSessions_OneLiveSessionPerUser(t *testing.T) {
	sessions := NewSessions()

	firstToken, firstKey, err := sessions.Create("alice")
	require.NoError(t, err)
	secondToken, secondKey, err := sessions.Create("alice")
	require.NoError(t, err)

	assert.NotEqual(t, firstToken, secondToken)
	assert.NotEqual(t, firstKey, secondKey)

	// Only the latest session is valid
	assert.False(t, sessions.VerifyToken("alice", firstToken))
	assert.True(t, sessions.VerifyToken("alice", secondToken))
	assert.Equal(t, secondKey, sessions.Key("alice"))
}

func TestSessions_End(t *testing.T) {
	sessions := NewSessions()
	token, _, err := sessions.Create("alice")
	require.NoError(t, err)

	sessions.End("alice", token)

	assert.Nil(t, sessions.Key("alice"))
	assert.False(t, sessions.VerifyToken("alice", token))

	// Ending twice is a no-op
	sessions.End("alice", token)
}

func TestSessions_EndIgnoresStaleToken(t *testing.T) {
	sessions := NewSessions()
	oldToken, _, err := sessions.Create("alice")
	require.NoError(t, err)

	// The user re-logged-in; a late teardown of the first connection must
	// not destroy the replacement session.
	newToken, newKey, err := sessions.Create("alice")
	require.NoError(t, err)

	sessions.End("alice", oldToken)

	assert.True(t, sessions.VerifyToken("alice", newToken))
	assert.Equal(t, newKey, sessions.Key("alice"))

	sessions.End("alice", newToken)
	assert.Nil(t, sessions.Key("alice"))
}

func TestSessions_Touch(t *testing.T) {
	sessions := NewSessions()
	_, _, err := sessions.Create("alice")
	require.NoError(t, err)

	sessions.mu.Lock()
	sessions.byUser["alice"].LastSeen = time.Now().Add(-time.Hour)
	before := sessions.byUser["alice"].LastSeen
	sessions.mu.Unlock()

	sessions.Touch("alice")

	sessions.mu.Lock()
	after := sessions.byUser["alice"].LastSeen
	sessions.mu.Unlock()
	assert.True(t, after.After(before))

	// Touching an unknown user must not panic
	sessions.Touch("nobody")
}
