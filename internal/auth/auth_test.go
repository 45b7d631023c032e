// ABOUTME: Tests for JWT issuance/verification and credential hashing.
// ABOUTME: Covers expiry, tampering, missing claims, and context propagation.

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("agent-1", "supervisor", time.Hour)
	require.NoError(t, err)

	agentID, role, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agentID)
	assert.Equal(t, "supervisor", role)
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("agent-1", "agent", -time.Minute)
	require.NoError(t, err)

	_, _, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	other := NewJWTVerifier([]byte("other-secret"))

	token, err := v.Generate("agent-1", "agent", time.Hour)
	require.NoError(t, err)

	_, _, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_Garbage(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	_, _, err := v.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCredentials_RoundTrip(t *testing.T) {
	hash, err := HashCredential("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)

	assert.NoError(t, VerifyCredential(hash, "s3cret"))
	assert.ErrorIs(t, VerifyCredential(hash, "wrong"), ErrBadCredentials)
}

func TestAgentContext_Propagation(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))

	ctx = WithAgent(ctx, &AgentContext{AgentID: "agent-1", Role: "supervisor"})
	got := FromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.True(t, got.IsSupervisor())
}
