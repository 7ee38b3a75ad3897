package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionManager_IssueAndValidate(t *testing.T) {
	m := NewSessionManager("test-secret", "pos-sync-hub", time.Hour)

	token, err := m.Issue("dev-1", "t1", "s1", "u1", "Ana")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", claims.DeviceID)
	assert.Equal(t, "t1", claims.TenantID)
	assert.Equal(t, "s1", claims.StoreID)
	assert.Equal(t, "Ana", claims.UserName)
	assert.Equal(t, "pos-sync-hub", claims.Issuer)
}

func TestSessionManager_RejectsWrongSecret(t *testing.T) {
	issuer := NewSessionManager("secret-a", "pos-sync-hub", time.Hour)
	verifier := NewSessionManager("secret-b", "pos-sync-hub", time.Hour)

	token, err := issuer.Issue("dev-1", "t1", "s1", "u1", "Ana")
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	assert.Error(t, err)
}

func TestSessionManager_RejectsExpired(t *testing.T) {
	m := NewSessionManager("test-secret", "pos-sync-hub", -time.Minute)

	token, err := m.Issue("dev-1", "t1", "s1", "u1", "Ana")
	require.NoError(t, err)

	_, err = m.Validate(token)
	assert.Error(t, err)
}
