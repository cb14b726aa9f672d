package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateAndVerifyToken(t *testing.T) {
	svc := NewServiceWithCost(bcrypt.MinCost)

	token, hash, err := svc.GenerateToken("client-1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(token, "client-1."))

	clientID, secret, err := SplitToken(token)
	require.NoError(t, err)
	assert.Equal(t, "client-1", clientID)
	assert.Len(t, secret, 64)

	assert.True(t, svc.VerifyToken(secret, hash))
	assert.False(t, svc.VerifyToken(secret+"0", hash))
}

func TestSplitTokenRejectsMalformed(t *testing.T) {
	for _, token := range []string{"", "nodot", ".secret", "client."} {
		_, _, err := SplitToken(token)
		assert.ErrorIs(t, err, ErrMalformedToken, token)
	}
}
