package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	s := NewSessions("secret", "castkeeper")

	pair, err := s.Issue(42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), pair.FID)

	fid, err := s.ValidateAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(42), fid)

	fid, err = s.ValidateRefresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, int64(42), fid)
}

func TestScopesAreNotInterchangeable(t *testing.T) {
	s := NewSessions("secret", "castkeeper")
	pair, err := s.Issue(42)
	require.NoError(t, err)

	_, err = s.ValidateAccess(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.ValidateRefresh(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejects(t *testing.T) {
	s := NewSessions("secret", "castkeeper")
	pair, err := s.Issue(42)
	require.NoError(t, err)

	other := NewSessions("other-secret", "castkeeper")
	_, err = other.ValidateAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong key")

	foreign := NewSessions("secret", "someone-else")
	_, err = foreign.ValidateAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong issuer")

	_, err = s.ValidateAccess("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredAccessToken(t *testing.T) {
	s := NewSessions("secret", "castkeeper")
	issued := time.Now().Add(-3 * time.Hour)
	s.now = func() time.Time { return issued }
	pair, err := s.Issue(42)
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.ValidateAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	fid, err := s.ValidateRefresh(pair.RefreshToken)
	require.NoError(t, err, "refresh outlives access")
	assert.Equal(t, int64(42), fid)
}

func TestIssueRejectsNonPositiveFID(t *testing.T) {
	_, err := NewSessions("secret", "castkeeper").Issue(0)
	assert.Error(t, err)
}
