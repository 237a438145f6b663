package scope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValid(t *testing.T) {
	require.True(t, Valid("profile"))
	require.True(t, Valid("read:feed"))
	require.False(t, Valid(""))
	require.False(t, Valid("has space"))
	require.False(t, Valid(`has"quote`))
	require.False(t, Valid(`has\backslash`))
}

func TestParseRequested(t *testing.T) {
	got := ParseRequested("profile email  has space")
	require.Equal(t, []string{"profile", "email", "has", "space"}, got)
}

func TestHasEmailWithoutProfile(t *testing.T) {
	require.True(t, HasEmailWithoutProfile([]string{"email"}))
	require.False(t, HasEmailWithoutProfile([]string{"email", "profile"}))
	require.False(t, HasEmailWithoutProfile([]string{"profile"}))
}

func TestNormalizeAccepted(t *testing.T) {
	scopes, adHoc, notes := NormalizeAccepted(`has"quote custom`, []string{"profile", "email"})
	require.ElementsMatch(t, []string{"profile", "email", "custom"}, scopes)
	require.Equal(t, []string{"custom"}, adHoc)
	require.Len(t, notes, 1)
	require.Equal(t, `has"quote`, notes[0].Scope)

	scopes, adHoc, notes = NormalizeAccepted("", []string{"email"})
	require.Equal(t, []string{}, scopes)
	require.Empty(t, adHoc)
	require.Len(t, notes, 1)
	require.Equal(t, "email", notes[0].Scope)

	// an ad-hoc "email" typed without "profile" is stripped from both
	// the granted set and the to-be-registered set.
	scopes, adHoc, notes = NormalizeAccepted("email", nil)
	require.Equal(t, []string{}, scopes)
	require.Empty(t, adHoc)
	require.Len(t, notes, 1)
}
