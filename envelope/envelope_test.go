package envelope

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	codec, err := NewCodec([]byte("test-secret-not-for-production"), "code")
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		in   Code
	}{
		{"minimal", Code{ClientID: "https://client.example/", Me: "https://me.example/"}},
		{"with scopes and pkce", Code{
			ClientID:            "https://client.example/",
			RedirectURI:         "https://client.example/cb",
			Me:                  "https://me.example/",
			GrantedScopes:       []string{"profile", "email"},
			CodeChallenge:       "abc123",
			CodeChallengeMethod: "S256",
			IssuedAt:            now,
			Expiry:              now.Add(10 * time.Minute),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token, err := Seal(codec, tc.in)
			require.NoError(t, err)
			require.NotEmpty(t, token)

			out, err := Open[Code](codec, token)
			require.NoError(t, err)
			require.Equal(t, tc.in, out)
		})
	}
}

func TestOpenRejectsTamperedEnvelope(t *testing.T) {
	codec, err := NewCodec([]byte("test-secret-not-for-production"), "code")
	require.NoError(t, err)

	token, err := Seal(codec, Code{ClientID: "https://client.example/"})
	require.NoError(t, err)

	tampered := strings.Replace(token, token[len(token)-4:], "AAAA", 1)
	_, err = Open[Code](codec, tampered)
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestOpenRejectsGarbage(t *testing.T) {
	codec, err := NewCodec([]byte("test-secret-not-for-production"), "code")
	require.NoError(t, err)

	_, err = Open[Code](codec, "not-valid-base64url!!!")
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestDomainSeparationByInfo(t *testing.T) {
	codeCodec, err := NewCodec([]byte("shared-secret-value-0123456789"), "code")
	require.NoError(t, err)
	ticketCodec, err := NewCodec([]byte("shared-secret-value-0123456789"), "ticket")
	require.NoError(t, err)

	token, err := Seal(codeCodec, Code{ClientID: "https://client.example/"})
	require.NoError(t, err)

	_, err = Open[Ticket](ticketCodec, token)
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, Expired(now.Add(-time.Second), now))
	require.False(t, Expired(now.Add(time.Second), now))
}
