package server

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
)

// codeChallengeRe matches a well-formed PKCE code_challenge: unpadded
// base64url.
var codeChallengeRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validCodeChallengeMethod reports whether method is one of the two
// values this engine accepts. The original IndieAuth PKCE profile
// also allowed "plain"; this server never does.
func validCodeChallengeMethod(method string) bool {
	return method == "S256" || method == "SHA256"
}

// verifyPKCE reports whether verifier satisfies challenge under
// method: SHA-256 over the verifier, base64url-encoded without
// padding, per Testable Property 3.
func verifyPKCE(method, challenge, verifier string) bool {
	if !validCodeChallengeMethod(method) {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return computed == challenge
}
