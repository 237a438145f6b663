// Package envelope implements the sealed-envelope codec: every piece of
// in-flight protocol state (continuation, code, access token, refresh
// token, ticket) is serialized, AES-256-GCM encrypted under a key derived
// from the configured encryption secret, and base64url-encoded, rather than
// held in server-side session storage. Code, token and ticket payloads
// carry a CodeID that the server looks up in storage for revocation and
// refresh state.
package envelope

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	dingusCrypto "github.com/dingus-idp/dingus/pkg/crypto"
)

const aesKeySize = 32

// ErrInvalidEnvelope is returned for any failure to open a sealed value:
// bad base64, GCM authentication failure, or a JSON shape mismatch. The
// three failure modes are deliberately indistinguishable to callers so
// that a tampered envelope looks the same as an expired or malformed one.
var ErrInvalidEnvelope = errors.New("envelope: invalid or tampered value")

// Codec seals and opens envelopes under a single derived AES key.
type Codec struct {
	key [aesKeySize]byte
}

// NewCodec derives a 32-byte AES key from secret via HKDF-SHA256, using
// info to domain-separate different envelope kinds sharing one secret
// (e.g. "code" vs "ticket") so a code envelope can never be replayed as a
// ticket envelope even if the JSON shapes happen to collide.
func NewCodec(secret []byte, info string) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("envelope: empty encryption secret")
	}
	h := hkdf.New(sha256.New, secret, nil, []byte(info))
	c := &Codec{}
	if _, err := io.ReadFull(h, c.key[:]); err != nil {
		return nil, fmt.Errorf("envelope: deriving key: %w", err)
	}
	return c, nil
}

// Seal serializes v as JSON, encrypts it, and returns a URL-safe token.
func (c *Codec) Seal(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal: %w", err)
	}
	ciphertext, err := dingusCrypto.Encrypt(plaintext, c.key[:])
	if err != nil {
		return "", fmt.Errorf("envelope: encrypt: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

// Open decodes and decrypts token into v. Any failure collapses to
// ErrInvalidEnvelope.
func (c *Codec) Open(token string, v any) error {
	ciphertext, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrInvalidEnvelope
	}
	if len(ciphertext) < aes.BlockSize {
		return ErrInvalidEnvelope
	}
	plaintext, err := dingusCrypto.Decrypt(ciphertext, c.key[:])
	if err != nil {
		return ErrInvalidEnvelope
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return ErrInvalidEnvelope
	}
	return nil
}
