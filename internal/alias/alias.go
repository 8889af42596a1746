// Package alias maps internal numeric user ids to opaque, non-enumerable
// tokens and back.
//
// Tokens are deterministic: the XChaCha20-Poly1305 nonce is an HMAC of the
// id, so one id always yields the same token, and decoding re-derives the
// nonce to reject anything the server did not mint.
package alias

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrInvalidAlias is returned for tokens that were not produced by this codec.
var ErrInvalidAlias = errors.New("invalid alias")

var additionalData = []byte("inbox/user-alias/v1")

const (
	idSize    = 8
	tokenSize = chacha20poly1305.NonceSizeX + idSize + chacha20poly1305.Overhead
)

// Codec encodes and decodes user aliases.
type Codec struct {
	aead     cipher.AEAD
	nonceKey []byte
}

// New derives the encryption and nonce keys from secret.
func New(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("alias secret is required")
	}

	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("inbox user alias"))
	encKey := make([]byte, chacha20poly1305.KeySize)
	nonceKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, encKey); err != nil {
		return nil, fmt.Errorf("failed to derive alias key: %w", err)
	}
	if _, err := io.ReadFull(kdf, nonceKey); err != nil {
		return nil, fmt.Errorf("failed to derive alias nonce key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init alias cipher: %w", err)
	}

	return &Codec{aead: aead, nonceKey: nonceKey}, nil
}

// Encode returns the alias for id.
func (c *Codec) Encode(id int64) string {
	plain := make([]byte, idSize)
	binary.BigEndian.PutUint64(plain, uint64(id))

	nonce := c.nonce(plain)
	out := make([]byte, 0, tokenSize)
	out = append(out, nonce...)
	out = c.aead.Seal(out, nonce, plain, additionalData)
	return base64.RawURLEncoding.EncodeToString(out)
}

// Decode returns the id behind token.
func (c *Codec) Decode(token string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenSize {
		return 0, ErrInvalidAlias
	}

	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := c.aead.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return 0, ErrInvalidAlias
	}
	if !hmac.Equal(nonce, c.nonce(plain)) {
		return 0, ErrInvalidAlias
	}

	id := int64(binary.BigEndian.Uint64(plain))
	if id <= 0 {
		return 0, ErrInvalidAlias
	}
	return id, nil
}

func (c *Codec) nonce(plain []byte) []byte {
	mac := hmac.New(sha256.New, c.nonceKey)
	mac.Write(plain)
	return mac.Sum(nil)[:chacha20poly1305.NonceSizeX]
}
