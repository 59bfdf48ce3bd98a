// Package crypto seals secret config fields with AES-256-GCM.
//
// A sealed value looks like "enc:v1:<base64(nonce|ciphertext)>". Plaintext
// values written before a secret was configured are still readable. Each
// value is bound to an owner string (the tenant npub) as additional data, so
// a sealed value moved into another tenant's file fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const prefix = "enc:v1:"

var (
	ErrEmptySecret = errors.New("crypto: empty master secret")
	ErrNoSecret    = errors.New("crypto: value is sealed but no secret is configured")
	ErrMalformed   = errors.New("crypto: malformed sealed value")
)

// FieldEncryptor is safe for concurrent use. A nil *FieldEncryptor leaves
// values in plaintext.
type FieldEncryptor struct {
	aead cipher.AEAD
}

// DeriveFieldEncryptor expands masterSecret with HKDF-SHA256. Different
// purposes yield unrelated keys.
func DeriveFieldEncryptor(masterSecret []byte, purpose string) (*FieldEncryptor, error) {
	if len(masterSecret) == 0 {
		return nil, ErrEmptySecret
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterSecret, []byte("zapbot-field-encryption"), []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &FieldEncryptor{aead: aead}, nil
}

// Seal encrypts value for owner. Empty and already sealed values are
// returned unchanged.
func (fe *FieldEncryptor) Seal(value, owner string) (string, error) {
	if fe == nil || value == "" || IsSealed(value) {
		return value, nil
	}
	nonce := make([]byte, fe.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	out := fe.aead.Seal(nonce, nonce, []byte(value), []byte(owner))
	return prefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Plaintext values pass through.
func (fe *FieldEncryptor) Open(stored, owner string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	if fe == nil {
		return "", ErrNoSecret
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, prefix))
	if err != nil || len(raw) < fe.aead.NonceSize() {
		return "", ErrMalformed
	}
	n := fe.aead.NonceSize()
	plain, err := fe.aead.Open(nil, raw[:n], raw[n:], []byte(owner))
	if err != nil {
		return "", fmt.Errorf("crypto: open: %w", err)
	}
	return string(plain), nil
}

func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, prefix)
}
