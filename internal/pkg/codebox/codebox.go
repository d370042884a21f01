// Package codebox encrypts redeem codes at rest with NaCl secretbox.
package codebox

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	ErrInvalidKey = errors.New("code key must be 32 bytes hex encoded")
	ErrDecrypt    = errors.New("failed to decrypt code")
)

// Box seals and opens codes with a single symmetric key.
type Box struct {
	key [keySize]byte
}

// New parses a hex encoded 32 byte key (REDEEM_CODE_KEY).
func New(hexKey string) (*Box, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != keySize {
		return nil, ErrInvalidKey
	}
	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// Seal returns base64(nonce || ciphertext).
func (b *Box) Seal(plain string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (b *Box) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Fingerprint is a keyed hash used to reject duplicate imports without
// storing the plaintext.
func (b *Box) Fingerprint(plain string) string {
	mac := hmac.New(sha256.New, b.key[:])
	mac.Write([]byte(plain))
	return hex.EncodeToString(mac.Sum(nil))
}
