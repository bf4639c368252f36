// Package vault handles the encrypted payloads a user authorized for
// disclosure: the personal message and information-vault entries. Entries
// are stored secretbox-sealed; the engine opens them only while building
// an alert payload, and a failed open degrades to omission, never to a
// blocked alert.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrBadKey        = errors.New("vault: key must be 32 bytes")
	ErrBadCiphertext = errors.New("vault: malformed ciphertext")
	ErrOpenFailed    = errors.New("vault: decryption failed")
)

const nonceLen = 24

// Entry is one information-vault record.
type Entry struct {
	UserID         string `json:"userId"`
	Label          string `json:"label"`
	Ciphertext     string `json:"-"` // base64(nonce || box)
	IncludeInAlert bool   `json:"includeInAlert"`
}

// ParseKey decodes the base64 payload key from config.
func ParseKey(b64 string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if len(raw) != 32 {
		return nil, ErrBadKey
	}

	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// Seal encrypts plaintext under key, prefixing the random nonce. Used by
// fixtures and tests; the API side seals with the same layout.
func Seal(key *[32]byte, plaintext []byte) (string, error) {
	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}

	box := secretbox.Seal(nonce[:], plaintext, &nonce, key)
	return base64.StdEncoding.EncodeToString(box), nil
}

// Open decrypts a sealed value produced by Seal.
func Open(key *[32]byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	if len(raw) < nonceLen+secretbox.Overhead {
		return nil, ErrBadCiphertext
	}

	var nonce [nonceLen]byte
	copy(nonce[:], raw[:nonceLen])

	plain, ok := secretbox.Open(nil, raw[nonceLen:], &nonce, key)
	if !ok {
		return nil, ErrOpenFailed
	}
	return plain, nil
}
