// Package credential seals and opens integration credentials at rest.
//
// Ciphertext is the standard base64 encoding of a 24 byte nonce followed by
// a NaCl secretbox.
package credential

import (
	"crypto/rand"
	"encoding/base64"
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
	ErrKey        = errors.New("credential key must be 32 bytes, base64 encoded")
	ErrCiphertext = errors.New("credential ciphertext is malformed or was sealed with another key")
)

// Opener decrypts a stored credential.
type Opener interface {
	Open(ciphertext string) ([]byte, error)
}

// Box is a secretbox keyed Opener that can also seal new credentials.
type Box struct {
	key [keySize]byte
}

// NewBox parses a base64 encoded 32 byte key.
func NewBox(encodedKey string) (*Box, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil || len(raw) != keySize {
		return nil, ErrKey
	}
	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

func (b *Box) Seal(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], plaintext, &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (b *Box) Open(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return nil, ErrCiphertext
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrCiphertext
	}
	return plain, nil
}

// Plaintext passes stored credentials through unchanged. It is only used
// when no key is configured.
type Plaintext struct{}

func (Plaintext) Open(ciphertext string) ([]byte, error) {
	return []byte(ciphertext), nil
}

// GenerateKey returns a fresh base64 encoded key suitable for NewBox.
func GenerateKey() (string, error) {
	var key [keySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}
