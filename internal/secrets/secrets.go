// Package secrets seals transcript content at rest with AES-256-GCM.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// SealedPrefix marks values produced by Seal. Values without it are treated
// as plaintext written before a key was configured.
const SealedPrefix = "sealed:v1:"

var (
	newGCM = cipher.NewGCM

	ErrInvalidKey     = errors.New("TRANSCRIPT_KEY must be 32 bytes or base64-encoded 32 bytes")
	ErrMalformedValue = errors.New("malformed sealed value")
)

type Sealer struct {
	aead cipher.AEAD
}

func ParseKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("TRANSCRIPT_KEY is required")
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(decoded) != 32 {
		return nil, ErrInvalidKey
	}
	return decoded, nil
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Unprefixed input is returned unchanged.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", ErrMalformedValue
	}
	size := s.aead.NonceSize()
	if len(data) < size {
		return "", ErrMalformedValue
	}
	plain, err := s.aead.Open(nil, data[:size], data[size:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}
