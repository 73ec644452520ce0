// Package crypt provides authenticated symmetric encryption for data at rest.
package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInvalidKey reports unusable key material. Callers treat it as fatal at startup.
	ErrInvalidKey = errors.New("crypt: invalid key")
	// ErrDecrypt reports a ciphertext that failed authentication or is malformed.
	ErrDecrypt = errors.New("crypt: decrypt failed")
)

// Provider encrypts and decrypts opaque blobs. Decrypt never returns an empty value in place of an error.
type Provider interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// XChaCha implements Provider with XChaCha20-Poly1305 and a random 24-byte nonce prefix.
type XChaCha struct {
	aead cipher.AEAD
}

var _ Provider = (*XChaCha)(nil)

// New returns a provider for a raw 32-byte key.
func New(key []byte) (*XChaCha, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &XChaCha{aead: aead}, nil
}

// NewFromEncoded decodes a base64 key (see DecodeKey) and returns a provider.
func NewFromEncoded(encoded string) (*XChaCha, error) {
	key, err := DecodeKey(encoded)
	if err != nil {
		return nil, err
	}
	return New(key)
}

func (x *XChaCha) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, x.aead.NonceSize(), x.aead.NonceSize()+len(plaintext)+x.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypt: nonce: %w", err)
	}
	return x.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (x *XChaCha) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := x.aead.NonceSize()
	if len(ciphertext) < ns+x.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plain, err := x.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

// DecodeKey accepts a standard or URL-safe base64 encoding (padded or not) of a 32-byte key.
func DecodeKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: data key is required", ErrInvalidKey)
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		key, err := enc.DecodeString(encoded)
		if err != nil {
			continue
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("%w: data key must decode to %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(key))
		}
		return key, nil
	}
	return nil, fmt.Errorf("%w: data key is not valid base64", ErrInvalidKey)
}

// GenerateKey returns a fresh random key in standard base64.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
