package securestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// EncryptedStore seals every value with AES-256-GCM before handing it to the
// backend and namespaces keys under a service identifier. The namespaced key
// is bound as additional data, so a ciphertext copied to another key fails
// to open.
type EncryptedStore struct {
	inner        Store
	aead         cipher.AEAD
	service      string
	maxValueSize int
}

// NewEncryptedStore derives the data key from secret with HKDF-SHA256 and
// wraps inner. maxValueSize bounds plaintext length; zero disables the check.
func NewEncryptedStore(inner Store, secret []byte, service string, maxValueSize int) (*EncryptedStore, error) {
	if inner == nil {
		return nil, errors.New("securestore: backend required")
	}
	if len(secret) == 0 {
		return nil, errors.New("securestore: encryption secret required")
	}
	if service == "" {
		return nil, errors.New("securestore: service identifier required")
	}

	key, err := deriveKey(secret, service)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &EncryptedStore{
		inner:        inner,
		aead:         aead,
		service:      service,
		maxValueSize: maxValueSize,
	}, nil
}

// Service returns the namespace used for keys.
func (s *EncryptedStore) Service() string { return s.service }

// Get opens the value stored under key.
func (s *EncryptedStore) Get(ctx context.Context, key string) (string, error) {
	nk := s.namespaced(key)
	sealed, err := s.inner.Get(ctx, nk)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", key, err)
	}
	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext for %s too short", key)
	}
	plaintext, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(nk))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s: %w", key, err)
	}
	return string(plaintext), nil
}

// Set seals value and stores it under key.
func (s *EncryptedStore) Set(ctx context.Context, key, value string) error {
	if s.maxValueSize > 0 && len(value) > s.maxValueSize {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrValueTooLarge, key, len(value), s.maxValueSize)
	}
	nk := s.namespaced(key)
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(nk))
	return s.inner.Set(ctx, nk, base64.StdEncoding.EncodeToString(sealed))
}

// Delete removes the value stored under key.
func (s *EncryptedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, s.namespaced(key))
}

// Close closes the backend.
func (s *EncryptedStore) Close() error {
	return s.inner.Close()
}

func (s *EncryptedStore) namespaced(key string) string {
	return s.service + ":" + key
}

func deriveKey(secret []byte, service string) ([]byte, error) {
	h := hkdf.New(sha256.New, secret, []byte("authsession/securestore"), []byte(service))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
