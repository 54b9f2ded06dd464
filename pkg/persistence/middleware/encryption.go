package middleware

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/aretw0/scriptforge/pkg/ports"
)

// envelopeMagic prefixes every encrypted artifact.
var envelopeMagic = []byte("sfenc1\x00")

// ErrNoMatchingKey is returned when no configured key opens an artifact.
var ErrNoMatchingKey = errors.New("decryption failed with all available keys")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey seals new artifacts. Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys only open artifacts sealed before a key rotation.
	FallbackKeys [][]byte
}

// sealer is one AES-256-GCM key. The nonce is an HMAC of the plaintext, so equal content seals to
// equal bytes and keeps a single content address.
type sealer struct {
	aead cipher.AEAD
	key  []byte
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes (AES-256), got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead, key: key}, nil
}

func (s *sealer) seal(plaintext []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(plaintext)
	nonce := mac.Sum(nil)[:s.aead.NonceSize()]

	out := make([]byte, 0, len(envelopeMagic)+len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, envelopeMagic...)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, nil)
}

func (s *sealer) open(sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("ciphertext too short")
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], nil)
}

type encryptionMiddleware struct {
	next ports.ArtifactStore
	// keys[0] is the active key.
	keys []*sealer
}

// NewEncryptionMiddleware creates a middleware that encrypts artifacts with AES-GCM and tries
// the fallback keys in order when the active one cannot open an artifact.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	active, err := newSealer(config.ActiveKey)
	if err != nil {
		return nil, fmt.Errorf("active key: %w", err)
	}
	keys := []*sealer{active}
	for i, k := range config.FallbackKeys {
		s, err := newSealer(k)
		if err != nil {
			return nil, fmt.Errorf("fallback key %d: %w", i, err)
		}
		keys = append(keys, s)
	}
	return func(next ports.ArtifactStore) ports.ArtifactStore {
		return &encryptionMiddleware{next: next, keys: keys}
	}, nil
}

func (m *encryptionMiddleware) PutArtifact(ctx context.Context, data []byte) (string, error) {
	return m.next.PutArtifact(ctx, m.keys[0].seal(data))
}

func (m *encryptionMiddleware) GetArtifact(ctx context.Context, id string) ([]byte, error) {
	stored, err := m.next.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	sealed, ok := bytes.CutPrefix(stored, envelopeMagic)
	if !ok {
		return nil, fmt.Errorf("artifact %s is missing the encryption envelope", id)
	}
	for _, k := range m.keys {
		if plain, err := k.open(sealed); err == nil {
			return plain, nil
		}
	}
	return nil, fmt.Errorf("artifact %s: %w", id, ErrNoMatchingKey)
}
