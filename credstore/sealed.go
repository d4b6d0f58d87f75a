package credstore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealedVersion = "v1"
	minMemoryKB   = 8 * 1024
	minSaltLength = 16
)

var (
	// ErrSealedCorrupt is returned when a stored value cannot be decrypted.
	ErrSealedCorrupt = errors.New("credstore: sealed value corrupt")
	// ErrWeakKDF is returned for key-derivation parameters below the minimums.
	ErrWeakKDF = errors.New("credstore: key derivation parameters too weak")
)

// KDFConfig configures Argon2id key derivation.
type KDFConfig struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
}

// DefaultKDFConfig returns the parameters used when none are supplied.
func DefaultKDFConfig() KDFConfig {
	return KDFConfig{Memory: 64 * 1024, Time: 1, Parallelism: 4}
}

// DeriveKey stretches passphrase with salt into a 32-byte XChaCha20-Poly1305 key.
func DeriveKey(passphrase, salt []byte, cfg KDFConfig) ([]byte, error) {
	if cfg.Memory < minMemoryKB || cfg.Time < 1 || cfg.Parallelism < 1 {
		return nil, ErrWeakKDF
	}
	if len(passphrase) == 0 || len(salt) < minSaltLength {
		return nil, ErrWeakKDF
	}
	return argon2.IDKey(passphrase, salt, cfg.Time, cfg.Memory, cfg.Parallelism, chacha20poly1305.KeySize), nil
}

// NewSalt returns 16 random bytes for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, minSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// SealedStore encrypts values before handing them to the inner Store. The key name is
// bound as associated data, so a ciphertext moved to another key fails to open.
type SealedStore struct {
	inner Store
	aead  cipher.AEAD
}

// NewSealedStore wraps inner with a 32-byte key.
func NewSealedStore(inner Store, key []byte) (*SealedStore, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("credstore: sealed store key: %w", err)
	}
	return &SealedStore{inner: inner, aead: aead}, nil
}

func (s *SealedStore) seal(key, value string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return sealedVersion + "." + base64.RawURLEncoding.EncodeToString(out), nil
}

func (s *SealedStore) open(key, stored string) (string, error) {
	version, payload, ok := strings.Cut(stored, ".")
	if !ok || version != sealedVersion {
		return "", ErrSealedCorrupt
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil || len(raw) < s.aead.NonceSize()+s.aead.Overhead() {
		return "", ErrSealedCorrupt
	}
	nonce, ct := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, []byte(key))
	if err != nil {
		return "", ErrSealedCorrupt
	}
	return string(plain), nil
}

func (s *SealedStore) Get(ctx context.Context, key string) (string, bool, error) {
	stored, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	v, err := s.open(key, stored)
	if err != nil {
		return "", false, fmt.Errorf("%w: %s", err, key)
	}
	return v, true, nil
}

func (s *SealedStore) Set(ctx context.Context, key, value string) error {
	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed)
}

// SetMany seals every value and writes through the inner store's batch path if any.
func (s *SealedStore) SetMany(ctx context.Context, values map[string]string) error {
	sealed := make(map[string]string, len(values))
	for k, v := range values {
		sv, err := s.seal(k, v)
		if err != nil {
			return err
		}
		sealed[k] = sv
	}
	return setMany(ctx, s.inner, sealed)
}

func (s *SealedStore) Delete(ctx context.Context, keys ...string) error {
	return s.inner.Delete(ctx, keys...)
}
