// Package apikeys decrypts the single opaque API-key blob an AgentConfig
// references (spec §3, §6 "api_key": "public prefix plus an encrypted
// blob"). Adapted from the teacher's multi-tenant AES-256-GCM key service,
// narrowed to one credential per lookup and upgraded to derive its AES key
// with HKDF instead of the teacher's pad/truncate-to-32-bytes shortcut.
package apikeys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"tradingagent/internal/apperr"
)

// Store is the backing credential store (satisfied by *vault.Client).
type Store interface {
	GetCredential(ctx context.Context, credentialID string) ([]byte, error)
	StoreCredential(ctx context.Context, credentialID string, blob []byte) error
}

// Key is the decrypted view of one stored API key, matching spec §6's
// "api_key" wire object.
type Key struct {
	CredentialID string
	PublicPrefix string
	Secret       string
}

type cacheEntry struct {
	key       Key
	expiresAt time.Time
}

// Service decrypts API-key blobs, caching the decrypted plaintext briefly
// to avoid re-reading and re-decrypting the stored blob on every candle's
// decision call.
type Service struct {
	store      Store
	derivedKey [32]byte

	mu    sync.RWMutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

// NewService derives a 32-byte AES key from passphrase via HKDF-SHA256 and
// builds a Service backed by store.
func NewService(store Store, passphrase string, ttl time.Duration) (*Service, error) {
	if passphrase == "" {
		return nil, apperr.NewValidation("passphrase", "must not be empty")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	var derived [32]byte
	kdf := hkdf.New(sha256.New, []byte(passphrase), nil, []byte("tradingagent-apikey-v1"))
	if _, err := io.ReadFull(kdf, derived[:]); err != nil {
		return nil, apperr.NewTransport("apikeys", err)
	}

	return &Service{
		store:      store,
		derivedKey: derived,
		cache:      make(map[string]cacheEntry),
		ttl:        ttl,
	}, nil
}

// GetKey decrypts and returns the API key for credentialID.
func (s *Service) GetKey(ctx context.Context, credentialID, publicPrefix string) (*Key, error) {
	s.mu.RLock()
	entry, ok := s.cache[credentialID]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return &entry.key, nil
	}

	blob, err := s.store.GetCredential(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	secret, err := s.decrypt(blob)
	if err != nil {
		return nil, err
	}

	key := Key{CredentialID: credentialID, PublicPrefix: publicPrefix, Secret: secret}

	s.mu.Lock()
	s.cache[credentialID] = cacheEntry{key: key, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return &key, nil
}

// StoreKey encrypts secret and writes it under credentialID, invalidating
// any cached plaintext.
func (s *Service) StoreKey(ctx context.Context, credentialID, secret string) error {
	blob, err := s.encrypt(secret)
	if err != nil {
		return err
	}
	if err := s.store.StoreCredential(ctx, credentialID, blob); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, credentialID)
	s.mu.Unlock()
	return nil
}

// ClearCache drops all cached plaintext, forcing the next lookup to re-read
// and re-decrypt from the backing store.
func (s *Service) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cacheEntry)
}

func (s *Service) encrypt(plaintext string) ([]byte, error) {
	block, err := aes.NewCipher(s.derivedKey[:])
	if err != nil {
		return nil, apperr.NewTransport("apikeys", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.NewTransport("apikeys", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, apperr.NewTransport("apikeys", err)
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (s *Service) decrypt(blob []byte) (string, error) {
	block, err := aes.NewCipher(s.derivedKey[:])
	if err != nil {
		return "", apperr.NewTransport("apikeys", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperr.NewTransport("apikeys", err)
	}
	nonceSize := gcm.NonceSize()
	if len(blob) < nonceSize {
		return "", apperr.NewValidation("blob", "ciphertext shorter than nonce")
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", apperr.NewTransport("apikeys", err)
	}
	return string(plaintext), nil
}
