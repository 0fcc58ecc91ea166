// Package vault stores and retrieves encrypted credential blobs in
// HashiCorp Vault's KV v2 secrets engine. Adapted from the teacher's
// per-user/per-exchange Binance-credential vault client, generalized to a
// single opaque credential blob per credential id (spec §3, §6 "api_key").
package vault

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"tradingagent/internal/apperr"
)

// Client wraps a HashiCorp Vault KV v2 mount, with a short-lived in-memory
// read cache matching the teacher's caching behavior.
type Client struct {
	api        *vaultapi.Client
	mountPath  string
	secretPath string

	mu    sync.RWMutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	blob      []byte
	expiresAt time.Time
}

// Config configures the Vault connection.
type Config struct {
	Address    string
	Token      string
	MountPath  string
	SecretPath string
	CacheTTL   time.Duration
}

// NewClient builds a Client against the given Vault address/token.
func NewClient(cfg Config) (*Client, error) {
	vcfg := vaultapi.DefaultConfig()
	vcfg.Address = cfg.Address
	api, err := vaultapi.NewClient(vcfg)
	if err != nil {
		return nil, apperr.NewTransport("vault", fmt.Errorf("new client: %w", err))
	}
	api.SetToken(cfg.Token)

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	return &Client{
		api:        api,
		mountPath:  cfg.MountPath,
		secretPath: cfg.SecretPath,
		cache:      make(map[string]cacheEntry),
		ttl:        ttl,
	}, nil
}

// StoreCredential writes an opaque encrypted credential blob under
// credentialID, invalidating any cached read.
func (c *Client) StoreCredential(ctx context.Context, credentialID string, blob []byte) error {
	data := map[string]interface{}{
		"blob": hex.EncodeToString(blob),
	}
	_, err := c.api.KVv2(c.mountPath).Put(ctx, c.path(credentialID), data)
	if err != nil {
		return apperr.NewTransport("vault", fmt.Errorf("store credential: %w", err))
	}
	c.mu.Lock()
	delete(c.cache, credentialID)
	c.mu.Unlock()
	return nil
}

// GetCredential reads the opaque blob for credentialID, preferring a fresh
// cache entry over a round trip to Vault.
func (c *Client) GetCredential(ctx context.Context, credentialID string) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.cache[credentialID]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.blob, nil
	}

	secret, err := c.api.KVv2(c.mountPath).Get(ctx, c.path(credentialID))
	if err != nil {
		return nil, apperr.NewTransport("vault", fmt.Errorf("get credential: %w", err))
	}
	if secret == nil || secret.Data == nil {
		return nil, apperr.NewNotFound("credential", credentialID)
	}
	hexBlob, ok := secret.Data["blob"].(string)
	if !ok {
		return nil, apperr.NewNotFound("credential", credentialID)
	}
	blob, err := hex.DecodeString(hexBlob)
	if err != nil {
		return nil, apperr.NewTransport("vault", fmt.Errorf("decode credential: %w", err))
	}

	c.mu.Lock()
	c.cache[credentialID] = cacheEntry{blob: blob, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return blob, nil
}

// DeleteCredential removes a stored credential and its cache entry.
func (c *Client) DeleteCredential(ctx context.Context, credentialID string) error {
	if err := c.api.KVv2(c.mountPath).Delete(ctx, c.path(credentialID)); err != nil {
		return apperr.NewTransport("vault", fmt.Errorf("delete credential: %w", err))
	}
	c.mu.Lock()
	delete(c.cache, credentialID)
	c.mu.Unlock()
	return nil
}

// Health checks Vault's seal status as a liveness probe.
func (c *Client) Health(ctx context.Context) error {
	health, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		return apperr.NewTransport("vault", fmt.Errorf("health: %w", err))
	}
	if health.Sealed {
		return apperr.NewTransport("vault", fmt.Errorf("health: vault is sealed"))
	}
	return nil
}

func (c *Client) path(credentialID string) string {
	return fmt.Sprintf("%s/%s", c.secretPath, credentialID)
}
