package collab

import (
	"fmt"
	"sync"

	"github.com/steward-dao/steward/internal/crypto"
	"github.com/steward-dao/steward/pkg/types"
)

// Credentials resolves per-provider API keys from age-encrypted config
// values, so collaborator keys never sit in plain text on disk.
type Credentials struct {
	config         *types.CollaboratorsConfig
	payloadService *crypto.PayloadService

	mu    sync.RWMutex
	cache map[string]string
}

// NewCredentials creates a credential resolver.
func NewCredentials(config *types.CollaboratorsConfig, payloadService *crypto.PayloadService) *Credentials {
	return &Credentials{
		config:         config,
		payloadService: payloadService,
		cache:          make(map[string]string),
	}
}

// APIKey returns the decrypted API key for a provider, caching it after
// the first decrypt.
func (c *Credentials) APIKey(provider string) (string, error) {
	c.mu.RLock()
	if key, ok := c.cache[provider]; ok {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()

	providerConfig, ok := c.config.Providers[provider]
	if !ok {
		return "", fmt.Errorf("provider not configured: %s", provider)
	}
	if providerConfig.APIKeyEncrypted == "" {
		return "", fmt.Errorf("no API key configured for provider: %s", provider)
	}
	if c.payloadService == nil {
		return "", fmt.Errorf("payload service not configured")
	}

	payload := &types.EncryptedPayload{
		Version:    crypto.PayloadVersion,
		Ciphertext: providerConfig.APIKeyEncrypted,
	}

	var decrypted struct {
		Key string `json:"key"`
	}
	if err := c.payloadService.DecryptJSON(payload, &decrypted); err != nil {
		return "", fmt.Errorf("failed to decrypt API key for %s: %w", provider, err)
	}

	c.mu.Lock()
	c.cache[provider] = decrypted.Key
	c.mu.Unlock()

	return decrypted.Key, nil
}

// SetAPIKey encrypts and stores an API key for a provider.
func (c *Credentials) SetAPIKey(provider, apiKey string) error {
	if c.payloadService == nil {
		return fmt.Errorf("payload service not configured")
	}

	data := struct {
		Key string `json:"key"`
	}{Key: apiKey}

	payload, err := c.payloadService.EncryptJSON(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt API key: %w", err)
	}

	if c.config.Providers == nil {
		c.config.Providers = make(map[string]types.ProviderConfig)
	}
	c.config.Providers[provider] = types.ProviderConfig{
		APIKeyEncrypted: payload.Ciphertext,
	}

	c.mu.Lock()
	c.cache[provider] = apiKey
	c.mu.Unlock()

	return nil
}

// Providers lists the configured provider names.
func (c *Credentials) Providers() []string {
	names := make([]string, 0, len(c.config.Providers))
	for name := range c.config.Providers {
		names = append(names, name)
	}
	return names
}

// ClearCache drops all cached decrypted keys.
func (c *Credentials) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]string)
	c.mu.Unlock()
}
