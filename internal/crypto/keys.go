// Package crypto provides age encryption for collaborator credentials.
package crypto

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// KeyManager handles the daemon's age identity.
type KeyManager struct {
	identityPath string
	identity     *age.X25519Identity
	publicKey    string
}

// NewKeyManager creates a KeyManager for the given identity file path.
func NewKeyManager(identityPath string) *KeyManager {
	return &KeyManager{identityPath: identityPath}
}

// Initialize loads the identity from disk, generating one on first run.
func (km *KeyManager) Initialize() error {
	if _, err := os.Stat(km.identityPath); err == nil {
		return km.load()
	}
	return km.generate()
}

func (km *KeyManager) generate() error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(km.identityPath), 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	content := fmt.Sprintf("# created by stewardd\n# public key: %s\n%s\n",
		identity.Recipient().String(), identity.String())
	if err := os.WriteFile(km.identityPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}

	km.identity = identity
	km.publicKey = identity.Recipient().String()
	return nil
}

func (km *KeyManager) load() error {
	data, err := os.ReadFile(km.identityPath)
	if err != nil {
		return fmt.Errorf("failed to read identity file: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return fmt.Errorf("failed to parse identity: %w", err)
		}
		km.identity = identity
		km.publicKey = identity.Recipient().String()
		return nil
	}
	return fmt.Errorf("no identity found in %s", km.identityPath)
}

// PublicKey returns the public key string.
func (km *KeyManager) PublicKey() string {
	return km.publicKey
}

// PublicKeyHint returns a shortened public key for logs.
func (km *KeyManager) PublicKeyHint() string {
	if len(km.publicKey) > 12 {
		return km.publicKey[:12] + "..."
	}
	return km.publicKey
}

// Identity returns the underlying age identity.
func (km *KeyManager) Identity() *age.X25519Identity {
	return km.identity
}
