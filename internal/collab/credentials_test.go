package collab

import (
	"path/filepath"
	"testing"

	"github.com/steward-dao/steward/internal/crypto"
	"github.com/steward-dao/steward/pkg/types"
)

func newTestCredentials(t *testing.T) *Credentials {
	t.Helper()
	km := crypto.NewKeyManager(filepath.Join(t.TempDir(), "steward.key"))
	if err := km.Initialize(); err != nil {
		t.Fatalf("failed to initialize key manager: %v", err)
	}
	config := &types.CollaboratorsConfig{}
	return NewCredentials(config, crypto.NewPayloadService(km))
}

func TestSetAndGetAPIKey(t *testing.T) {
	creds := newTestCredentials(t)

	if err := creds.SetAPIKey("reasoner", "sk-test-123"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	key, err := creds.APIKey("reasoner")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if key != "sk-test-123" {
		t.Fatalf("expected sk-test-123, got %q", key)
	}

	// The cleared cache forces a real decrypt on the next lookup.
	creds.ClearCache()
	key, err = creds.APIKey("reasoner")
	if err != nil {
		t.Fatalf("get after cache clear failed: %v", err)
	}
	if key != "sk-test-123" {
		t.Fatalf("expected sk-test-123 after decrypt, got %q", key)
	}
}

func TestAPIKeyUnknownProvider(t *testing.T) {
	creds := newTestCredentials(t)

	if _, err := creds.APIKey("nope"); err == nil {
		t.Fatal("expected error for unconfigured provider")
	}
}

func TestProvidersLists(t *testing.T) {
	creds := newTestCredentials(t)

	if err := creds.SetAPIKey("reasoner", "a"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := creds.SetAPIKey("knowledge", "b"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	names := creds.Providers()
	if len(names) != 2 {
		t.Fatalf("expected 2 providers, got %v", names)
	}
}
