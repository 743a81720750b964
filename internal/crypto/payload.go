package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/steward-dao/steward/pkg/types"
)

// PayloadVersion is the current encrypted payload format version.
const PayloadVersion = 1

// PayloadService encrypts and decrypts credential payloads with the
// daemon's identity.
type PayloadService struct {
	keyManager *KeyManager
}

// NewPayloadService creates a PayloadService.
func NewPayloadService(keyManager *KeyManager) *PayloadService {
	return &PayloadService{keyManager: keyManager}
}

// EncryptJSON encrypts any JSON-serializable value to the daemon's key.
func (ps *PayloadService) EncryptJSON(data any) (*types.EncryptedPayload, error) {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	recipient, err := age.ParseX25519Recipient(ps.keyManager.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("failed to parse recipient: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close encryptor: %w", err)
	}

	return &types.EncryptedPayload{
		Version:    PayloadVersion,
		Recipient:  ps.keyManager.PublicKeyHint(),
		Ciphertext: base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// DecryptJSON decrypts a payload into target.
func (ps *PayloadService) DecryptJSON(payload *types.EncryptedPayload, target any) error {
	if payload == nil {
		return fmt.Errorf("payload is nil")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), ps.keyManager.Identity())
	if err != nil {
		return fmt.Errorf("failed to decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read decrypted payload: %w", err)
	}

	if err := json.Unmarshal(plaintext, target); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
