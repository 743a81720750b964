package types

// EncryptedPayload wraps age-encrypted data for storage or config.
type EncryptedPayload struct {
	Version    int    `json:"version"`              // Payload format version
	Recipient  string `json:"recipient,omitempty"`  // Public key hint
	Ciphertext string `json:"ciphertext"`           // base64-encoded age ciphertext
}
