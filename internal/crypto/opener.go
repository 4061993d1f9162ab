package crypto

import "fmt"

// Keyring resolves a user's cached public key.
type Keyring interface {
	ContactKey(userID int64) ([]byte, error)
}

// Envelope composes a Cipher with a Keyring so the pipeline can address
// messages by user id instead of raw key material.
type Envelope struct {
	cipher  Cipher
	keyring Keyring
}

// NewEnvelope creates the composed collaborator.
func NewEnvelope(c Cipher, k Keyring) *Envelope {
	return &Envelope{cipher: c, keyring: k}
}

// Seal encrypts plaintext for the given recipient.
func (e *Envelope) Seal(recipientID int64, plaintext string) (string, error) {
	key, err := e.keyring.ContactKey(recipientID)
	if err != nil {
		return "", fmt.Errorf("recipient %d key: %w", recipientID, err)
	}
	return e.cipher.Encrypt(plaintext, key)
}

// Open decrypts a ciphertext from the given sender. Key lookup failures
// surface as ErrDecrypt so callers apply the same placeholder handling.
func (e *Envelope) Open(senderID int64, ciphertext string) (string, error) {
	key, err := e.keyring.ContactKey(senderID)
	if err != nil {
		return "", ErrDecrypt
	}
	return e.cipher.Decrypt(ciphertext, key)
}
