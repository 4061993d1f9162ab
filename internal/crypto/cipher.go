// Package crypto provides the message encryption collaborator. The rest of
// the pipeline treats ciphertext as an opaque string; only this package
// knows the envelope format.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// ErrDecrypt is returned when a ciphertext cannot be opened. Callers must
// contain it: a message that fails decryption is recorded with a
// placeholder body and the pipeline proceeds.
var ErrDecrypt = errors.New("crypto: unable to decrypt message")

// PlaceholderBody is stored in place of a message that failed decryption.
const PlaceholderBody = "[undecryptable]"

// Cipher encrypts for and decrypts from a single peer, identified by their
// public key.
type Cipher interface {
	Encrypt(plaintext string, peerPublicKey []byte) (string, error)
	Decrypt(ciphertext string, peerPublicKey []byte) (string, error)
}

// KeySize is the NaCl box key length in bytes.
const KeySize = 32

const nonceSize = 24

// GenerateKeyPair creates a new NaCl box keypair.
func GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}
	return pub[:], priv[:], nil
}

// BoxCipher is the default Cipher: NaCl box (curve25519 + salsa20 +
// poly1305) with a random nonce prepended to the sealed payload, the
// whole envelope base64-encoded.
type BoxCipher struct {
	privateKey [KeySize]byte
}

// NewBoxCipher creates a cipher using the local private key.
func NewBoxCipher(privateKey []byte) (*BoxCipher, error) {
	if len(privateKey) != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", KeySize, len(privateKey))
	}
	c := &BoxCipher{}
	copy(c.privateKey[:], privateKey)
	return c, nil
}

// Encrypt seals plaintext for the peer.
func (c *BoxCipher) Encrypt(plaintext string, peerPublicKey []byte) (string, error) {
	peer, err := toKey(peerPublicKey)
	if err != nil {
		return "", err
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	sealed := box.Seal(nonce[:], []byte(plaintext), &nonce, peer, &c.privateKey)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext sealed by the peer. Any malformed or
// unopenable envelope yields ErrDecrypt.
func (c *BoxCipher) Decrypt(ciphertext string, peerPublicKey []byte) (string, error) {
	peer, err := toKey(peerPublicKey)
	if err != nil {
		return "", ErrDecrypt
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) <= nonceSize {
		return "", ErrDecrypt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plain, ok := box.Open(nil, raw[nonceSize:], &nonce, peer, &c.privateKey)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

func toKey(b []byte) (*[KeySize]byte, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", KeySize, len(b))
	}
	var k [KeySize]byte
	copy(k[:], b)
	return &k, nil
}
