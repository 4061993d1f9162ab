// Package keys persists the session keypair and cached contact public
// keys as base64 files under the session keys directory. The blobs are
// opaque everywhere else.
package keys

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mlourenco/cipherchat/internal/crypto"
)

// Pair holds the session's own keypair.
type Pair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// Store reads and writes key material in a single directory.
type Store struct {
	dir string
}

// NewStore creates a key store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// LoadOrCreate returns the session keypair, generating and persisting a
// fresh one on first run.
func (s *Store) LoadOrCreate() (*Pair, error) {
	pub, pubErr := s.read("public.key")
	priv, privErr := s.read("private.key")
	if pubErr == nil && privErr == nil {
		return &Pair{PublicKey: pub, PrivateKey: priv}, nil
	}

	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := s.write("public.key", pub); err != nil {
		return nil, err
	}
	if err := s.write("private.key", priv); err != nil {
		return nil, err
	}
	return &Pair{PublicKey: pub, PrivateKey: priv}, nil
}

// ContactKey returns a contact's cached public key.
func (s *Store) ContactKey(userID int64) ([]byte, error) {
	return s.read(contactFile(userID))
}

// SaveContactKey caches a contact's public key.
func (s *Store) SaveContactKey(userID int64, publicKey []byte) error {
	return s.write(contactFile(userID), publicKey)
}

func contactFile(userID int64) string {
	return fmt.Sprintf("contact_%d.key", userID)
}

func (s *Store) read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(string(data))
}

func (s *Store) write(name string, key []byte) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	return os.WriteFile(filepath.Join(s.dir, name), []byte(encoded), 0600)
}
