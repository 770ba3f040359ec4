// Package secretstore holds the OAuth tokens the Adapter implementations
// need (put/get/clear by id). The primary implementation is expected to
// be the host platform's own keychain; this package is the file-based
// fallback: a PBKDF2-derived AES-GCM blob at a fixed local path, with a
// random IV stored beside the ciphertext and a single AEAD seal over the
// whole JSON map of named secrets.
package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// saltSize is the random per-store salt length.
	saltSize = 16
	// pbkdf2Iterations is sized for interactive password-based key
	// derivation.
	pbkdf2Iterations = 200_000
	keySize          = 32 // AES-256
	ivSize           = 12
)

// Store is an in-process, file-backed secret store. It holds the derived
// key in memory for the process's lifetime; every mutation re-encrypts and
// rewrites the whole file, mirroring the small-file atomic-write pattern
// vaultindex uses for its own JSON documents.
type Store struct {
	mu     sync.Mutex
	path   string
	aead   cipher.AEAD
	salt   []byte
	values map[string]string
}

// fileFormat is the on-disk envelope: a JSON object with separate salt, IV
// and ciphertext fields, where the ciphertext decrypts to a JSON object of
// secret id -> value.
type fileFormat struct {
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// Open loads (or initializes) a file-based Store at path, deriving its
// AEAD key from passphrase via PBKDF2. A missing file starts as an empty
// store; an existing file must decrypt successfully under passphrase or
// Open fails — there is no partial-trust fallback.
func Open(path, passphrase string) (*Store, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-configured local path
	if os.IsNotExist(err) {
		salt := make([]byte, saltSize)
		if _, rErr := rand.Read(salt); rErr != nil {
			return nil, fmt.Errorf("secretstore: generating salt: %w", rErr)
		}
		aead, aeadErr := deriveAEAD(passphrase, salt)
		if aeadErr != nil {
			return nil, aeadErr
		}
		return &Store{path: path, aead: aead, salt: salt, values: make(map[string]string)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secretstore: reading %s: %w", path, err)
	}

	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return nil, fmt.Errorf("secretstore: decoding %s: %w", path, err)
	}
	aead, err := deriveAEAD(passphrase, ff.Salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, ff.IV, ff.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("secretstore: incorrect passphrase or corrupted store: %w", err)
	}
	values := make(map[string]string)
	if len(plaintext) > 0 {
		if err := json.Unmarshal(plaintext, &values); err != nil {
			return nil, fmt.Errorf("secretstore: decoding plaintext payload: %w", err)
		}
	}
	return &Store{path: path, aead: aead, salt: ff.Salt, values: values}, nil
}

func deriveAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretstore: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretstore: new gcm: %w", err)
	}
	return aead, nil
}

// Get returns the named secret's value, or ("", false) if it is not set.
func (s *Store) Get(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[id]
	return v, ok
}

// Put sets or replaces the named secret and persists the store immediately.
func (s *Store) Put(id, value string) error {
	s.mu.Lock()
	s.values[id] = value
	s.mu.Unlock()
	return s.persist()
}

// Clear removes the named secret and persists the store immediately. A
// clear of an absent id is a no-op, not an error.
func (s *Store) Clear(id string) error {
	s.mu.Lock()
	delete(s.values, id)
	s.mu.Unlock()
	return s.persist()
}

func (s *Store) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := json.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("secretstore: encoding payload: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("secretstore: generating iv: %w", err)
	}
	ciphertext := s.aead.Seal(nil, iv, plaintext, nil)

	data, err := json.Marshal(fileFormat{Salt: s.salt, IV: iv, Ciphertext: ciphertext})
	if err != nil {
		return fmt.Errorf("secretstore: encoding envelope: %w", err)
	}
	return atomicWrite(s.path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("secretstore: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".sync-state-*")
	if err != nil {
		return fmt.Errorf("secretstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("secretstore: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("secretstore: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("secretstore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("secretstore: renaming into place: %w", err)
	}
	return nil
}
