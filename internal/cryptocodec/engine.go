// Package cryptocodec implements the VSC1 (single-blob) and VSC2 (chunked,
// self-describing) authenticated-encryption wire formats used by the vault's
// client-side end-to-end encryption. Both formats share one AES-GCM primitive
// with a 96-bit IV and a 128-bit tag; a fresh random IV is generated for
// every call.
package cryptocodec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// IVSize is the AES-GCM nonce size in bytes (96 bits).
	IVSize = 12
	// TagSize is the AES-GCM authentication tag size in bytes (128 bits).
	TagSize = 16

	// alignmentBoundary is the ciphertext chunk size boundary VSC2 targets.
	alignmentBoundary = 256 * 1024 // 256 KiB

	// DefaultPlaintextChunkSize is chosen so that IV + plaintext chunk + tag
	// lands on a 256 KiB ciphertext boundary: 12 + 1048548 + 16 = 1048576 (1 MiB).
	DefaultPlaintextChunkSize = 1_048_548

	// vsc2Magic is the 4-byte signature at the start of every VSC2 stream.
	vsc2Magic = "VSC2"
	// vsc2HeaderSize is the fixed header length: magic(4) + chunkSize(4) + totalChunks(4).
	vsc2HeaderSize = 12
)

// Engine performs AES-GCM encryption/decryption for both wire formats. It is
// stateless beyond the key and safe for concurrent use.
type Engine struct {
	aead cipher.AEAD
}

// NewEngine builds an Engine from a 32-byte AES-256 key.
func NewEngine(key []byte) (*Engine, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptocodec: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptocodec: new gcm: %w", err)
	}
	if aead.NonceSize() != IVSize || aead.Overhead() != TagSize {
		return nil, fmt.Errorf("cryptocodec: unexpected AEAD geometry (nonce=%d overhead=%d)", aead.NonceSize(), aead.Overhead())
	}
	return &Engine{aead: aead}, nil
}

// IVSize returns the engine's IV length in bytes.
func (e *Engine) IVSize() int { return IVSize }

// TagSize returns the engine's authentication tag length in bytes.
func (e *Engine) TagSize() int { return TagSize }

// OptimalChunkSize returns the plaintext chunk size VSC2 should use so that
// each ciphertext chunk aligns to a 256 KiB boundary.
func (e *Engine) OptimalChunkSize() int { return DefaultPlaintextChunkSize }

// encrypt generates a fresh IV and returns (iv, ciphertext‖tag) for plaintext.
func (e *Engine) encrypt(plaintext []byte) (iv, ciphertext []byte, err error) {
	iv = make([]byte, IVSize)
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("cryptocodec: generating iv: %w", err)
	}
	ciphertext = e.aead.Seal(nil, iv, plaintext, nil)
	return iv, ciphertext, nil
}

// decrypt verifies and decrypts ciphertext (which includes the trailing tag)
// using the given iv. chunkIndex is -1 when the caller has no chunk context.
func (e *Engine) decrypt(iv, ciphertext []byte, chunkIndex int) ([]byte, error) {
	plaintext, err := e.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, authErr(chunkIndex, err)
	}
	return plaintext, nil
}

// ceilChunks returns max(1, ceil(size/chunkSize)).
func ceilChunks(size, chunkSize int64) uint32 {
	if chunkSize <= 0 {
		chunkSize = DefaultPlaintextChunkSize
	}
	n := size / chunkSize
	if size%chunkSize != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return uint32(n) //nolint:gosec // bounded by realistic vault file sizes
}

// IsChunked reports whether data is a VSC2 stream (i.e. begins with the VSC2
// magic). VSC1 output never begins with this magic because it starts with a
// random IV.
func IsChunked(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == vsc2Magic
}
