// Package encrypt seals row payloads at rest with AES-256-GCM.
// Keys are derived from a server passphrase with Argon2id.
package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the size of AES-256 keys in bytes.
	KeySize = 32

	// NonceSize is the size of GCM nonces in bytes.
	NonceSize = 12

	// SaltSize is the size of salts for key derivation.
	SaltSize = 16

	// Argon2Time is the time parameter for Argon2id.
	Argon2Time = 1

	// Argon2Memory is the memory parameter for Argon2id (64 MB).
	Argon2Memory = 64 * 1024

	// Argon2Threads is the parallelism parameter for Argon2id.
	Argon2Threads = 4
)

var (
	// ErrInvalidKey is returned when the sealing key is not 32 bytes.
	ErrInvalidKey = errors.New("invalid encryption key: must be 32 bytes")

	// ErrCiphertextShort is returned when a sealed payload cannot hold a nonce and tag.
	ErrCiphertextShort = errors.New("invalid ciphertext: too short")

	// ErrDecryptionFailed is returned on a wrong key, wrong AAD or tampered data.
	ErrDecryptionFailed = errors.New("decryption failed: authentication error")
)

// Sealer seals and opens payloads bound to additional authenticated data.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
	KeyFingerprint() string
}

// AESGCM implements Sealer using AES-256-GCM.
type AESGCM struct {
	key    []byte
	cipher cipher.AEAD
}

// NewAESGCM creates a new AES-256-GCM sealer with the given key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	keyCopy := make([]byte, KeySize)
	copy(keyCopy, key)

	return &AESGCM{
		key:    keyCopy,
		cipher: gcm,
	}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
// Returns: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (e *AESGCM) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+e.cipher.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.cipher.Seal(nonce, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts a payload produced by Seal with the same aad.
func (e *AESGCM) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < NonceSize+e.cipher.Overhead() {
		return nil, ErrCiphertextShort
	}

	plaintext, err := e.cipher.Open(nil, sealed[:NonceSize], sealed[NonceSize:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// KeyFingerprint returns the first 8 bytes of the BLAKE3 hash of the key, hex encoded.
func (e *AESGCM) KeyFingerprint() string {
	hash := blake3.Sum256(e.key)
	return hex.EncodeToString(hash[:8])
}

// DeriveKey derives a 256-bit key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey(
		[]byte(passphrase),
		salt,
		Argon2Time,
		Argon2Memory,
		Argon2Threads,
		KeySize,
	)
}

// GenerateKey generates a random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}
