package encrypt

import (
	"encoding/binary"
	"log"
	"sync"
)

// SaltFunc returns the key-derivation salt of a collection.
type SaltFunc func(collection string) []byte

// Keyring derives and caches one sealer per collection from a single passphrase.
// Keys are derived on first use and cached.
type Keyring struct {
	passphrase string
	salt       SaltFunc

	mu      sync.Mutex
	sealers map[string]*AESGCM
}

// NewKeyring returns a keyring for passphrase. It returns nil for an empty
// passphrase; a nil keyring stores payloads unsealed.
func NewKeyring(passphrase string, salt SaltFunc) *Keyring {
	if passphrase == "" {
		return nil
	}
	return &Keyring{
		passphrase: passphrase,
		salt:       salt,
		sealers:    make(map[string]*AESGCM),
	}
}

// Sealer returns the sealer of collection.
func (k *Keyring) Sealer(collection string) (*AESGCM, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if s, ok := k.sealers[collection]; ok {
		return s, nil
	}
	s, err := NewAESGCM(DeriveKey(k.passphrase, k.salt(collection)))
	if err != nil {
		return nil, err
	}
	k.sealers[collection] = s
	log.Printf("[encrypt] derived payload key for %q (fingerprint %s)", collection, s.KeyFingerprint())
	return s, nil
}

// Forget drops the cached sealer of collection.
func (k *Keyring) Forget(collection string) {
	k.mu.Lock()
	delete(k.sealers, collection)
	k.mu.Unlock()
}

// PayloadAAD binds a sealed payload to its collection and row:
// name bytes || u64 little-endian row.
func PayloadAAD(collection string, row int) []byte {
	aad := make([]byte, len(collection)+8)
	copy(aad, collection)
	binary.LittleEndian.PutUint64(aad[len(collection):], uint64(row))
	return aad
}
