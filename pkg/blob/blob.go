// Package blob stores row payloads of vector collections.
// A bucket holds the payloads of one collection; each blob is one row.
package blob

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Blob is one row payload.
type Blob struct {
	// ID is derived from Bucket and Row by BlobID.
	ID string `json:"id"`

	// Bucket is the collection name.
	Bucket string `json:"bucket"`

	// Row is the row index inside the collection.
	Row int `json:"row"`

	// Data is the payload. When Sealed is set it is
	// nonce (12 bytes) || ciphertext || tag (16 bytes).
	Data []byte `json:"data"`

	// Sealed reports whether Data is AES-GCM sealed.
	Sealed bool `json:"sealed,omitempty"`

	// CreatedAt is when this blob was created.
	CreatedAt time.Time `json:"created_at"`

	// Version for future schema changes.
	Version int `json:"version"`
}

// BlobID returns the id of row in bucket. Ids are safe file names.
func BlobID(bucket string, row int) string {
	return fmt.Sprintf("%s-%d", hex.EncodeToString([]byte(bucket)), row)
}

// NewBlob creates the blob for row in bucket.
func NewBlob(bucket string, row int, data []byte, sealed bool) *Blob {
	return &Blob{
		ID:        BlobID(bucket, row),
		Bucket:    bucket,
		Row:       row,
		Data:      data,
		Sealed:    sealed,
		CreatedAt: time.Now(),
		Version:   1,
	}
}

// Serialize converts the blob to JSON bytes for storage.
func (b *Blob) Serialize() ([]byte, error) {
	return json.Marshal(b)
}

// Deserialize parses JSON bytes into a Blob.
func Deserialize(data []byte) (*Blob, error) {
	var blob Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, err
	}
	return &blob, nil
}

// StoreStats contains statistics about the blob store.
type StoreStats struct {
	TotalBlobs   int64 `json:"total_blobs"`
	TotalBuckets int64 `json:"total_buckets"`
	TotalSize    int64 `json:"total_size"`
}
