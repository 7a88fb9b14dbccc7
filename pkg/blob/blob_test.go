package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestBlob_Serialize(t *testing.T) {
	blob := NewBlob("docs", 3, []byte("payload"), true)

	data, err := blob.Serialize()
	if err != nil {
		t.Fatalf("serialization failed: %v", err)
	}

	recovered, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialization failed: %v", err)
	}

	if recovered.ID != blob.ID {
		t.Errorf("ID mismatch: got %s, want %s", recovered.ID, blob.ID)
	}
	if recovered.Bucket != "docs" || recovered.Row != 3 {
		t.Errorf("location mismatch: got %s/%d", recovered.Bucket, recovered.Row)
	}
	if string(recovered.Data) != "payload" {
		t.Error("data mismatch")
	}
	if !recovered.Sealed {
		t.Error("sealed flag lost")
	}
}

func TestBlobID(t *testing.T) {
	if BlobID("a", 1) == BlobID("a", 2) || BlobID("a", 1) == BlobID("b", 1) {
		t.Error("ids collide")
	}
	id := BlobID("../etc/passwd", 0)
	if strings.ContainsAny(id, "./\\") {
		t.Errorf("id %q is not a safe file name", id)
	}
}

func TestMemoryStore_PutGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Put(ctx, NewBlob("docs", 0, []byte("data"), false)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	retrieved, err := store.Get(ctx, "docs", 0)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(retrieved.Data) != "data" {
		t.Errorf("data mismatch")
	}

	if _, err := store.Get(ctx, "docs", 1); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestMemoryStore_PutDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Put(ctx, NewBlob("docs", 0, nil, false)); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if err := store.Put(ctx, NewBlob("docs", 0, nil, false)); !errors.Is(err, ErrBlobExists) {
		t.Errorf("expected ErrBlobExists, got %v", err)
	}

	// A batch with an internal duplicate stores nothing.
	err := store.PutBatch(ctx, []*Blob{NewBlob("other", 0, nil, false), NewBlob("other", 0, nil, false)})
	if !errors.Is(err, ErrBlobExists) {
		t.Errorf("expected ErrBlobExists, got %v", err)
	}
	if blobs, _ := store.GetBucket(ctx, "other"); len(blobs) != 0 {
		t.Errorf("failed batch stored %d blobs", len(blobs))
	}
}

func TestMemoryStore_GetBucketOrdered(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, row := range []int{2, 0, 1} {
		if err := store.Put(ctx, NewBlob("docs", row, []byte(fmt.Sprint(row)), false)); err != nil {
			t.Fatal(err)
		}
	}
	store.Put(ctx, NewBlob("other", 0, nil, false))

	blobs, err := store.GetBucket(ctx, "docs")
	if err != nil {
		t.Fatalf("get bucket failed: %v", err)
	}
	if len(blobs) != 3 {
		t.Fatalf("expected 3 blobs, got %d", len(blobs))
	}
	for i, b := range blobs {
		if b.Row != i {
			t.Errorf("position %d holds row %d", i, b.Row)
		}
	}

	blobs, err = store.GetBucket(ctx, "missing")
	if err != nil || len(blobs) != 0 {
		t.Errorf("missing bucket: %d blobs, %v", len(blobs), err)
	}
}

func TestMemoryStore_DeleteBucket(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.PutBatch(ctx, []*Blob{NewBlob("a", 0, []byte("x"), false), NewBlob("a", 1, []byte("y"), false), NewBlob("b", 0, []byte("z"), false)})

	if err := store.DeleteBucket(ctx, "a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "a", 0); !errors.Is(err, ErrBlobNotFound) {
		t.Error("blob should be deleted")
	}
	if _, err := store.Get(ctx, "b", 0); err != nil {
		t.Error("other bucket should survive")
	}
	if err := store.DeleteBucket(ctx, "missing"); err != nil {
		t.Errorf("delete of missing bucket: %v", err)
	}

	buckets, _ := store.ListBuckets(ctx)
	if len(buckets) != 1 || buckets[0] != "b" {
		t.Errorf("unexpected buckets %v", buckets)
	}
}

func TestMemoryStore_Stats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put(ctx, NewBlob("a", 0, []byte("data1"), false))
	store.Put(ctx, NewBlob("a", 1, []byte("data22"), false))
	store.Put(ctx, NewBlob("b", 0, []byte("d"), false))

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalBlobs != 3 {
		t.Errorf("expected 3 blobs, got %d", stats.TotalBlobs)
	}
	if stats.TotalBuckets != 2 {
		t.Errorf("expected 2 buckets, got %d", stats.TotalBuckets)
	}
	if stats.TotalSize != 12 {
		t.Errorf("expected total size 12, got %d", stats.TotalSize)
	}
}

func BenchmarkMemoryStore_GetBucket(b *testing.B) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		store.Put(ctx, NewBlob("bucket-a", i, make([]byte, 64), false))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.GetBucket(ctx, "bucket-a")
	}
}
