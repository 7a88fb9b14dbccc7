package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_PutGet(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, NewBlob("docs", 0, []byte("sealed bytes"), true)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := store.Get(ctx, "docs", 0)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got.Data) != "sealed bytes" || !got.Sealed {
		t.Errorf("unexpected blob %+v", got)
	}

	if _, err := store.Get(ctx, "docs", 7); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestFileStore_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.PutBatch(ctx, []*Blob{
		NewBlob("docs", 1, []byte("b"), false),
		NewBlob("docs", 0, []byte("a"), false),
	}); err != nil {
		t.Fatalf("put batch failed: %v", err)
	}
	store.Close()

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	blobs, err := reopened.GetBucket(ctx, "docs")
	if err != nil {
		t.Fatalf("get bucket failed: %v", err)
	}
	if len(blobs) != 2 || string(blobs[0].Data) != "a" || string(blobs[1].Data) != "b" {
		t.Errorf("unexpected bucket after reopen: %d blobs", len(blobs))
	}

	if _, err := os.Stat(filepath.Join(dir, "index.json.tmp")); !os.IsNotExist(err) {
		t.Error("temporary index left behind")
	}
}

func TestFileStore_Duplicate(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()

	store.Put(ctx, NewBlob("docs", 0, []byte("a"), false))

	err = store.PutBatch(ctx, []*Blob{NewBlob("docs", 1, nil, false), NewBlob("docs", 0, nil, false)})
	if !errors.Is(err, ErrBlobExists) {
		t.Fatalf("expected ErrBlobExists, got %v", err)
	}
	if _, err := store.Get(ctx, "docs", 1); !errors.Is(err, ErrBlobNotFound) {
		t.Error("rejected batch must not store any blob")
	}
}

func TestFileStore_DeleteBucket(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()

	store.Put(ctx, NewBlob("a", 0, []byte("x"), false))
	store.Put(ctx, NewBlob("b", 0, []byte("y"), false))

	if err := store.DeleteBucket(ctx, "a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "a", 0); !errors.Is(err, ErrBlobNotFound) {
		t.Error("blob should be deleted")
	}

	// Rows can be written again once the bucket is gone.
	if err := store.Put(ctx, NewBlob("a", 0, []byte("z"), false)); err != nil {
		t.Errorf("re-put after delete failed: %v", err)
	}

	buckets, _ := store.ListBuckets(ctx)
	if len(buckets) != 2 || buckets[0] != "a" || buckets[1] != "b" {
		t.Errorf("unexpected buckets %v", buckets)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalBlobs != 2 || stats.TotalBuckets != 2 || stats.TotalSize == 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
