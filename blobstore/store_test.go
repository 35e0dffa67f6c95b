package blobstore

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/panjf2000/ants/v2"

	"github.com/projecteru2/cocoon-broker/digest"
	"github.com/projecteru2/cocoon-broker/gc"
	"github.com/projecteru2/cocoon-broker/wire"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	blobsDir := filepath.Join(dir, "blobs")
	tempDir := filepath.Join(dir, "tmp")
	if err := EnsureDirs(blobsDir, tempDir); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	store := New(blobsDir, filepath.Join(dir, "blobs.lock"), filepath.Join(dir, "blobs.json"))
	return store, tempDir
}

func TestStore_PutThenHasAndOpen(t *testing.T) {
	store, tempDir := newTestStore(t)
	ctx := context.Background()

	body := []byte("hello blob store")
	d := digest.FromBytes(body)

	if err := store.Put(ctx, tempDir, d, wire.ArtifactBinary, int64(len(body)), bytes.NewReader(body)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	has, err := store.Has(ctx, d)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !has {
		t.Fatal("expected blob to be present after Put")
	}

	f, err := store.Open(ctx, d)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close() //nolint:errcheck
	got := make([]byte, len(body))
	if _, err := f.Read(got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("got %q, want %q", got, body)
	}
}

func TestStore_PutRejectsDigestMismatch(t *testing.T) {
	store, tempDir := newTestStore(t)
	ctx := context.Background()

	body := []byte("actual contents")
	wrongDigest := digest.FromBytes([]byte("different contents"))

	if err := store.Put(ctx, tempDir, wrongDigest, wire.ArtifactBinary, int64(len(body)), bytes.NewReader(body)); err == nil {
		t.Fatal("expected Put to reject a digest mismatch")
	}

	has, err := store.Has(ctx, wrongDigest)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if has {
		t.Fatal("a digest-mismatched Put must not commit a blob")
	}
}

func TestStore_AcquireReleaseRefcount(t *testing.T) {
	store, tempDir := newTestStore(t)
	ctx := context.Background()

	body := []byte("referenced artifact")
	d := digest.FromBytes(body)
	if err := store.Put(ctx, tempDir, d, wire.ArtifactBinary, int64(len(body)), bytes.NewReader(body)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := store.Acquire(ctx, d); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := store.Acquire(ctx, d); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := store.Release(ctx, d); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// One of the two acquisitions is still outstanding, so a sweep targeting
	// zero bytes must not evict this blob.
	pool, err := ants.NewPool(1)
	if err != nil {
		t.Fatalf("ants.NewPool: %v", err)
	}
	defer pool.Release()

	o := gc.New()
	gc.Register(o, store.Sweep(tempDir, 0, pool))
	if err := o.Run(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	has, err := store.Has(ctx, d)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !has {
		t.Fatal("a blob with an outstanding refcount must survive a sweep")
	}

	if err := store.Release(ctx, d); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestStore_SweepEvictsUnreferencedOverTarget(t *testing.T) {
	store, tempDir := newTestStore(t)
	ctx := context.Background()

	bodyA := []byte("blob A contents, unreferenced")
	bodyB := []byte("blob B contents, unreferenced, later")
	dA := digest.FromBytes(bodyA)
	dB := digest.FromBytes(bodyB)

	if err := store.Put(ctx, tempDir, dA, wire.ArtifactBinary, int64(len(bodyA)), bytes.NewReader(bodyA)); err != nil {
		t.Fatalf("Put A: %v", err)
	}
	if err := store.Put(ctx, tempDir, dB, wire.ArtifactBinary, int64(len(bodyB)), bytes.NewReader(bodyB)); err != nil {
		t.Fatalf("Put B: %v", err)
	}

	pool, err := ants.NewPool(1)
	if err != nil {
		t.Fatalf("ants.NewPool: %v", err)
	}
	defer pool.Release()

	o := gc.New()
	gc.Register(o, store.Sweep(tempDir, 0, pool))
	if err := o.Run(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	for _, d := range []digest.Digest{dA, dB} {
		has, err := store.Has(ctx, d)
		if err != nil {
			t.Fatalf("Has: %v", err)
		}
		if has {
			t.Fatalf("blob %s should have been evicted by a zero-byte-target sweep", d)
		}
	}
}

// A blob acquired between the sweep's snapshot and its collect phase must
// survive eviction: the snapshot saw refcount zero, but evict re-checks
// under the index lock before dropping anything.
func TestStore_SweepSkipsBlobAcquiredAfterSnapshot(t *testing.T) {
	store, tempDir := newTestStore(t)
	ctx := context.Background()

	body := []byte("acquired mid-sweep")
	d := digest.FromBytes(body)
	if err := store.Put(ctx, tempDir, d, wire.ArtifactBinary, int64(len(body)), bytes.NewReader(body)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	pool, err := ants.NewPool(1)
	if err != nil {
		t.Fatalf("ants.NewPool: %v", err)
	}
	defer pool.Release()

	// Drive the module's phases by hand so an Acquire can land between the
	// snapshot and the collect, the way a job submission races a sweep.
	m := store.Sweep(tempDir, 0, pool)
	snap, err := m.ReadDB(ctx)
	if err != nil {
		t.Fatalf("ReadDB: %v", err)
	}
	if err := store.Acquire(ctx, d); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ids := m.Resolve(snap, nil)
	if len(ids) != 1 {
		t.Fatalf("Resolve from the stale snapshot should pick the blob, got %v", ids)
	}
	if err := m.Collect(ctx, ids); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	has, err := store.Has(ctx, d)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !has {
		t.Fatal("a blob acquired after the snapshot must survive the sweep")
	}
	f, err := store.Open(ctx, d)
	if err != nil {
		t.Fatalf("Open after sweep: %v", err)
	}
	_ = f.Close()
}

func TestStore_SizeTotal(t *testing.T) {
	store, tempDir := newTestStore(t)
	ctx := context.Background()

	bodies := [][]byte{[]byte("one"), []byte("two!!"), []byte("three...")}
	var want int64
	for _, b := range bodies {
		d := digest.FromBytes(b)
		if err := store.Put(ctx, tempDir, d, wire.ArtifactBinary, int64(len(b)), bytes.NewReader(b)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		want += int64(len(b))
	}

	got, err := store.SizeTotal(ctx)
	if err != nil {
		t.Fatalf("SizeTotal: %v", err)
	}
	if got != want {
		t.Fatalf("SizeTotal = %d, want %d", got, want)
	}
}
