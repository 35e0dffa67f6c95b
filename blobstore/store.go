// Package blobstore is the content-addressed blob store backing artifact
// pushes and LayerFS tar imports: every artifact the broker accepts is
// written once, keyed by its sha256 digest, and kept alive by a refcount
// held by whichever in-flight jobs reference it.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/projecteru2/cocoon-broker/digest"
	jsonstore "github.com/projecteru2/cocoon-broker/storage/json"
	"github.com/projecteru2/cocoon-broker/utils"
	"github.com/projecteru2/cocoon-broker/wire"
)

// Store is the content-addressed blob store. A single Store is shared by
// every connection handler in the broker process; all metadata mutations
// go through the flock-protected JSON index, so a concurrently running gc
// subcommand (or a second broker pointed at the same cache by mistake)
// can't corrupt it.
//
// Blob bytes live under blobsDir sharded by the first two hex characters
// of their digest, so no single directory collects the whole store.
type Store struct {
	blobsDir string
	idx      *jsonstore.Store[index]
}

// New creates a Store rooted at blobsDir, with its JSON index guarded by the
// flock at lockPath/indexPath.
func New(blobsDir, lockPath, indexPath string) *Store {
	return &Store{
		blobsDir: blobsDir,
		idx:      jsonstore.New[index](lockPath, indexPath),
	}
}

func (s *Store) path(d digest.Digest) string {
	return blobPath(s.blobsDir, d.Hex())
}

// blobPath shards committed blobs as <blobsDir>/<first2>/<rest>.
func blobPath(blobsDir, hex string) string {
	if len(hex) < 2 {
		return filepath.Join(blobsDir, hex)
	}
	return filepath.Join(blobsDir, hex[:2], hex[2:])
}

// Has reports whether d is already committed.
func (s *Store) Has(ctx context.Context, d digest.Digest) (bool, error) {
	var has bool
	err := s.idx.With(ctx, func(idx *index) error {
		_, has = idx.Blobs[d.Hex()]
		return nil
	})
	return has, err
}

// Put commits the bytes read from r as a new blob, verifying they hash to
// wantDigest before the blob becomes visible: the body streams through the
// hasher into a temp file in tempDir, and only a verified temp file is
// renamed into the blob path, under the index lock.
func (s *Store) Put(ctx context.Context, tempDir string, wantDigest digest.Digest, typ wire.ArtifactType, size int64, r io.Reader) error {
	tmp, err := os.CreateTemp(tempDir, ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op once renamed away

	hashWriter, sum := digest.NewVerifier()
	n, err := io.Copy(io.MultiWriter(tmp, hashWriter), io.LimitReader(r, size))
	closeErr := tmp.Close()
	if err != nil {
		return fmt.Errorf("write temp blob: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("close temp blob: %w", closeErr)
	}
	if n != size {
		return fmt.Errorf("%w: blob %s: wrote %d bytes, expected %d", ErrDigestMismatch, wantDigest, n, size)
	}
	if got := sum(); !got.Equal(wantDigest) {
		return fmt.Errorf("%w: wrote %s, wanted %s", ErrDigestMismatch, got, wantDigest)
	}

	return s.idx.Update(ctx, func(idx *index) error {
		if existing, ok := idx.Blobs[wantDigest.Hex()]; ok {
			existing.LastUsedAt = time.Now().UTC()
			return nil // already committed by a racing push; drop our temp copy
		}
		if err := os.MkdirAll(filepath.Dir(s.path(wantDigest)), 0o750); err != nil {
			return fmt.Errorf("create blob shard dir: %w", err)
		}
		if err := os.Rename(tmpPath, s.path(wantDigest)); err != nil {
			return fmt.Errorf("commit blob %s: %w", wantDigest, err)
		}
		now := time.Now().UTC()
		idx.Blobs[wantDigest.Hex()] = &blobEntry{
			Digest:     wantDigest,
			Type:       typ,
			Size:       size,
			CreatedAt:  now,
			LastUsedAt: now,
		}
		return nil
	})
}

// Open returns a reader for the committed blob d and touches its
// LastUsedAt for LRU purposes.
func (s *Store) Open(ctx context.Context, d digest.Digest) (*os.File, error) {
	if err := s.touch(ctx, d); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(d)) //nolint:gosec // path derived from a validated digest
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", d, err)
	}
	return f, nil
}

func (s *Store) touch(ctx context.Context, d digest.Digest) error {
	return s.idx.Update(ctx, func(idx *index) error {
		e, ok := idx.Blobs[d.Hex()]
		if !ok {
			return fmt.Errorf("blob %s not found", d)
		}
		e.LastUsedAt = time.Now().UTC()
		return nil
	})
}

// Acquire increments the refcount of d, keeping it alive across sweeps. The
// scheduler calls it for each layer of a job once that layer is present.
func (s *Store) Acquire(ctx context.Context, d digest.Digest) error {
	return s.idx.Update(ctx, func(idx *index) error {
		e, ok := idx.Blobs[d.Hex()]
		if !ok {
			return fmt.Errorf("acquire %s: not found", d)
		}
		e.RefCount++
		return nil
	})
}

// Release decrements the refcount of d. A blob reaching refcount zero is
// not removed immediately; Sweep reclaims it later so a brief reference gap
// doesn't cause needless re-fetching.
func (s *Store) Release(ctx context.Context, d digest.Digest) error {
	return s.idx.Update(ctx, func(idx *index) error {
		e, ok := idx.Blobs[d.Hex()]
		if !ok {
			return fmt.Errorf("release %s: not found", d)
		}
		if e.RefCount > 0 {
			e.RefCount--
		}
		return nil
	})
}

// Type returns the ArtifactType recorded for d at Put time.
func (s *Store) Type(ctx context.Context, d digest.Digest) (wire.ArtifactType, error) {
	var typ wire.ArtifactType
	err := s.idx.With(ctx, func(idx *index) error {
		e, ok := idx.Blobs[d.Hex()]
		if !ok {
			return fmt.Errorf("type %s: not found", d)
		}
		typ = e.Type
		return nil
	})
	return typ, err
}

// SizeTotal returns the combined size in bytes of every committed blob.
func (s *Store) SizeTotal(ctx context.Context) (int64, error) {
	var total int64
	err := s.idx.With(ctx, func(idx *index) error {
		total = idx.totalSize()
		return nil
	})
	return total, err
}

// EnsureDirs creates the blob store's on-disk layout.
func EnsureDirs(blobsDir, tempDir string) error {
	return utils.EnsureDirs(blobsDir, tempDir)
}
