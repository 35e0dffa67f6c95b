package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/cocoon-broker/gc"
	"github.com/projecteru2/cocoon-broker/lock/flock"
	"github.com/projecteru2/cocoon-broker/utils"
)

// Snapshot is the blob index state captured under lock at the start of a GC
// cycle; Resolve (called lock-free) decides what to evict from it.
type Snapshot struct {
	entries []blobEntry
}

// Sweep evicts least-recently-used, unreferenced blobs until the store's
// total size is at or under targetBytes, and removes stale temp files left
// behind by interrupted pushes.
//
// The module's Locker is a dedicated sweep lock, not the index flock: it
// serializes whole GC cycles against each other (e.g. the gc subcommand
// racing the broker's own sweep loop), while ReadDB and Collect still take
// the index flock for each index access. Holding the index flock across the
// whole cycle would wedge those accesses, and eviction doesn't need it:
// evict re-checks refcounts under the index lock before dropping anything.
func (s *Store) Sweep(tempDir string, targetBytes int64, pool *ants.Pool) gc.Module[Snapshot] {
	return gc.Module[Snapshot]{
		Name:   "blobstore",
		Locker: flock.New(s.idx.LockPath() + ".gc"),
		ReadDB: func(ctx context.Context) (Snapshot, error) {
			var snap Snapshot
			err := s.idx.With(ctx, func(idx *index) error {
				snap.entries = make([]blobEntry, 0, len(idx.Blobs))
				for _, e := range idx.Blobs {
					snap.entries = append(snap.entries, *e)
				}
				return nil
			})
			return snap, err
		},
		Resolve: func(snap Snapshot, _ map[string]any) []string {
			return resolveEvictions(snap, targetBytes)
		},
		Collect: func(ctx context.Context, ids []string) error {
			var errs []error
			if len(ids) > 0 {
				if err := s.evict(ctx, ids, pool); err != nil {
					errs = append(errs, err)
				}
			}
			warnIfOverTargetAfterEviction(ctx, s, targetBytes)
			errs = append(errs, gcStaleTemp(ctx, tempDir)...)
			return errors.Join(errs...)
		},
	}
}

// resolveEvictions picks unreferenced blobs, oldest-used first, until the
// remaining total size is at or under targetBytes.
func resolveEvictions(snap Snapshot, targetBytes int64) []string {
	var total int64
	candidates := make([]blobEntry, 0, len(snap.entries))
	for _, e := range snap.entries {
		total += e.Size
		if e.RefCount == 0 {
			candidates = append(candidates, e)
		}
	}
	if total <= targetBytes {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})

	var ids []string
	for _, e := range candidates {
		if total <= targetBytes {
			break
		}
		ids = append(ids, e.Digest.Hex())
		total -= e.Size
	}
	return ids
}

// evict drops the index entry and blob file for each hex digest in ids,
// fanning the file removals out over pool. The ids were chosen from a
// lock-free snapshot, so each entry's refcount is re-read under the index
// lock first: a blob acquired since the snapshot was taken stays in the
// index and keeps its file. Files are removed only after their entries are
// gone from the index, so nothing can re-open a blob mid-eviction.
func (s *Store) evict(ctx context.Context, ids []string, pool *ants.Pool) error {
	var evicted []string
	if err := s.idx.Update(ctx, func(idx *index) error {
		for _, hex := range ids {
			e, ok := idx.Blobs[hex]
			if !ok || e.RefCount > 0 {
				continue
			}
			delete(idx.Blobs, hex)
			evicted = append(evicted, hex)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("drop evicted index entries: %w", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, hex := range evicted {
		hex := hex
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			path := blobPath(s.blobsDir, hex)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("remove blob %s: %w", hex, err))
				mu.Unlock()
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("submit evict %s: %w", hex, submitErr))
			mu.Unlock()
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// warnIfOverTargetAfterEviction surfaces the case where the store stays
// over target because everything left is referenced. Sweep never evicts a
// refcount>0 entry, so this is logged as a warning rather than failing
// Collect.
func warnIfOverTargetAfterEviction(ctx context.Context, s *Store, targetBytes int64) {
	total, err := s.SizeTotal(ctx)
	if err != nil || total <= targetBytes {
		return
	}
	log.WithFunc("blobstore.Sweep").Warnf(ctx, "size_total %d still exceeds target %d after eviction; remaining blobs are all referenced", total, targetBytes)
}

// gcStaleTemp removes temp files older than utils.StaleTempAge, left behind
// by interrupted pushes.
func gcStaleTemp(ctx context.Context, tempDir string) []error {
	cutoff := time.Now().Add(-utils.StaleTempAge)
	logger := log.WithFunc("blobstore.gc")
	errs := utils.RemoveMatching(ctx, tempDir, func(e os.DirEntry) bool {
		info, err := e.Info()
		return err == nil && info.ModTime().Before(cutoff)
	})
	if len(errs) > 0 {
		logger.Warnf(ctx, "stale temp cleanup: %v", errs)
	}
	return errs
}
