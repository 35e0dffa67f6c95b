package gc

import (
	"context"

	"github.com/projecteru2/cocoon-broker/lock"
)

// Module describes a storage module that participates in garbage collection.
// S is the type of snapshot the module's ReadDB returns; Resolve sees its own
// snapshot typed and every other registered module's snapshot as any, so it
// can make cross-module reachability decisions (e.g. a LayerFS layer holding
// a blob digest alive).
type Module[S any] struct {
	Name string

	// Locker is used by GC to coordinate with active operations (e.g. an
	// artifact push in progress). TryLock returning false means GC skips the
	// module this cycle and retries on the next one.
	Locker lock.Locker

	// ReadDB reads the module's current index state. Called while the lock
	// is held: must not re-acquire it.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve analyses this module's own snapshot plus every other
	// snapshotted module's (keyed by Name) and returns the resource IDs to
	// delete. Called with no locks held.
	Resolve func(snap S, others map[string]any) []string

	// Collect removes the given resource IDs. Called while the lock is
	// held, even with an empty ids slice, so a module can run housekeeping
	// (e.g. stale temp file cleanup) every cycle. Must not re-acquire the
	// lock.
	Collect func(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	return m.Resolve(snap.(S), others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}
