package cmd

import (
	"fmt"

	units "github.com/docker/go-units"
	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"

	"github.com/projecteru2/cocoon-broker/blobstore"
	"github.com/projecteru2/cocoon-broker/gc"
)

func gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run one blob-store GC cycle: evict unreferenced LRU blobs over the size target",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)

			store := blobstore.New(conf.BlobsDir(), conf.BlobIndexLock(), conf.BlobIndexFile())
			pool, err := ants.NewPool(conf.PoolSize)
			if err != nil {
				return fmt.Errorf("create goroutine pool: %w", err)
			}
			defer pool.Release()

			before, err := store.SizeTotal(ctx)
			if err != nil {
				return fmt.Errorf("size before gc: %w", err)
			}

			o := gc.New()
			gc.Register(o, store.Sweep(conf.TempDir(), conf.SweepTargetBytes, pool))
			if err := o.Run(ctx); err != nil {
				return fmt.Errorf("gc: %w", err)
			}

			after, err := store.SizeTotal(ctx)
			if err != nil {
				return fmt.Errorf("size after gc: %w", err)
			}
			fmt.Printf("GC completed: %s -> %s (target %s)\n",
				units.HumanSize(float64(before)), units.HumanSize(float64(after)), units.HumanSize(float64(conf.SweepTargetBytes)))
			return nil
		},
	}
}
