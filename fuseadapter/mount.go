package fuseadapter

import (
	"context"
	"fmt"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/projecteru2/cocoon-broker/blobstore"
	"github.com/projecteru2/cocoon-broker/layerfs"
)

// Mount serves reader read-only at mountpoint. The returned server's Wait
// blocks until the mount is torn down (by Unmount or the kernel); call
// Unmount to stop serving.
func Mount(ctx context.Context, mountpoint string, reader *layerfs.Reader, blobs *blobstore.Store) (*fuse.Server, error) {
	dispatcher := NewDispatcher()
	root, err := NewRoot(ctx, reader, blobs, dispatcher)
	if err != nil {
		dispatcher.Close()
		return nil, fmt.Errorf("build fuse root: %w", err)
	}

	server, err := fs.Mount(mountpoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "cocoon-layerfs",
			Name:   "layerfs",
		},
	})
	if err != nil {
		dispatcher.Close()
		return nil, fmt.Errorf("mount %s: %w", mountpoint, err)
	}

	go func() {
		server.Wait()
		dispatcher.Close()
	}()
	return server, nil
}
