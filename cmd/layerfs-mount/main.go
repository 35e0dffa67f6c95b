// Command layerfs-mount mounts a built LayerFS layer stack read-only, for
// manually inspecting a broker-built root filesystem without a worker
// attached.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/projecteru2/cocoon-broker/blobstore"
	"github.com/projecteru2/cocoon-broker/fuseadapter"
	"github.com/projecteru2/cocoon-broker/layerfs"
)

func main() {
	var (
		layerDir   = flag.String("layer-dir", "", "top layer's on-disk directory (required)")
		blobsDir   = flag.String("blobs-dir", "", "blob store directory backing the layer's file contents (required)")
		blobIndex  = flag.String("blob-index", "", "blob store index file (defaults to blobs.json next to the blobs dir)")
		mountpoint = flag.String("mountpoint", "", "directory to mount the merged filesystem at (required)")
	)
	flag.Parse()

	if *layerDir == "" || *blobsDir == "" || *mountpoint == "" {
		fmt.Fprintln(os.Stderr, "usage: layerfs-mount -layer-dir DIR -blobs-dir DIR -mountpoint DIR")
		os.Exit(2)
	}
	index := *blobIndex
	if index == "" {
		index = filepath.Join(filepath.Dir(*blobsDir), "blobs.json")
	}

	if err := run(*layerDir, *blobsDir, index, *mountpoint); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(layerDir, blobsDir, blobIndex, mountpoint string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fs, err := layerfs.New(ctx, layerDir, layerfs.LayerSuper{})
	if err != nil {
		return fmt.Errorf("open layer %s: %w", layerDir, err)
	}
	reader, err := layerfs.NewReader(ctx, fs)
	if err != nil {
		return fmt.Errorf("open reader: %w", err)
	}

	store := blobstore.New(blobsDir, blobIndex+".lock", blobIndex)

	server, err := fuseadapter.Mount(ctx, mountpoint, reader, store)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	fmt.Printf("layerfs mounted read-only at %s (ctrl-c to unmount)\n", mountpoint)

	<-ctx.Done()
	if err := server.Unmount(); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}
	server.Wait()
	return nil
}
