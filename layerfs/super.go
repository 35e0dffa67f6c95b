package layerfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	jsonstore "github.com/projecteru2/cocoon-broker/storage/json"
)

// LayerFs is one layer's on-disk state: its file table, attribute table,
// per-directory entry tables, and LayerSuper metadata linking it to the
// lower layers it stacks on.
type LayerFs struct {
	dataDir string
	super   *jsonstore.Store[LayerSuper]
}

// New creates or opens the on-disk layout for a layer rooted at dataDir.
// If the super file doesn't already exist, it's initialized with initSuper.
func New(ctx context.Context, dataDir string, initSuper LayerSuper) (*LayerFs, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "dirs"), 0o750); err != nil {
		return nil, fmt.Errorf("create layer dir %s: %w", dataDir, err)
	}
	fs := &LayerFs{
		dataDir: dataDir,
		super:   jsonstore.New[LayerSuper](filepath.Join(dataDir, "super.json.lock"), filepath.Join(dataDir, "super.json")),
	}
	var exists bool
	if err := fs.super.With(ctx, func(s *LayerSuper) error {
		exists = s.LayerID != 0 || len(s.LowerLayers) != 0 || fileExists(filepath.Join(dataDir, "super.json"))
		return nil
	}); err != nil {
		return nil, err
	}
	if !exists {
		if err := fs.super.Update(ctx, func(s *LayerSuper) error {
			*s = initSuper
			s.Init()
			return nil
		}); err != nil {
			return nil, fmt.Errorf("init layer super: %w", err)
		}
	}
	return fs, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// hardLinkReplacing hard-links src to dst, removing any existing file at
// dst first.
func hardLinkReplacing(src, dst string) error {
	if fileExists(dst) {
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("remove %s before hard link: %w", dst, err)
		}
	}
	if err := os.Link(src, dst); err != nil {
		return fmt.Errorf("hard link %s to %s: %w", src, dst, err)
	}
	return nil
}

// LayerSuper returns the current persisted super block.
func (fs *LayerFs) LayerSuper(ctx context.Context) (LayerSuper, error) {
	var out LayerSuper
	err := fs.super.With(ctx, func(s *LayerSuper) error {
		out = *s
		return nil
	})
	return out, err
}

// DataDir is the layer's on-disk root.
func (fs *LayerFs) DataDir() string { return fs.dataDir }

// FileTablePath is where a given layer's file table is stored. LayerFs only
// ever stores its own layer's tables at this root, so id is the layer's own
// id; UpperLayerBuilder hard-links the bottom layer's tables in under the
// upper layer's id.
func (fs *LayerFs) FileTablePath(id LayerId) string {
	return filepath.Join(fs.dataDir, fmt.Sprintf("filetable.%d.bin", id))
}

// AttributeTablePath is where a given layer's attribute table is stored.
func (fs *LayerFs) AttributeTablePath(id LayerId) string {
	return filepath.Join(fs.dataDir, fmt.Sprintf("attrtable.%d.bin", id))
}

// DirPath is where the directory entry table for fileID lives.
func (fs *LayerFs) DirPath(fileID FileId) string {
	return filepath.Join(fs.dataDir, "dirs", fmt.Sprintf("%d.%d.dir", fileID.Layer, fileID.Offset))
}

// Root returns the FileId of this layer's root directory, which is always
// the first record (offset 0) of its own file table.
func (fs *LayerFs) Root(ctx context.Context) (FileId, error) {
	super, err := fs.LayerSuper(ctx)
	if err != nil {
		return FileId{}, err
	}
	return RootFileId(super.LayerID), nil
}
