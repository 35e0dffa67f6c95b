package layerfs

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/projecteru2/cocoon-broker/blobstore"
)

// Reader presents a built layer stack as a single merged filesystem. A
// FileId's Layer may name any layer in the stack, not just the top one:
// LayerSuper.LowerLayers (accumulated transitively as each upper layer was
// built) lets Reader resolve any of them to an on-disk directory in one map
// lookup, without walking the stack.
type Reader struct {
	top *LayerFs

	mu     sync.Mutex
	opened map[LayerId]*LayerFs
}

// NewReader opens a Reader rooted at top, the topmost layer of a built
// stack.
func NewReader(ctx context.Context, top *LayerFs) (*Reader, error) {
	if _, err := top.LayerSuper(ctx); err != nil {
		return nil, err
	}
	return &Reader{top: top, opened: make(map[LayerId]*LayerFs)}, nil
}

// Root returns the FileId of the merged filesystem's root directory.
func (r *Reader) Root(ctx context.Context) (FileId, error) {
	return r.top.Root(ctx)
}

// layerFor returns the LayerFs owning id, opening and caching it on first
// use if it isn't the top layer.
func (r *Reader) layerFor(ctx context.Context, id LayerId) (*LayerFs, error) {
	topSuper, err := r.top.LayerSuper(ctx)
	if err != nil {
		return nil, err
	}
	if id == topSuper.LayerID {
		return r.top, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if fs, ok := r.opened[id]; ok {
		return fs, nil
	}
	dataDir, ok := topSuper.LowerLayers[id]
	if !ok {
		return nil, fmt.Errorf("layer %d not reachable from top layer %d", id, topSuper.LayerID)
	}
	fs, err := New(ctx, dataDir, LayerSuper{LayerID: id})
	if err != nil {
		return nil, fmt.Errorf("open lower layer %d at %s: %w", id, dataDir, err)
	}
	r.opened[id] = fs
	return fs, nil
}

// Stat returns the type, attributes, and data payload of id.
func (r *Reader) Stat(ctx context.Context, id FileId) (FileType, FileAttributes, FileData, error) {
	fs, err := r.layerFor(ctx, id.Layer)
	if err != nil {
		return 0, FileAttributes{}, FileData{}, err
	}
	reader := NewFileMetadataReader(fs, id.Layer)
	typ, data, err := reader.ReadFile(id)
	if err != nil {
		return 0, FileAttributes{}, FileData{}, err
	}
	attrs, err := reader.ReadAttributes(id)
	if err != nil {
		return 0, FileAttributes{}, FileData{}, err
	}
	return typ, attrs, data, nil
}

// DirEntry is one named entry of a directory listing.
type DirEntry struct {
	Name   string
	FileID FileId
	Kind   FileType
}

// ReadDir lists dirID's entries in sorted order.
func (r *Reader) ReadDir(ctx context.Context, dirID FileId) ([]DirEntry, error) {
	fs, err := r.layerFor(ctx, dirID.Layer)
	if err != nil {
		return nil, err
	}
	rd, err := NewDirectoryDataReader(fs, dirID)
	if err != nil {
		return nil, err
	}
	entries := rd.Entries()
	out := make([]DirEntry, len(entries))
	for i, e := range entries {
		out[i] = DirEntry{Name: e.Name, FileID: e.Data.FileID, Kind: e.Data.Kind}
	}
	return out, nil
}

// Lookup resolves name within dirID.
func (r *Reader) Lookup(ctx context.Context, dirID FileId, name string) (FileId, FileType, error) {
	fs, err := r.layerFor(ctx, dirID.Layer)
	if err != nil {
		return FileId{}, 0, err
	}
	rd, err := NewDirectoryDataReader(fs, dirID)
	if err != nil {
		return FileId{}, 0, err
	}
	entry, ok := rd.LookUpEntry(name)
	if !ok {
		return FileId{}, 0, fmt.Errorf("%w: %q in %v", errNotFound, name, dirID)
	}
	return entry.FileID, entry.Kind, nil
}

// ReadAt reads len(p) bytes of a regular file's content starting at off,
// the way reading a file's bytes out of a tar-import'd layer does: locate
// the FileData's backing blob and byte range, then seek directly into the
// blob at range.offset+off.
func (r *Reader) ReadAt(ctx context.Context, blobs *blobstore.Store, id FileId, p []byte, off int64) (int, error) {
	typ, _, data, err := r.Stat(ctx, id)
	if err != nil {
		return 0, err
	}
	if typ != FileTypeRegular {
		return 0, fmt.Errorf("read file %v: not a regular file", id)
	}
	d, rangeOffset, rangeLen, ok := data.Digest()
	if !ok {
		return 0, fmt.Errorf("read file %v: no backing data", id)
	}
	if off < 0 || uint64(off) >= rangeLen { //nolint:gosec
		return 0, io.EOF
	}
	remaining := rangeLen - uint64(off) //nolint:gosec
	if uint64(len(p)) > remaining {     //nolint:gosec
		p = p[:remaining]
	}

	f, err := blobs.Open(ctx, d)
	if err != nil {
		return 0, err
	}
	defer f.Close() //nolint:errcheck

	n, err := f.ReadAt(p, int64(rangeOffset)+off) //nolint:gosec
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("read blob %s at %d: %w", d, int64(rangeOffset)+off, err) //nolint:gosec
	}
	return n, nil
}
