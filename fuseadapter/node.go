package fuseadapter

import (
	"context"
	"io"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/projecteru2/cocoon-broker/blobstore"
	"github.com/projecteru2/cocoon-broker/layerfs"
)

// Node is one inode of a mounted layerfs.Reader stack: a directory, regular
// file, or symlink resolved against the merged layer hierarchy. Every
// kernel-triggered method call is funneled through dispatcher so the
// reader's lazily-opened lower-layer cache is only ever touched by one
// goroutine.
type Node struct {
	fs.Inode

	reader     *layerfs.Reader
	blobs      *blobstore.Store
	dispatcher *Dispatcher
	id         layerfs.FileId
}

var (
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeReader     = (*Node)(nil)
	_ fs.NodeReadlinker = (*Node)(nil)
)

// NewRoot builds the root node of a FUSE mount backed by reader.
func NewRoot(ctx context.Context, reader *layerfs.Reader, blobs *blobstore.Store, dispatcher *Dispatcher) (*Node, error) {
	rootID, err := reader.Root(ctx)
	if err != nil {
		return nil, err
	}
	return &Node{reader: reader, blobs: blobs, dispatcher: dispatcher, id: rootID}, nil
}

func (n *Node) child(id layerfs.FileId) *Node {
	return &Node{reader: n.reader, blobs: n.blobs, dispatcher: n.dispatcher, id: id}
}

// toErrno maps a layerfs/blobstore error to a POSIX errno: missing →
// ENOENT, anything else → EIO.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if layerfs.IsNotFound(err) {
		return syscall.ENOENT
	}
	return syscall.EIO
}

func direntMode(t layerfs.FileType, mode uint32) uint32 {
	m := mode & 0o7777
	switch t {
	case layerfs.FileTypeDirectory:
		return m | syscall.S_IFDIR
	case layerfs.FileTypeSymlink:
		return m | syscall.S_IFLNK
	default:
		return m | syscall.S_IFREG
	}
}

func stableAttr(t layerfs.FileType, id layerfs.FileId) fs.StableAttr {
	var kind uint32
	if t == layerfs.FileTypeDirectory {
		kind = syscall.S_IFDIR
	}
	return fs.StableAttr{
		Mode: kind,
		Ino:  uint64(id.Layer)<<32 | id.Offset, //nolint:gosec
	}
}

func fillAttr(out *fuse.Attr, t layerfs.FileType, attrs layerfs.FileAttributes) {
	out.Mode = direntMode(t, attrs.Mode)
	out.Size = attrs.Size
	sec := uint64(attrs.Mtime.Unix()) //nolint:gosec
	out.Mtime, out.Ctime, out.Atime = sec, sec, sec
}

// Lookup resolves name within this directory by consulting the already
// merged layer hierarchy: the reader's Lookup searches the single directory
// table of the layer that owns this directory, which the upper-layer build
// already filled with the entries kept from lower layers.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	var (
		childID layerfs.FileId
		kind    layerfs.FileType
		attrs   layerfs.FileAttributes
		lookErr error
	)
	_ = n.dispatcher.Do(func() error {
		childID, kind, lookErr = n.reader.Lookup(ctx, n.id, name)
		if lookErr != nil {
			return nil
		}
		_, attrs, _, lookErr = n.reader.Stat(ctx, childID)
		return nil
	})
	if lookErr != nil {
		return nil, toErrno(lookErr)
	}
	fillAttr(&out.Attr, kind, attrs)
	return n.NewInode(ctx, n.child(childID), stableAttr(kind, childID)), 0
}

// Getattr reports the stat-visible attributes of this node.
func (n *Node) Getattr(ctx context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	var (
		kind    layerfs.FileType
		attrs   layerfs.FileAttributes
		statErr error
	)
	_ = n.dispatcher.Do(func() error {
		kind, attrs, _, statErr = n.reader.Stat(ctx, n.id)
		return nil
	})
	if statErr != nil {
		return toErrno(statErr)
	}
	fillAttr(&out.Attr, kind, attrs)
	return 0
}

// Readdir yields this directory's merged, lexicographically ordered
// entries: the walker pre-merged them at build time, so a single table
// scan suffices.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	var (
		entries []layerfs.DirEntry
		rdErr   error
	)
	_ = n.dispatcher.Do(func() error {
		entries, rdErr = n.reader.ReadDir(ctx, n.id)
		return nil
	})
	if rdErr != nil {
		return nil, toErrno(rdErr)
	}
	list := make([]fuse.DirEntry, len(entries))
	for i, e := range entries {
		list[i] = fuse.DirEntry{
			Name: e.Name,
			Mode: direntMode(e.Kind, 0),
			Ino:  uint64(e.FileID.Layer)<<32 | e.FileID.Offset, //nolint:gosec
		}
	}
	return fs.NewListDirStream(list), 0
}

// Open is a no-op: the adapter is stateless per request, so no file handle
// is allocated and Read always resolves the backing range fresh from this
// node's FileId.
func (n *Node) Open(_ context.Context, _ uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

// Read serves dest directly from the backing blob-store artifact's byte
// range; a read past EOF returns a short read rather than an error.
func (n *Node) Read(ctx context.Context, _ fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	var (
		nRead   int
		readErr error
	)
	_ = n.dispatcher.Do(func() error {
		nRead, readErr = n.reader.ReadAt(ctx, n.blobs, n.id, dest, off)
		return nil
	})
	if readErr != nil && readErr != io.EOF {
		return nil, toErrno(readErr)
	}
	return fuse.ReadResultData(dest[:nRead]), 0
}

// Readlink returns a symlink's inline target, recorded verbatim from the
// tar entry that created it.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	var (
		target []byte
		rlErr  error
	)
	_ = n.dispatcher.Do(func() error {
		_, _, data, err := n.reader.Stat(ctx, n.id)
		if err != nil {
			rlErr = err
			return nil
		}
		t, ok := data.InlineTarget()
		if !ok {
			rlErr = syscall.EINVAL
			return nil
		}
		target = t
		return nil
	})
	if rlErr != nil {
		var errno syscall.Errno
		if asErrno(rlErr, &errno) {
			return nil, errno
		}
		return nil, toErrno(rlErr)
	}
	return target, 0
}

func asErrno(err error, out *syscall.Errno) bool {
	e, ok := err.(syscall.Errno)
	if ok {
		*out = e
	}
	return ok
}
