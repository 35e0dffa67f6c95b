// Package layerfs implements the layered, content-addressed filesystem
// image builder and reader: a bottom layer built directly from pushed tar
// artifacts, and upper layers built by merging a new bottom layer's
// directory tree on top of an existing stack so a job's root filesystem
// assembles without copying any file bytes.
package layerfs

import (
	"time"

	"github.com/projecteru2/cocoon-broker/digest"
)

// LayerId identifies one layer within a stack. Layer 0 is always the
// bottom layer built directly from a tar artifact; higher ids are built by
// stacking a new bottom layer on top of the previous top layer.
type LayerId uint32

// Bottom is the id every stack's first layer is built with.
const Bottom LayerId = 0

// Inc returns the id of the layer built directly on top of l.
func (l LayerId) Inc() LayerId { return l + 1 }

// FileId identifies a file or directory within a specific layer's file
// table. Offset is a record index into that layer's file/attribute tables,
// not a byte offset.
type FileId struct {
	Layer  LayerId `json:"layer"`
	Offset uint64  `json:"offset"`
}

// RootFileId returns the FileId of the root directory of layer's own file
// table (record index 0, written first by NewBottomLayerBuilder or
// UpperLayerBuilder's hard-linked bottom table).
func RootFileId(layer LayerId) FileId { return FileId{Layer: layer, Offset: 0} }

// FileType is the kind of filesystem object a FileId refers to.
type FileType uint8

const (
	FileTypeDirectory FileType = iota
	FileTypeRegular
	FileTypeSymlink
)

// FileAttributes are the stat-visible attributes of a file, stored
// separately from its type/data so FileMetadataWriter.UpdateAttributes can rewrite them in place
// without touching the (immutable) file table entry.
type FileAttributes struct {
	Size  uint64
	Mode  uint32
	Mtime time.Time
}

// fileDataKind discriminates FileData's payload.
type fileDataKind uint8

const (
	fileDataEmpty fileDataKind = iota
	fileDataInline
	fileDataDigest
)

// FileData is the payload backing a file table entry: nothing for a
// directory, an inline byte string for a symlink target, or a byte range
// within a content-addressed blob for a regular file's contents.
type FileData struct {
	kind   fileDataKind
	inline []byte
	digest digest.Digest
	offset uint64
	length uint64
}

// EmptyFileData is the payload for a directory.
func EmptyFileData() FileData { return FileData{kind: fileDataEmpty} }

// InlineFileData is the payload for a symlink, holding its target path.
func InlineFileData(target []byte) FileData {
	return FileData{kind: fileDataInline, inline: target}
}

// DigestFileData is the payload for a regular file whose bytes are the
// range [offset, offset+length) within the blob identified by d: exactly
// the slice of a pushed tar artifact that entry occupies.
func DigestFileData(d digest.Digest, offset, length uint64) FileData {
	return FileData{kind: fileDataDigest, digest: d, offset: offset, length: length}
}

// Digest returns the backing blob digest and byte range for regular file
// data. ok is false for directories and symlinks.
func (d FileData) Digest() (got digest.Digest, offset, length uint64, ok bool) {
	if d.kind != fileDataDigest {
		return digest.Digest{}, 0, 0, false
	}
	return d.digest, d.offset, d.length, true
}

// InlineTarget returns the symlink target. ok is false for anything else.
func (d FileData) InlineTarget() (target []byte, ok bool) {
	if d.kind != fileDataInline {
		return nil, false
	}
	return d.inline, true
}

// DirectoryEntryData is one entry within a directory: the name is stored
// alongside it in the directory table, not here.
type DirectoryEntryData struct {
	FileID FileId
	Kind   FileType
}

// LayerSuper is the persisted metadata for one layer: its own id, and the
// set of lower layers (by id) it stacks on top of, each pointing at that
// lower layer's on-disk directory.
type LayerSuper struct {
	LayerID     LayerId            `json:"layer_id"`
	LowerLayers map[LayerId]string `json:"lower_layers"`
}

// Init implements storage.Initer for storage/json.Store[LayerSuper].
func (s *LayerSuper) Init() {
	if s.LowerLayers == nil {
		s.LowerLayers = make(map[LayerId]string)
	}
}
