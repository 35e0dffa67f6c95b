package layerfs

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

// BottomLayerBuilder builds a fresh, standalone layer (layer id Bottom)
// from AddFilePath/AddDirPath/AddSymlinkPath/AddLinkPath calls, usually
// driven by ImportTar over a pushed tar artifact.
type BottomLayerBuilder struct {
	fs     *LayerFs
	writer *FileMetadataWriter
	time   time.Time
}

// NewBottomLayerBuilder creates a fresh bottom layer under dataDir and
// inserts its root directory as record 0.
func NewBottomLayerBuilder(ctx context.Context, dataDir string, now time.Time) (*BottomLayerBuilder, error) {
	fs, err := New(ctx, dataDir, LayerSuper{LayerID: Bottom})
	if err != nil {
		return nil, err
	}
	writer, err := NewFileMetadataWriter(fs, Bottom)
	if err != nil {
		return nil, err
	}
	root, err := writer.InsertFile(FileTypeDirectory, FileAttributes{Mode: 0o777, Mtime: now}, EmptyFileData())
	if err != nil {
		return nil, err
	}
	if root != RootFileId(Bottom) {
		return nil, fmt.Errorf("internal error: root file id %v, expected %v", root, RootFileId(Bottom))
	}
	if err := WriteEmptyDir(fs, root); err != nil {
		return nil, err
	}
	if err := writer.Flush(); err != nil {
		return nil, err
	}
	return &BottomLayerBuilder{fs: fs, writer: writer, time: now}, nil
}

func (b *BottomLayerBuilder) lookUp(dirID FileId, name string) (FileId, bool, error) {
	r, err := NewDirectoryDataReader(b.fs, dirID)
	if err != nil {
		return FileId{}, false, err
	}
	id, ok := r.LookUp(name)
	return id, ok, nil
}

func (b *BottomLayerBuilder) lookUpEntry(dirID FileId, name string) (DirectoryEntryData, bool, error) {
	r, err := NewDirectoryDataReader(b.fs, dirID)
	if err != nil {
		return DirectoryEntryData{}, false, err
	}
	e, ok := r.LookUpEntry(name)
	return e, ok, nil
}

// ensurePath walks p's components from the root, creating any missing
// intermediate directories, and returns the FileId of p itself.
func (b *BottomLayerBuilder) ensurePath(p string) (FileId, error) {
	dirID := RootFileId(Bottom)
	for _, comp := range splitPath(p) {
		existing, ok, err := b.lookUp(dirID, comp)
		if err != nil {
			return FileId{}, err
		}
		if ok {
			dirID = existing
			continue
		}
		attrs := FileAttributes{Mode: 0o777, Mtime: b.time}
		dirID, err = b.addDir(dirID, comp, attrs)
		if err != nil {
			return FileId{}, err
		}
	}
	return dirID, nil
}

func (b *BottomLayerBuilder) addDir(parent FileId, name string, attrs FileAttributes) (FileId, error) {
	fileID, err := b.writer.InsertFile(FileTypeDirectory, attrs, EmptyFileData())
	if err != nil {
		return FileId{}, err
	}
	inserted, err := b.addLink(parent, name, fileID, FileTypeDirectory)
	if err != nil {
		return FileId{}, err
	}
	if !inserted {
		return FileId{}, fmt.Errorf("directory %s already exists", name)
	}
	if err := WriteEmptyDir(b.fs, fileID); err != nil {
		return FileId{}, err
	}
	return fileID, nil
}

func (b *BottomLayerBuilder) addLink(parent FileId, name string, fileID FileId, kind FileType) (bool, error) {
	w, err := NewDirectoryDataWriter(b.fs, parent)
	if err != nil {
		return false, err
	}
	inserted := w.InsertEntry(name, DirectoryEntryData{FileID: fileID, Kind: kind})
	if err := w.Flush(); err != nil {
		return false, err
	}
	return inserted, nil
}

func splitPath(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func parentAndName(p string) (parent, name string) {
	p = "/" + strings.Trim(p, "/")
	return path.Dir(p), path.Base(p)
}

// AddFilePath inserts a regular file at p.
func (b *BottomLayerBuilder) AddFilePath(p string, attrs FileAttributes, data FileData) (FileId, error) {
	fileID, err := b.writer.InsertFile(FileTypeRegular, attrs, data)
	if err != nil {
		return FileId{}, err
	}
	parentPath, name := parentAndName(p)
	parentID, err := b.ensurePath(parentPath)
	if err != nil {
		return FileId{}, err
	}
	inserted, err := b.addLink(parentID, name, fileID, FileTypeRegular)
	if err != nil {
		return FileId{}, err
	}
	if !inserted {
		return FileId{}, fmt.Errorf("file already exists at %s", p)
	}
	return fileID, nil
}

// SetAttr rewrites id's attributes in place.
func (b *BottomLayerBuilder) SetAttr(id FileId, attrs FileAttributes) error {
	return b.writer.UpdateAttributes(id, attrs)
}

// AddDirPath ensures a directory exists at p, updating its attributes if it
// was already present (e.g. the parent of a later-pushed file).
func (b *BottomLayerBuilder) AddDirPath(p string, attrs FileAttributes) (FileId, error) {
	parentPath, name := parentAndName(p)
	parentID, err := b.ensurePath(parentPath)
	if err != nil {
		return FileId{}, err
	}
	if existing, ok, err := b.lookUp(parentID, name); err != nil {
		return FileId{}, err
	} else if ok {
		return existing, b.SetAttr(existing, attrs)
	}
	return b.addDir(parentID, name, attrs)
}

// AddSymlinkPath inserts a symlink at p pointing at target.
func (b *BottomLayerBuilder) AddSymlinkPath(p string, target []byte) (FileId, error) {
	fileID, err := b.writer.InsertFile(FileTypeSymlink, FileAttributes{Mode: 0o777, Mtime: b.time}, InlineFileData(target))
	if err != nil {
		return FileId{}, err
	}
	parentPath, name := parentAndName(p)
	parentID, err := b.ensurePath(parentPath)
	if err != nil {
		return FileId{}, err
	}
	inserted, err := b.addLink(parentID, name, fileID, FileTypeSymlink)
	if err != nil {
		return FileId{}, err
	}
	if !inserted {
		return FileId{}, fmt.Errorf("file already exists at %s", p)
	}
	return fileID, nil
}

// AddLinkPath inserts a hardlink at p pointing at the file already present
// at target. Returns ErrForwardHardlink if target hasn't been added yet
// (tar ingestion is single-pass) and an error if target is a directory.
func (b *BottomLayerBuilder) AddLinkPath(p, target string) (FileId, error) {
	parentPath, name := parentAndName(p)
	parentID, err := b.ensurePath(parentPath)
	if err != nil {
		return FileId{}, err
	}
	targetParentPath, targetName := parentAndName(target)
	targetParentID, err := b.ensurePath(targetParentPath)
	if err != nil {
		return FileId{}, err
	}
	existing, ok, err := b.lookUpEntry(targetParentID, targetName)
	if err != nil {
		return FileId{}, err
	}
	if !ok {
		return FileId{}, fmt.Errorf("%w: link target not found %q", ErrForwardHardlink, target)
	}
	if existing.Kind == FileTypeDirectory {
		return FileId{}, fmt.Errorf("hardlink to directory not allowed %q", target)
	}
	if _, err := b.addLink(parentID, name, existing.FileID, existing.Kind); err != nil {
		return FileId{}, err
	}
	return existing.FileID, nil
}

// Finish flushes the file table and returns the built layer.
func (b *BottomLayerBuilder) Finish() (*LayerFs, error) {
	if err := b.writer.Flush(); err != nil {
		return nil, err
	}
	if err := b.writer.Close(); err != nil {
		return nil, err
	}
	return b.fs, nil
}

// UpperLayerBuilder stacks a newly ingested bottom layer on top of an
// existing layer stack, merging their directory trees so the result
// presents as a single filesystem with upper entries shadowing lower ones.
type UpperLayerBuilder struct {
	upper *LayerFs
	lower *LayerFs
}

// NewUpperLayerBuilder creates the upper layer's on-disk state, inheriting
// lower's LowerLayers map and adding lower itself to it.
func NewUpperLayerBuilder(ctx context.Context, dataDir string, lower *LayerFs) (*UpperLayerBuilder, error) {
	lowerSuper, err := lower.LayerSuper(ctx)
	if err != nil {
		return nil, err
	}
	upperID := lowerSuper.LayerID.Inc()
	upperSuper := lowerSuper
	upperSuper.LayerID = upperID
	upperSuper.LowerLayers = cloneLowerLayers(lowerSuper.LowerLayers)
	upperSuper.LowerLayers[lowerSuper.LayerID] = lower.DataDir()

	upper, err := New(ctx, dataDir, upperSuper)
	if err != nil {
		return nil, err
	}
	return &UpperLayerBuilder{upper: upper, lower: lower}, nil
}

func cloneLowerLayers(m map[LayerId]string) map[LayerId]string {
	out := make(map[LayerId]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// hardLinkFiles hard-links other's file and attribute tables into the
// upper layer's own table files, so every FileId belonging to other is also
// directly readable as a FileId in the upper layer (same offset, upper's
// layer id).
func (u *UpperLayerBuilder) hardLinkFiles(ctx context.Context, other *LayerFs) error {
	otherSuper, err := other.LayerSuper(ctx)
	if err != nil {
		return err
	}
	upperSuper, err := u.upper.LayerSuper(ctx)
	if err != nil {
		return err
	}
	if err := hardLinkReplacing(other.FileTablePath(otherSuper.LayerID), u.upper.FileTablePath(upperSuper.LayerID)); err != nil {
		return err
	}
	return hardLinkReplacing(other.AttributeTablePath(otherSuper.LayerID), u.upper.AttributeTablePath(upperSuper.LayerID))
}

// FillFromBottomLayer merges other (a freshly built, standalone bottom
// layer) on top of u.lower, writing the merged directory structure into
// u.upper.
func (u *UpperLayerBuilder) FillFromBottomLayer(ctx context.Context, other *LayerFs) error {
	if err := u.hardLinkFiles(ctx, other); err != nil {
		return err
	}
	upperSuper, err := u.upper.LayerSuper(ctx)
	if err != nil {
		return err
	}
	upperID := upperSuper.LayerID

	walker, err := NewDoubleFsWalk(ctx, u.lower, other)
	if err != nil {
		return err
	}
	for {
		res, ok, err := walker.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		switch res.side {
		case sideLeft:
			dirID := FileId{Layer: upperID, Offset: res.entry.rightParent.Offset}
			w, err := NewDirectoryDataWriter(u.upper, dirID)
			if err != nil {
				return err
			}
			w.InsertEntry(res.entry.key, res.entry.data)
			if err := w.Flush(); err != nil {
				return err
			}
		case sideRight, sideBoth:
			entry := res.entry
			dirID := FileId{Layer: upperID, Offset: entry.rightParent.Offset}
			w, err := NewDirectoryDataWriter(u.upper, dirID)
			if err != nil {
				return err
			}
			fileID := FileId{Layer: upperID, Offset: entry.data.FileID.Offset}
			kind := entry.data.Kind
			w.InsertEntry(entry.key, DirectoryEntryData{FileID: fileID, Kind: kind})
			if err := w.Flush(); err != nil {
				return err
			}
			if kind == FileTypeDirectory {
				if err := WriteEmptyDir(u.upper, fileID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Finish returns the built upper layer.
func (u *UpperLayerBuilder) Finish() *LayerFs { return u.upper }
