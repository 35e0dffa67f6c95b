package layerfs

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// dirEntry is one name→entry pair within a directory table, kept sorted by
// Name so merge.go can walk two directories in lock-step lexicographic
// order.
type dirEntry struct {
	Name string
	Data DirectoryEntryData
}

// WriteEmptyDir creates a zero-entry directory table for fileID, so a
// freshly inserted directory is immediately listable.
func WriteEmptyDir(fs *LayerFs, fileID FileId) error {
	return writeDirEntries(fs.DirPath(fileID), nil)
}

// DirectoryDataReader reads the sorted entry table for one directory.
type DirectoryDataReader struct {
	entries []dirEntry
}

// NewDirectoryDataReader loads dirID's entry table.
func NewDirectoryDataReader(fs *LayerFs, dirID FileId) (*DirectoryDataReader, error) {
	entries, err := readDirEntries(fs.DirPath(dirID))
	if err != nil {
		return nil, err
	}
	return &DirectoryDataReader{entries: entries}, nil
}

// LookUp returns the FileId for name, if present.
func (r *DirectoryDataReader) LookUp(name string) (FileId, bool) {
	e, ok := r.LookUpEntry(name)
	return e.FileID, ok
}

// LookUpEntry returns the full entry for name, if present.
func (r *DirectoryDataReader) LookUpEntry(name string) (DirectoryEntryData, bool) {
	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].Name >= name })
	if i < len(r.entries) && r.entries[i].Name == name {
		return r.entries[i].Data, true
	}
	return DirectoryEntryData{}, false
}

// Entries returns every (name, entry) pair in sorted order, used both for
// directory listing and as the ordered stream merge.go walks.
func (r *DirectoryDataReader) Entries() []dirEntry {
	return r.entries
}

// DirectoryDataWriter accumulates entries for one directory in memory and
// persists them, sorted, on Flush.
type DirectoryDataWriter struct {
	path    string
	entries []dirEntry
}

// NewDirectoryDataWriter loads dirID's existing entries (if any) for
// in-place modification.
func NewDirectoryDataWriter(fs *LayerFs, dirID FileId) (*DirectoryDataWriter, error) {
	entries, err := readDirEntries(fs.DirPath(dirID))
	if err != nil {
		return nil, err
	}
	return &DirectoryDataWriter{path: fs.DirPath(dirID), entries: entries}, nil
}

// InsertEntry adds name→data if name isn't already present. Returns
// whether it was newly inserted; callers use this to detect name
// collisions.
func (w *DirectoryDataWriter) InsertEntry(name string, data DirectoryEntryData) bool {
	i := sort.Search(len(w.entries), func(i int) bool { return w.entries[i].Name >= name })
	if i < len(w.entries) && w.entries[i].Name == name {
		return false
	}
	w.entries = append(w.entries, dirEntry{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = dirEntry{Name: name, Data: data}
	return true
}

// Flush persists the accumulated entries.
func (w *DirectoryDataWriter) Flush() error {
	return writeDirEntries(w.path, w.entries)
}

func writeDirEntries(path string, entries []dirEntry) error {
	buf := make([]byte, 0, 4+len(entries)*32)
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(entries))) //nolint:gosec
	buf = append(buf, countBuf[:]...)
	for _, e := range entries {
		var nameLen [2]byte
		binary.BigEndian.PutUint16(nameLen[:], uint16(len(e.Name))) //nolint:gosec
		buf = append(buf, nameLen[:]...)
		buf = append(buf, e.Name...)
		var rec [13]byte
		binary.BigEndian.PutUint32(rec[0:4], uint32(e.Data.FileID.Layer)) //nolint:gosec
		binary.BigEndian.PutUint64(rec[4:12], e.Data.FileID.Offset)
		rec[12] = byte(e.Data.Kind)
		buf = append(buf, rec[:]...)
	}
	if err := os.WriteFile(path, buf, 0o640); err != nil { //nolint:gosec
		return fmt.Errorf("write directory table %s: %w", path, err)
	}
	return nil
}

func readDirEntries(path string) ([]dirEntry, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read directory table %s: %w", path, err)
	}
	if len(data) < 4 {
		return nil, nil
	}
	count := binary.BigEndian.Uint32(data[0:4])
	entries := make([]dirEntry, 0, count)
	off := 4
	for range count {
		if off+2 > len(data) {
			return nil, fmt.Errorf("truncated directory table %s", path)
		}
		nameLen := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if off+nameLen+13 > len(data) {
			return nil, fmt.Errorf("truncated directory table %s", path)
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		layer := binary.BigEndian.Uint32(data[off : off+4])
		offset := binary.BigEndian.Uint64(data[off+4 : off+12])
		kind := FileType(data[off+12])
		off += 13
		entries = append(entries, dirEntry{Name: name, Data: DirectoryEntryData{
			FileID: FileId{Layer: LayerId(layer), Offset: offset},
			Kind:   kind,
		}})
	}
	return entries, nil
}
