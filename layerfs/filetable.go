package layerfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

const maxInlineLen = 256

// fileRecordSize is the fixed on-disk size of one file table record:
// Type(1) + DataKind(1) + reserved(2) + InlineLen(4) + Inline(maxInlineLen)
// + DigestHex(64) + Offset(8) + Length(8).
const fileRecordSize = 1 + 1 + 2 + 4 + maxInlineLen + 64 + 8 + 8

// attrRecordSize is the fixed on-disk size of one attribute record:
// Size(8) + Mode(4) + Mtime(8).
const attrRecordSize = 8 + 4 + 8

// FileMetadataWriter appends file table and attribute table records for one
// layer. Every InsertFile call appends one record to both tables at the
// same index, so a FileId's Offset addresses both tables in lockstep; the
// two tables are kept separate (rather than one combined record) so
// UpdateAttributes can rewrite just the attribute record without touching
// the immutable type/data record, and so UpperLayerBuilder can hard-link
// the two tables independently.
type FileMetadataWriter struct {
	fileTable *os.File
	attrTable *os.File
	layer     LayerId
	next      uint64
}

// NewFileMetadataWriter opens (creating if necessary) the file and
// attribute tables for layer within fs, resuming append position from
// whatever records already exist.
func NewFileMetadataWriter(fs *LayerFs, layer LayerId) (*FileMetadataWriter, error) {
	ft, err := os.OpenFile(fs.FileTablePath(layer), os.O_RDWR|os.O_CREATE, 0o640) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("open file table: %w", err)
	}
	at, err := os.OpenFile(fs.AttributeTablePath(layer), os.O_RDWR|os.O_CREATE, 0o640) //nolint:gosec
	if err != nil {
		_ = ft.Close()
		return nil, fmt.Errorf("open attribute table: %w", err)
	}
	info, err := ft.Stat()
	if err != nil {
		_ = ft.Close()
		_ = at.Close()
		return nil, fmt.Errorf("stat file table: %w", err)
	}
	return &FileMetadataWriter{
		fileTable: ft,
		attrTable: at,
		layer:     layer,
		next:      uint64(info.Size()) / fileRecordSize, //nolint:gosec
	}, nil
}

// InsertFile appends a new file with the given type, attributes, and data,
// returning its freshly assigned FileId.
func (w *FileMetadataWriter) InsertFile(typ FileType, attrs FileAttributes, data FileData) (FileId, error) {
	id := FileId{Layer: w.layer, Offset: w.next}
	if err := writeFileRecord(w.fileTable, id.Offset, typ, data); err != nil {
		return FileId{}, err
	}
	if err := writeAttrRecord(w.attrTable, id.Offset, attrs); err != nil {
		return FileId{}, err
	}
	w.next++
	return id, nil
}

// UpdateAttributes rewrites the attribute record for an already-inserted
// file in this layer.
func (w *FileMetadataWriter) UpdateAttributes(id FileId, attrs FileAttributes) error {
	if id.Layer != w.layer {
		return fmt.Errorf("update attributes: file %v not owned by layer %d", id, w.layer)
	}
	return writeAttrRecord(w.attrTable, id.Offset, attrs)
}

// Flush fsyncs both tables.
func (w *FileMetadataWriter) Flush() error {
	if err := w.fileTable.Sync(); err != nil {
		return fmt.Errorf("sync file table: %w", err)
	}
	if err := w.attrTable.Sync(); err != nil {
		return fmt.Errorf("sync attribute table: %w", err)
	}
	return nil
}

// Close releases the underlying file descriptors.
func (w *FileMetadataWriter) Close() error {
	return errors.Join(w.fileTable.Close(), w.attrTable.Close())
}

// FileMetadataReader reads file/attribute records for a single layer. Each
// layer in a stack has its own reader; cross-layer FileId resolution is
// Reader's job (reader.go).
type FileMetadataReader struct {
	fs    *LayerFs
	layer LayerId
}

// NewFileMetadataReader opens fs's own tables for reading.
func NewFileMetadataReader(fs *LayerFs, layer LayerId) *FileMetadataReader {
	return &FileMetadataReader{fs: fs, layer: layer}
}

// ReadFile returns the type and data payload for id, which must belong to
// this reader's layer.
func (r *FileMetadataReader) ReadFile(id FileId) (FileType, FileData, error) {
	if id.Layer != r.layer {
		return 0, FileData{}, fmt.Errorf("read file: %v not owned by layer %d", id, r.layer)
	}
	f, err := os.Open(r.fs.FileTablePath(r.layer)) //nolint:gosec
	if err != nil {
		return 0, FileData{}, fmt.Errorf("open file table: %w", err)
	}
	defer f.Close() //nolint:errcheck
	return readFileRecord(f, id.Offset)
}

// ReadAttributes returns the attributes for id, which must belong to this
// reader's layer.
func (r *FileMetadataReader) ReadAttributes(id FileId) (FileAttributes, error) {
	if id.Layer != r.layer {
		return FileAttributes{}, fmt.Errorf("read attributes: %v not owned by layer %d", id, r.layer)
	}
	f, err := os.Open(r.fs.AttributeTablePath(r.layer)) //nolint:gosec
	if err != nil {
		return FileAttributes{}, fmt.Errorf("open attribute table: %w", err)
	}
	defer f.Close() //nolint:errcheck
	return readAttrRecord(f, id.Offset)
}

func writeFileRecord(f *os.File, idx uint64, typ FileType, data FileData) error {
	buf := make([]byte, fileRecordSize)
	buf[0] = byte(typ)
	buf[1] = byte(data.kind)
	switch data.kind {
	case fileDataInline:
		if len(data.inline) > maxInlineLen {
			return fmt.Errorf("inline data %d bytes exceeds maximum %d", len(data.inline), maxInlineLen)
		}
		binary.BigEndian.PutUint32(buf[4:8], uint32(len(data.inline))) //nolint:gosec
		copy(buf[8:8+maxInlineLen], data.inline)
	case fileDataDigest:
		hexDigest := data.digest.Hex()
		copy(buf[8+maxInlineLen:8+maxInlineLen+64], hexDigest)
		binary.BigEndian.PutUint64(buf[8+maxInlineLen+64:8+maxInlineLen+72], data.offset)
		binary.BigEndian.PutUint64(buf[8+maxInlineLen+72:8+maxInlineLen+80], data.length)
	}
	_, err := f.WriteAt(buf, int64(idx)*fileRecordSize) //nolint:gosec
	if err != nil {
		return fmt.Errorf("write file record %d: %w", idx, err)
	}
	return nil
}

func readFileRecord(f *os.File, idx uint64) (FileType, FileData, error) {
	buf := make([]byte, fileRecordSize)
	if _, err := f.ReadAt(buf, int64(idx)*fileRecordSize); err != nil { //nolint:gosec
		return 0, FileData{}, fmt.Errorf("read file record %d: %w", idx, err)
	}
	typ := FileType(buf[0])
	kind := fileDataKind(buf[1])
	switch kind {
	case fileDataEmpty:
		return typ, EmptyFileData(), nil
	case fileDataInline:
		n := binary.BigEndian.Uint32(buf[4:8])
		target := make([]byte, n)
		copy(target, buf[8:8+n])
		return typ, InlineFileData(target), nil
	case fileDataDigest:
		hexStr := string(buf[8+maxInlineLen : 8+maxInlineLen+64])
		d, err := parseHexDigest(hexStr)
		if err != nil {
			return 0, FileData{}, err
		}
		offset := binary.BigEndian.Uint64(buf[8+maxInlineLen+64 : 8+maxInlineLen+72])
		length := binary.BigEndian.Uint64(buf[8+maxInlineLen+72 : 8+maxInlineLen+80])
		return typ, DigestFileData(d, offset, length), nil
	default:
		return 0, FileData{}, fmt.Errorf("unknown data kind %d in record %d", kind, idx)
	}
}

func writeAttrRecord(f *os.File, idx uint64, attrs FileAttributes) error {
	buf := make([]byte, attrRecordSize)
	binary.BigEndian.PutUint64(buf[0:8], attrs.Size)
	binary.BigEndian.PutUint32(buf[8:12], attrs.Mode)
	binary.BigEndian.PutUint64(buf[12:20], uint64(attrs.Mtime.Unix())) //nolint:gosec
	_, err := f.WriteAt(buf, int64(idx)*attrRecordSize)                //nolint:gosec
	if err != nil {
		return fmt.Errorf("write attribute record %d: %w", idx, err)
	}
	return nil
}

func readAttrRecord(f *os.File, idx uint64) (FileAttributes, error) {
	buf := make([]byte, attrRecordSize)
	if _, err := f.ReadAt(buf, int64(idx)*attrRecordSize); err != nil { //nolint:gosec
		return FileAttributes{}, fmt.Errorf("read attribute record %d: %w", idx, err)
	}
	return FileAttributes{
		Size:  binary.BigEndian.Uint64(buf[0:8]),
		Mode:  binary.BigEndian.Uint32(buf[8:12]),
		Mtime: unixTime(binary.BigEndian.Uint64(buf[12:20])),
	}, nil
}
