package layerfs

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/vbatts/tar-split/tar/asm"
	tarstorage "github.com/vbatts/tar-split/tar/storage"

	"github.com/projecteru2/cocoon-broker/digest"
)

// countingReader tracks total bytes read from an underlying reader, used to
// recover the byte offset at which each tar entry's content begins.
// archive/tar doesn't expose stream positions itself, but it only ever
// reads the exact bytes it needs (header blocks and padding) from the
// wrapped reader, so the wrapper's count after Next() is the entry's data
// offset.
type countingReader struct {
	r   io.Reader
	pos int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.pos += int64(n)
	return n, err
}

// ImportTar ingests a tar artifact (already committed to the blob store
// under d) into b: regular files become digest-backed file data pointing
// at their exact byte range within the artifact, directories and symlinks
// are added directly, and hardlinks resolve against entries already seen
// earlier in the same stream.
//
// r is first wrapped through tar-split's packer, which parses the tar
// structure into discrete segment/file records concurrently as the bytes
// stream through to the reader below. A structural error it finds surfaces
// as a read error from the wrapped stream, failing the import; entries
// read before that point have already been added to the layer. The parsed
// records themselves are discarded; only the validation and pass-through
// streaming are used here.
func (b *BottomLayerBuilder) ImportTar(_ context.Context, d digest.Digest, r io.Reader) error {
	packer := tarstorage.NewJSONPacker(io.Discard)
	wrapped, err := asm.NewInputTarStream(r, packer, nil)
	if err != nil {
		return fmt.Errorf("wrap tar stream: %w", err)
	}

	counting := &countingReader{r: wrapped}
	tr := tar.NewReader(counting)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		if !utf8.ValidString(hdr.Name) || (hdr.Typeflag == tar.TypeSymlink && !utf8.ValidString(hdr.Linkname)) {
			return fmt.Errorf("%w: non-UTF-8 path at tar entry %q", ErrInvalidPath, hdr.Name)
		}
		entryPath := "/" + strings.TrimPrefix(hdr.Name, "/")
		attrs := FileAttributes{
			Size:  uint64(hdr.Size), //nolint:gosec
			Mode:  uint32(hdr.Mode), //nolint:gosec
			Mtime: hdr.ModTime,
		}

		switch hdr.Typeflag {
		case tar.TypeReg:
			offset := counting.pos
			if _, err := b.AddFilePath(entryPath, attrs, DigestFileData(d, uint64(offset), uint64(hdr.Size))); err != nil { //nolint:gosec
				return fmt.Errorf("add tar file %s: %w", entryPath, err)
			}
			if _, err := io.CopyN(io.Discard, tr, hdr.Size); err != nil && err != io.EOF {
				return fmt.Errorf("skip tar entry body %s: %w", entryPath, err)
			}
		case tar.TypeDir:
			if _, err := b.AddDirPath(entryPath, attrs); err != nil {
				return fmt.Errorf("add tar dir %s: %w", entryPath, err)
			}
		case tar.TypeSymlink:
			if _, err := b.AddSymlinkPath(entryPath, []byte(hdr.Linkname)); err != nil {
				return fmt.Errorf("add tar symlink %s: %w", entryPath, err)
			}
		case tar.TypeLink:
			target := "/" + strings.TrimPrefix(hdr.Linkname, "/")
			if _, err := b.AddLinkPath(entryPath, target); err != nil {
				return fmt.Errorf("add tar hardlink %s: %w", entryPath, err)
			}
		default:
			return fmt.Errorf("unsupported tar entry type %v at %s", hdr.Typeflag, entryPath)
		}
	}
	return b.writer.Flush()
}
