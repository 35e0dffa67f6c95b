package layerfs

import (
	"archive/tar"
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/projecteru2/cocoon-broker/blobstore"
	"github.com/projecteru2/cocoon-broker/digest"
	"github.com/projecteru2/cocoon-broker/wire"
)

// buildTar packs entries into a tar byte stream; the whole tar artifact is
// the backing store for every regular file it contains, so tests read file
// contents back out of the very bytes built here.
type tarEntry struct {
	name     string
	typeflag byte
	body     []byte
	linkname string
	mode     int64
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Size:     int64(len(e.body)),
			Mode:     mode,
			Linkname: e.linkname,
			ModTime:  time.Unix(1700000000, 0).UTC(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%s): %v", e.name, err)
		}
		if len(e.body) > 0 {
			if _, err := tw.Write(e.body); err != nil {
				t.Fatalf("Write(%s): %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	return buf.Bytes()
}

// buildBottomLayer commits a tar artifact to blobs and ingests it into a
// fresh, standalone bottom layer under dataDir.
func buildBottomLayer(t *testing.T, ctx context.Context, blobs *blobstore.Store, tempDir, dataDir string, entries []tarEntry) *LayerFs {
	t.Helper()
	raw := buildTar(t, entries)
	d := digest.FromBytes(raw)
	if err := blobs.Put(ctx, tempDir, d, wire.ArtifactBinary, int64(len(raw)), bytes.NewReader(raw)); err != nil {
		t.Fatalf("Put tar artifact: %v", err)
	}

	b, err := NewBottomLayerBuilder(ctx, dataDir, time.Unix(1700000000, 0).UTC())
	if err != nil {
		t.Fatalf("NewBottomLayerBuilder: %v", err)
	}
	if err := b.ImportTar(ctx, d, bytes.NewReader(raw)); err != nil {
		t.Fatalf("ImportTar: %v", err)
	}
	fs, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return fs
}

func newTestBlobStore(t *testing.T) (*blobstore.Store, string) {
	t.Helper()
	root := t.TempDir()
	blobsDir := filepath.Join(root, "blobs")
	tempDir := filepath.Join(root, "tmp")
	if err := blobstore.EnsureDirs(blobsDir, tempDir); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return blobstore.New(blobsDir, filepath.Join(root, "index.lock"), filepath.Join(root, "index.json")), tempDir
}

func readFileString(t *testing.T, ctx context.Context, r *Reader, blobs *blobstore.Store, id FileId) string {
	t.Helper()
	_, attrs, _, err := r.Stat(ctx, id)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	buf := make([]byte, attrs.Size)
	n, err := r.ReadAt(ctx, blobs, id, buf, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	return string(buf[:n])
}

func lookupPath(t *testing.T, ctx context.Context, r *Reader, path string) (FileId, FileType) {
	t.Helper()
	id, err := r.Root(ctx)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	var kind FileType = FileTypeDirectory
	for _, comp := range splitPath(path) {
		var err error
		id, kind, err = r.Lookup(ctx, id, comp)
		if err != nil {
			t.Fatalf("Lookup(%s) in %s: %v", comp, path, err)
		}
	}
	return id, kind
}

// TestMergeOverlaySemantics: a lower layer has /etc/hosts -> "A" and
// /bin/ls (regular); an upper layer overlays /etc/hosts -> "B" and adds
// /tmp/new. The merged read path must resolve upper's shadowing value,
// fall through to lower for untouched paths, and report not-found for
// anything neither side has.
func TestMergeOverlaySemantics(t *testing.T) {
	ctx := t.Context()
	blobs, tempDir := newTestBlobStore(t)
	root := t.TempDir()

	lowerBottom := buildBottomLayer(t, ctx, blobs, tempDir, filepath.Join(root, "lower-bottom"), []tarEntry{
		{name: "etc/", typeflag: tar.TypeDir},
		{name: "etc/hosts", typeflag: tar.TypeReg, body: []byte("A")},
		{name: "bin/", typeflag: tar.TypeDir},
		{name: "bin/ls", typeflag: tar.TypeReg, body: []byte("elf-binary")},
	})

	upperBottom := buildBottomLayer(t, ctx, blobs, tempDir, filepath.Join(root, "upper-bottom"), []tarEntry{
		{name: "etc/", typeflag: tar.TypeDir},
		{name: "etc/hosts", typeflag: tar.TypeReg, body: []byte("B")},
		{name: "tmp/", typeflag: tar.TypeDir},
		{name: "tmp/new", typeflag: tar.TypeReg, body: []byte("fresh")},
	})

	ub, err := NewUpperLayerBuilder(ctx, filepath.Join(root, "upper"), lowerBottom)
	if err != nil {
		t.Fatalf("NewUpperLayerBuilder: %v", err)
	}
	if err := ub.FillFromBottomLayer(ctx, upperBottom); err != nil {
		t.Fatalf("FillFromBottomLayer: %v", err)
	}
	merged := ub.Finish()

	r, err := NewReader(ctx, merged)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	// Upper wins for /etc/hosts.
	id, kind := lookupPath(t, ctx, r, "etc/hosts")
	if kind != FileTypeRegular {
		t.Fatalf("etc/hosts kind = %v, want FileTypeRegular", kind)
	}
	if got := readFileString(t, ctx, r, blobs, id); got != "B" {
		t.Fatalf("etc/hosts content = %q, want %q", got, "B")
	}

	// Lower's /bin/ls survives untouched, reached via left-only fallback.
	id, kind = lookupPath(t, ctx, r, "bin/ls")
	if kind != FileTypeRegular {
		t.Fatalf("bin/ls kind = %v, want FileTypeRegular", kind)
	}
	if got := readFileString(t, ctx, r, blobs, id); got != "elf-binary" {
		t.Fatalf("bin/ls content = %q, want %q", got, "elf-binary")
	}

	// Upper-only addition is reachable.
	id, kind = lookupPath(t, ctx, r, "tmp/new")
	if kind != FileTypeRegular {
		t.Fatalf("tmp/new kind = %v, want FileTypeRegular", kind)
	}
	if got := readFileString(t, ctx, r, blobs, id); got != "fresh" {
		t.Fatalf("tmp/new content = %q, want %q", got, "fresh")
	}

	// Absent path is ENOENT-equivalent (Lookup error, IsNotFound true).
	root2, err := r.Root(ctx)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if _, _, err := r.Lookup(ctx, root2, "does-not-exist"); err == nil {
		t.Fatal("Lookup(does-not-exist) succeeded, want error")
	} else if !IsNotFound(err) {
		t.Fatalf("Lookup(does-not-exist) error = %v, want IsNotFound", err)
	}
}

// TestMergeDirectoryShadowsFile: a directory in the new bottom layer at a
// path where the lower stack has a regular file replaces it wholesale, and
// the directory's own children must all survive the merge.
func TestMergeDirectoryShadowsFile(t *testing.T) {
	ctx := t.Context()
	blobs, tempDir := newTestBlobStore(t)
	root := t.TempDir()

	lowerBottom := buildBottomLayer(t, ctx, blobs, tempDir, filepath.Join(root, "lower-bottom"), []tarEntry{
		{name: "opt", typeflag: tar.TypeReg, body: []byte("a plain file named opt")},
		{name: "etc/", typeflag: tar.TypeDir},
		{name: "etc/hosts", typeflag: tar.TypeReg, body: []byte("hosts")},
	})

	upperBottom := buildBottomLayer(t, ctx, blobs, tempDir, filepath.Join(root, "upper-bottom"), []tarEntry{
		{name: "opt/", typeflag: tar.TypeDir},
		{name: "opt/tool", typeflag: tar.TypeReg, body: []byte("tool binary")},
		{name: "opt/sub/", typeflag: tar.TypeDir},
		{name: "opt/sub/data", typeflag: tar.TypeReg, body: []byte("nested data")},
	})

	ub, err := NewUpperLayerBuilder(ctx, filepath.Join(root, "upper"), lowerBottom)
	if err != nil {
		t.Fatalf("NewUpperLayerBuilder: %v", err)
	}
	if err := ub.FillFromBottomLayer(ctx, upperBottom); err != nil {
		t.Fatalf("FillFromBottomLayer: %v", err)
	}
	merged := ub.Finish()

	r, err := NewReader(ctx, merged)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	// The directory wins over the lower layer's file...
	optID, kind := lookupPath(t, ctx, r, "opt")
	if kind != FileTypeDirectory {
		t.Fatalf("opt kind = %v, want FileTypeDirectory", kind)
	}
	// ...and none of its children were lost.
	entries, err := r.ReadDir(ctx, optID)
	if err != nil {
		t.Fatalf("ReadDir(opt): %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "sub" || entries[1].Name != "tool" {
		t.Fatalf("ReadDir(opt) = %+v, want [sub tool]", entries)
	}
	id, kind := lookupPath(t, ctx, r, "opt/tool")
	if kind != FileTypeRegular {
		t.Fatalf("opt/tool kind = %v, want FileTypeRegular", kind)
	}
	if got := readFileString(t, ctx, r, blobs, id); got != "tool binary" {
		t.Fatalf("opt/tool content = %q, want %q", got, "tool binary")
	}
	id, kind = lookupPath(t, ctx, r, "opt/sub/data")
	if kind != FileTypeRegular {
		t.Fatalf("opt/sub/data kind = %v, want FileTypeRegular", kind)
	}
	if got := readFileString(t, ctx, r, blobs, id); got != "nested data" {
		t.Fatalf("opt/sub/data content = %q, want %q", got, "nested data")
	}
	// Untouched lower paths still resolve.
	id, kind = lookupPath(t, ctx, r, "etc/hosts")
	if kind != FileTypeRegular {
		t.Fatalf("etc/hosts kind = %v, want FileTypeRegular", kind)
	}
	if got := readFileString(t, ctx, r, blobs, id); got != "hosts" {
		t.Fatalf("etc/hosts content = %q, want %q", got, "hosts")
	}
}

// TestTarRoundTrip: every supported tar entry type, once ingested into a
// bottom layer, reads back byte- and attribute-identical through the FS
// reader.
func TestTarRoundTrip(t *testing.T) {
	ctx := t.Context()
	blobs, tempDir := newTestBlobStore(t)
	root := t.TempDir()

	fs := buildBottomLayer(t, ctx, blobs, tempDir, filepath.Join(root, "bottom"), []tarEntry{
		{name: "a/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "a/file.txt", typeflag: tar.TypeReg, body: []byte("hello world"), mode: 0o644},
		{name: "a/link.txt", typeflag: tar.TypeSymlink, linkname: "file.txt"},
		{name: "a/hardlink.txt", typeflag: tar.TypeLink, linkname: "a/file.txt"},
	})

	r, err := NewReader(ctx, fs)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	fileID, kind := lookupPath(t, ctx, r, "a/file.txt")
	if kind != FileTypeRegular {
		t.Fatalf("a/file.txt kind = %v, want FileTypeRegular", kind)
	}
	if got := readFileString(t, ctx, r, blobs, fileID); got != "hello world" {
		t.Fatalf("a/file.txt content = %q, want %q", got, "hello world")
	}
	_, attrs, _, err := r.Stat(ctx, fileID)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if attrs.Mode != 0o644 {
		t.Fatalf("a/file.txt mode = %o, want 0644", attrs.Mode)
	}

	linkID, kind := lookupPath(t, ctx, r, "a/link.txt")
	if kind != FileTypeSymlink {
		t.Fatalf("a/link.txt kind = %v, want FileTypeSymlink", kind)
	}
	_, _, data, err := r.Stat(ctx, linkID)
	if err != nil {
		t.Fatalf("Stat(link): %v", err)
	}
	target, ok := data.InlineTarget()
	if !ok || string(target) != "file.txt" {
		t.Fatalf("a/link.txt target = %q, ok=%v, want %q", target, ok, "file.txt")
	}

	hardlinkID, kind := lookupPath(t, ctx, r, "a/hardlink.txt")
	if kind != FileTypeRegular {
		t.Fatalf("a/hardlink.txt kind = %v, want FileTypeRegular", kind)
	}
	if hardlinkID != fileID {
		t.Fatalf("a/hardlink.txt FileId = %v, want it to alias a/file.txt's FileId %v", hardlinkID, fileID)
	}
}

// TestTarForwardHardlinkFails: a hardlink whose target hasn't appeared yet
// in the stream fails the ingest rather than being deferred.
func TestTarForwardHardlinkFails(t *testing.T) {
	ctx := t.Context()
	blobs, tempDir := newTestBlobStore(t)
	root := t.TempDir()

	raw := buildTar(t, []tarEntry{
		{name: "link-first.txt", typeflag: tar.TypeLink, linkname: "real.txt"},
		{name: "real.txt", typeflag: tar.TypeReg, body: []byte("data")},
	})
	d := digest.FromBytes(raw)
	if err := blobs.Put(ctx, tempDir, d, wire.ArtifactBinary, int64(len(raw)), bytes.NewReader(raw)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	b, err := NewBottomLayerBuilder(ctx, filepath.Join(root, "bottom"), time.Unix(1700000000, 0).UTC())
	if err != nil {
		t.Fatalf("NewBottomLayerBuilder: %v", err)
	}
	err = b.ImportTar(ctx, d, bytes.NewReader(raw))
	if err == nil {
		t.Fatal("ImportTar succeeded on a forward hardlink, want error")
	}
}
