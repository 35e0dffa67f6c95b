package layerfs

import "testing"

func TestDirectoryDataWriterInsertAndLookup(t *testing.T) {
	fs := newTestLayerFs(t, Bottom)
	dirID := FileId{Layer: Bottom, Offset: 0}
	if err := WriteEmptyDir(fs, dirID); err != nil {
		t.Fatalf("WriteEmptyDir: %v", err)
	}

	w, err := NewDirectoryDataWriter(fs, dirID)
	if err != nil {
		t.Fatalf("NewDirectoryDataWriter: %v", err)
	}
	entries := map[string]FileId{
		"zebra.txt": {Layer: Bottom, Offset: 3},
		"alpha.txt": {Layer: Bottom, Offset: 1},
		"mid.txt":   {Layer: Bottom, Offset: 2},
	}
	for name, id := range entries {
		if !w.InsertEntry(name, DirectoryEntryData{FileID: id, Kind: FileTypeRegular}) {
			t.Fatalf("InsertEntry(%s) reported collision unexpectedly", name)
		}
	}
	if w.InsertEntry("alpha.txt", DirectoryEntryData{FileID: FileId{Layer: Bottom, Offset: 99}, Kind: FileTypeRegular}) {
		t.Fatal("InsertEntry should report collision for an existing name")
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	r, err := NewDirectoryDataReader(fs, dirID)
	if err != nil {
		t.Fatalf("NewDirectoryDataReader: %v", err)
	}
	for name, want := range entries {
		got, ok := r.LookUp(name)
		if !ok || got != want {
			t.Fatalf("LookUp(%s) = %v, %v; want %v, true", name, got, ok, want)
		}
	}
	if _, ok := r.LookUp("missing.txt"); ok {
		t.Fatal("LookUp(missing.txt) should report not found")
	}

	all := r.Entries()
	if len(all) != len(entries) {
		t.Fatalf("Entries() returned %d entries, want %d", len(all), len(entries))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Name >= all[i].Name {
			t.Fatalf("Entries() not sorted: %q >= %q", all[i-1].Name, all[i].Name)
		}
	}
}

func TestWriteEmptyDir(t *testing.T) {
	fs := newTestLayerFs(t, Bottom)
	dirID := FileId{Layer: Bottom, Offset: 0}
	if err := WriteEmptyDir(fs, dirID); err != nil {
		t.Fatalf("WriteEmptyDir: %v", err)
	}
	r, err := NewDirectoryDataReader(fs, dirID)
	if err != nil {
		t.Fatalf("NewDirectoryDataReader: %v", err)
	}
	if len(r.Entries()) != 0 {
		t.Fatalf("fresh empty dir has %d entries, want 0", len(r.Entries()))
	}
}
