package layerfs

import "errors"

// ErrForwardHardlink is returned when a tar hardlink entry references a path
// not yet seen earlier in the same tar stream. Tar ingestion is single-pass,
// so a hardlink can only ever target an entry that already precedes it.
var ErrForwardHardlink = errors.New("hardlink target not yet present in tar stream")

// ErrInvalidPath is returned when a tar entry's path (or, for a symlink, its
// target) is not valid UTF-8.
var ErrInvalidPath = errors.New("tar entry path is not valid UTF-8")

// errNotFound is wrapped into Reader.Lookup's error when name doesn't exist
// in the looked-up directory.
var errNotFound = errors.New("not found")

// IsNotFound reports whether err is (or wraps) a Reader.Lookup miss, for
// callers outside this package: e.g. fuseadapter mapping it to ENOENT.
func IsNotFound(err error) bool { return errors.Is(err, errNotFound) }
