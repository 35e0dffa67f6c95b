package blobstore

import (
	"errors"
	"time"

	"github.com/projecteru2/cocoon-broker/digest"
	"github.com/projecteru2/cocoon-broker/wire"
)

// ErrDigestMismatch is returned by Store.Put when the received bytes don't
// hash to (or aren't as long as) the digest they were announced under.
var ErrDigestMismatch = errors.New("blob digest mismatch")

// index is the top-level structure of the blobs.json file: one entry per
// committed blob, refcounted by the in-flight jobs that reference it.
type index struct {
	Blobs map[string]*blobEntry `json:"blobs"`
}

// Init implements storage.Initer, called automatically by storage/json.Store
// when the file doesn't exist yet or after deserialization leaves Blobs nil.
func (idx *index) Init() {
	if idx.Blobs == nil {
		idx.Blobs = make(map[string]*blobEntry)
	}
}

// blobEntry records one committed blob: digest, content type, size, the
// refcount holding it alive, and its access times for LRU eviction.
type blobEntry struct {
	Digest     digest.Digest     `json:"digest"`
	Type       wire.ArtifactType `json:"type"`
	Size       int64             `json:"size"`
	RefCount   int               `json:"ref_count"`
	CreatedAt  time.Time         `json:"created_at"`
	LastUsedAt time.Time         `json:"last_used_at"`
}

// totalSize sums the size of every committed blob, referenced or not.
func (idx *index) totalSize() int64 {
	var total int64
	for _, e := range idx.Blobs {
		total += e.Size
	}
	return total
}
