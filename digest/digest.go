// Package digest provides the content-addressing digest type shared by the
// blob store, LayerFS, and the wire protocol.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	godigest "github.com/opencontainers/go-digest"
)

// Digest is a sha256 content hash, stored as "sha256:<hex>" the way
// opencontainers/go-digest formats it.
type Digest struct {
	d godigest.Digest
}

// FromString parses a "sha256:<hex>" digest string.
func FromString(s string) (Digest, error) {
	d, err := godigest.Parse(s)
	if err != nil {
		return Digest{}, fmt.Errorf("parse digest %q: %w", s, err)
	}
	if d.Algorithm() != godigest.SHA256 {
		return Digest{}, fmt.Errorf("unsupported digest algorithm %q", d.Algorithm())
	}
	return Digest{d: d}, nil
}

// FromBytes computes the sha256 digest of data.
func FromBytes(data []byte) Digest {
	return Digest{d: godigest.FromBytes(data)}
}

// FromReader computes the sha256 digest of everything read from r.
func FromReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, fmt.Errorf("hash reader: %w", err)
	}
	return Digest{d: godigest.NewDigestFromBytes(godigest.SHA256, h.Sum(nil))}, nil
}

// NewVerifier returns a sha256.Hash usable as an io.Writer, plus a function
// that yields the final Digest once all bytes have been written.
func NewVerifier() (io.Writer, func() Digest) {
	h := sha256.New()
	return h, func() Digest {
		var sum [32]byte
		copy(sum[:], h.Sum(nil))
		return Digest{d: godigest.NewDigestFromEncoded(godigest.SHA256, hex.EncodeToString(sum[:]))}
	}
}

// String returns the canonical "sha256:<hex>" form.
func (d Digest) String() string { return d.d.String() }

// Hex returns the bare hex-encoded hash, suitable for use as a filename.
func (d Digest) Hex() string { return d.d.Encoded() }

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool { return d.d == "" }

// Equal reports whether d and other represent the same digest.
func (d Digest) Equal(other Digest) bool { return d.d == other.d }

// MarshalJSON implements json.Marshaler.
func (d Digest) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Digest) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("invalid digest JSON %q", data)
	}
	parsed, err := FromString(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
