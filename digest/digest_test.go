package digest

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestFromBytesRoundTrip(t *testing.T) {
	d := FromBytes([]byte("hello world"))
	if d.IsZero() {
		t.Fatal("FromBytes produced zero digest")
	}
	if !strings.HasPrefix(d.String(), "sha256:") {
		t.Fatalf("unexpected digest string %q", d.String())
	}

	parsed, err := FromString(d.String())
	if err != nil {
		t.Fatalf("FromString: %v", err)
	}
	if !parsed.Equal(d) {
		t.Fatalf("parsed digest %v != original %v", parsed, d)
	}
}

func TestFromReaderMatchesFromBytes(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	want := FromBytes(data)
	got, err := FromReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("FromReader: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("FromReader digest %v != FromBytes digest %v", got, want)
	}
}

func TestNewVerifier(t *testing.T) {
	data := []byte("artifact body bytes")
	w, sum := NewVerifier()
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, want := sum(), FromBytes(data); !got.Equal(want) {
		t.Fatalf("verifier digest %v != expected %v", got, want)
	}
}

func TestFromStringRejectsNonSHA256(t *testing.T) {
	if _, err := FromString("sha512:deadbeef"); err == nil {
		t.Fatal("expected error for non-sha256 digest")
	}
}

func TestDigestJSONRoundTrip(t *testing.T) {
	d := FromBytes([]byte("payload"))
	buf, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Digest
	if err := json.Unmarshal(buf, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !got.Equal(d) {
		t.Fatalf("round-tripped digest %v != original %v", got, d)
	}
}

func TestZeroDigest(t *testing.T) {
	var d Digest
	if !d.IsZero() {
		t.Fatal("zero-value Digest should report IsZero")
	}
}
