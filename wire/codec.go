package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const maxFrameSize = 64 << 20 // 64MiB, generous headroom over any JobSpec/manifest message.

// Encoder writes length-prefixed JSON messages to an underlying writer.
// Not safe for concurrent use; callers serialize writes through a single
// goroutine the way broker/mux.go's writer loop does.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Encode marshals v to JSON and writes it as one length-prefixed frame.
func (e *Encoder) Encode(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := e.w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := e.w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// Decoder reads length-prefixed JSON messages from an underlying reader.
// Not safe for concurrent use; each peer has exactly one reader goroutine.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r behind a buffered reader; frame headers and bodies
// arrive in many small reads otherwise.
func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: bufio.NewReader(r)} }

// Decode reads the next frame and unmarshals it into v.
func (d *Decoder) Decode(v any) error {
	var header [4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return err // surface io.EOF as-is so callers detect clean disconnects
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", size, maxFrameSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}

// ReadBody reads exactly n raw bytes following a frame header: used for
// artifact bodies, which are streamed immediately after their announcing
// message rather than JSON-encoded themselves.
func (d *Decoder) ReadBody(w io.Writer, n uint64) error {
	if _, err := io.CopyN(w, d.r, int64(n)); err != nil {
		return fmt.Errorf("read artifact body: %w", err)
	}
	return nil
}

// BodyReader returns a reader limited to exactly n bytes immediately
// following the last decoded frame, for handing an artifact body to a
// callee that wants an io.Reader (e.g. blobstore.Store.Put) instead of
// pushing bytes through ReadBody's io.Writer. The caller must consume
// exactly n bytes before decoding the next frame, or the stream desyncs.
func (d *Decoder) BodyReader(n uint64) io.Reader {
	return io.LimitReader(d.r, int64(n))
}

// WriteBody writes n bytes read from r directly to the underlying writer,
// bypassing JSON framing: used to stream an artifact body immediately
// after its announcing message.
func (e *Encoder) WriteBody(r io.Reader, n uint64) error {
	if _, err := io.CopyN(e.w, r, int64(n)); err != nil {
		return fmt.Errorf("write artifact body: %w", err)
	}
	return nil
}
