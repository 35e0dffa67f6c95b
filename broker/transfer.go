package broker

import (
	"context"
	"fmt"
	"net"

	"github.com/cockroachdb/errors"

	"github.com/projecteru2/cocoon-broker/blobstore"
	"github.com/projecteru2/cocoon-broker/wire"
)

// Transfer implements the two artifact transfer sub-protocols: an
// ArtifactFetcher connection asks for one digest's bytes, an
// ArtifactPusher connection announces then streams one artifact's bytes.
// Both talk directly to the blob store on their own connection's
// goroutine; neither touches the scheduler except for ServePusher's final
// ArtifactTransferred notification, which lets any job blocked on the new
// digest be re-checked.
type Transfer struct {
	store   *blobstore.Store
	tempDir string
	sched   *Scheduler
	onSweep SweepTrigger
}

// NewTransfer creates a Transfer backed by store, using tempDir for
// in-flight push staging and posting ArtifactTransferred to sched once a
// push commits. onSweep is fired on the same commit so the store can
// re-check its size target after every completed transfer; a nil onSweep
// disables eager sweeping.
func NewTransfer(store *blobstore.Store, tempDir string, sched *Scheduler, onSweep SweepTrigger) *Transfer {
	return &Transfer{store: store, tempDir: tempDir, sched: sched, onSweep: onSweep}
}

// ServeFetcher handles one ArtifactFetcher connection: a single request,
// a response carrying either the artifact's size or an error, and, on
// success, the raw body immediately following, after which the connection
// is closed.
func (t *Transfer) ServeFetcher(ctx context.Context, conn net.Conn, dec *wire.Decoder) error {
	var req wire.ArtifactFetcherToBroker
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("read fetch request: %w", err)
	}
	enc := wire.NewEncoder(conn)

	f, err := t.store.Open(ctx, req.Digest)
	if err != nil {
		return enc.Encode(wire.BrokerToArtifactFetcher{
			Error: fmt.Sprintf("%s: %v", req.Digest, markNotFound(err)),
		})
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return enc.Encode(wire.BrokerToArtifactFetcher{Error: err.Error()})
	}
	if err := enc.Encode(wire.BrokerToArtifactFetcher{Size: uint64(info.Size())}); err != nil {
		return err
	}
	return enc.WriteBody(f, uint64(info.Size()))
}

// ServePusher handles one ArtifactPusher connection: the push announces
// the artifact's metadata, its body follows immediately, and the broker
// commits it to the blob store under an atomic rename once the hash
// verifies. A hash or size mismatch is reported to the pusher and marked
// ErrIntegrity; the connection is then closed and no other broker state is
// touched.
func (t *Transfer) ServePusher(ctx context.Context, conn net.Conn, dec *wire.Decoder) error {
	var req wire.ArtifactPusherToBroker
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("read push announcement: %w", err)
	}
	enc := wire.NewEncoder(conn)

	body := dec.BodyReader(req.Metadata.Size)
	if err := t.store.Put(ctx, t.tempDir, req.Metadata.Digest, req.Metadata.Type, int64(req.Metadata.Size), body); err != nil {
		_ = enc.Encode(wire.BrokerToArtifactPusher{Error: err.Error()})
		mark := markResource
		if errors.Is(err, blobstore.ErrDigestMismatch) {
			mark = markIntegrity
		}
		return mark(fmt.Errorf("push %s: %w", req.Metadata.Digest, err))
	}
	if err := enc.Encode(wire.BrokerToArtifactPusher{}); err != nil {
		return err
	}
	t.sched.Send(ArtifactTransferred{Digest: req.Metadata.Digest})
	t.onSweep.Fire()
	return nil
}
