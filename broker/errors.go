// Package broker implements the scheduler state machine, connection
// multiplexer, artifact transfer protocol, and statistics aggregator: the
// parts of the broker that coordinate client job streams, worker slots,
// and artifact availability.
package broker

import "github.com/cockroachdb/errors"

// Error taxonomy for the broker's edges. These are sentinels used with
// errors.Mark/errors.Is, not values returned directly: callers wrap a
// local error with the relevant sentinel via markX below so errors.Is
// still recognizes the kind after a chain of fmt.Errorf("...: %w", err).
var (
	// ErrProtocol marks a malformed frame or a message that's unexpected
	// given the peer's current classification (e.g. a worker frame on a
	// client connection). The mux closes the connection.
	ErrProtocol = errors.New("protocol error")

	// ErrNotFound marks a blob missing from the store when a fetcher asks
	// for it; surfaced as the error text of the fetch response.
	ErrNotFound = errors.New("not found")

	// ErrIntegrity marks an artifact hash mismatch on receive. The pusher
	// connection is closed; no other state is affected.
	ErrIntegrity = errors.New("integrity error")

	// ErrResource marks an infrastructure failure (disk full, too many
	// open files) that doesn't indicate a programming error; the scheduler
	// continues running.
	ErrResource = errors.New("resource error")
)

func markProtocol(err error) error  { return errors.Mark(err, ErrProtocol) }
func markNotFound(err error) error  { return errors.Mark(err, ErrNotFound) }
func markIntegrity(err error) error { return errors.Mark(err, ErrIntegrity) }
func markResource(err error) error  { return errors.Mark(err, ErrResource) }
