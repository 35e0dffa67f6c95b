package broker

import (
	"github.com/google/uuid"

	"github.com/projecteru2/cocoon-broker/digest"
	"github.com/projecteru2/cocoon-broker/wire"
)

// jobState is the broker-visible lifecycle stage of a job, strictly
// monotonic in the forward direction except for cancellation, which jumps
// straight to Complete.
type jobState int

const (
	stateWaitingForArtifacts jobState = iota
	statePending
	stateRunning
	stateComplete
)

func (s jobState) String() string {
	switch s {
	case stateWaitingForArtifacts:
		return "waiting_for_artifacts"
	case statePending:
		return "pending"
	case stateRunning:
		return "running"
	case stateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// job is the scheduler's private bookkeeping record for one submitted
// JobSpec. It is never touched outside the scheduler goroutine.
type job struct {
	id   wire.JobId
	spec wire.JobSpec

	// invocationID is an internal per-submission identifier, distinct from
	// JobId (which is scoped to one client connection); it is used only to
	// correlate log lines across the job's lifetime.
	invocationID uuid.UUID

	state jobState

	// clientGone is set once the owning client has disconnected; a
	// Running job with clientGone set is still tracked (its worker slot
	// isn't free yet) but its eventual result is dropped instead of
	// forwarded, and it is never re-queued if its worker disconnects too.
	clientGone bool

	// missing holds, keyed by hex digest, every layer digest not yet
	// acquired. The job moves WaitingForArtifacts -> Pending once this
	// map empties.
	missing map[string]digest.Digest

	// acquired holds, keyed by hex digest, every layer digest this job
	// currently holds a blob-store refcount on. Digests move here from
	// missing one at a time as their presence checks come back, and the
	// whole map is released at most once when the job ends.
	acquired map[string]digest.Digest

	// worker and hasWorker record the worker currently running this job,
	// valid only while state == stateRunning.
	worker    wire.WorkerId
	hasWorker bool
}

func newJob(id wire.JobId, spec wire.JobSpec) *job {
	j := &job{
		id:           id,
		spec:         spec,
		invocationID: uuid.New(),
		state:        stateWaitingForArtifacts,
		missing:      make(map[string]digest.Digest, len(spec.Layers)),
		acquired:     make(map[string]digest.Digest, len(spec.Layers)),
	}
	for _, d := range spec.Layers {
		j.missing[d.Hex()] = d
	}
	return j
}

// ready reports whether every layer digest has been acquired.
func (j *job) ready() bool { return len(j.missing) == 0 }
