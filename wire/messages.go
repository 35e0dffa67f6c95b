// Package wire defines the messages exchanged between the broker and its
// peers (clients, workers, artifact pushers, artifact fetchers) and the
// length-prefixed JSON codec used to move them over a socket.
//
// Nothing else in the system depends on the exact bytes on the wire, so
// the codec is the simplest deterministic one: a 4-byte big-endian length
// prefix followed by a JSON body carrying a "type" discriminator.
package wire

import (
	"time"

	"github.com/projecteru2/cocoon-broker/digest"
)

// ClientId identifies a connected client for the lifetime of its connection.
type ClientId uint64

// WorkerId identifies a connected worker for the lifetime of its connection.
type WorkerId uint64

// ClientJobId is a client-chosen identifier, unique within that client's
// connection, used to correlate a JobRequest with its JobResponse.
type ClientJobId uint32

// JobId uniquely identifies a job within the broker: the client that
// submitted it plus that client's local job id.
type JobId struct {
	ClientId    ClientId    `json:"client_id"`
	ClientJobId ClientJobId `json:"client_job_id"`
}

// Identity names a unix user or group, either symbolically or numerically.
type Identity struct {
	Name string  `json:"name,omitempty"`
	ID   *uint32 `json:"id,omitempty"`
}

// JobMount describes one filesystem mount the worker must set up inside the
// job's root before exec. The broker never interprets Mounts; it is opaque
// payload forwarded verbatim to the worker in EnqueueJob.
type JobMount struct {
	Type   string `json:"type"`
	Source string `json:"source,omitempty"`
	Target string `json:"target"`
}

// JobDevice names a device node (e.g. "/dev/null") to bind into the job's
// root. Opaque to the broker, same as JobMount.
type JobDevice string

// NetworkPolicy controls what network namespace a job's worker gives it.
type NetworkPolicy string

const (
	NetworkDisabled NetworkPolicy = "disabled"
	NetworkLoopback NetworkPolicy = "loopback"
	NetworkLocal    NetworkPolicy = "local"
)

// RootOverlay selects whether (and how) the job's merged root filesystem is
// writable. The broker never mutates layer data on a job's behalf; this
// only tells the worker what kind of writable overlay to mount on top of
// the read-only layer stack LayerFS serves.
type RootOverlay string

const (
	RootOverlayNone  RootOverlay = "none"
	RootOverlayTmp   RootOverlay = "tmp"
	RootOverlayLocal RootOverlay = "local"
)

// JobSpec describes a unit of work a client submits for execution. Only
// Layers is interpreted by the scheduler (artifact gating); every other
// field is opaque payload it forwards unexamined to the worker that ends
// up running the job.
type JobSpec struct {
	Program           string          `json:"program"`
	Arguments         []string        `json:"arguments,omitempty"`
	Environment       []string        `json:"environment,omitempty"`
	Layers            []digest.Digest `json:"layers"`
	Mounts            []JobMount      `json:"mounts,omitempty"`
	Devices           []JobDevice     `json:"devices,omitempty"`
	NetworkPolicy     NetworkPolicy   `json:"network_policy,omitempty"`
	RootOverlay       RootOverlay     `json:"root_overlay,omitempty"`
	WorkingDir        string          `json:"working_dir,omitempty"`
	User              *Identity       `json:"user,omitempty"`
	Group             *Identity       `json:"group,omitempty"`
	Timeout           time.Duration   `json:"timeout,omitempty"`
	TTY               bool            `json:"tty,omitempty"`
	EstimatedDuration *time.Duration  `json:"estimated_duration,omitempty"`
}

// JobOutcome is the terminal result of running a job.
type JobOutcome string

const (
	JobOutcomeCompleted JobOutcome = "completed"
	JobOutcomeTimedOut  JobOutcome = "timed_out"
)

// JobStringResult is the terminal result a worker reports for a job:
// either the job ran to some outcome with captured stdout/stderr, or
// execution itself failed and Error explains why.
type JobStringResult struct {
	Outcome  JobOutcome `json:"outcome,omitempty"`
	ExitCode *int32     `json:"exit_code,omitempty"`
	Stdout   string     `json:"stdout,omitempty"`
	Stderr   string     `json:"stderr,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// JobStateCounts is a snapshot of how many jobs are in each broker-visible
// state at the moment it was taken.
type JobStateCounts struct {
	WaitingForLayers int `json:"waiting_for_layers"`
	Pending          int `json:"pending"`
	Running          int `json:"running"`
	Complete         int `json:"complete"`
}

// BrokerStatistics is the snapshot returned in response to a
// StatisticsRequest.
type BrokerStatistics struct {
	Workers        []WorkerStatistics `json:"workers"`
	JobStateCounts JobStateCounts     `json:"job_state_counts"`
}

// WorkerStatistics describes one connected worker.
type WorkerStatistics struct {
	ID          WorkerId  `json:"id"`
	Slots       int       `json:"slots"`
	JobsRunning int       `json:"jobs_running"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ArtifactType is the kind of content an artifact holds.
type ArtifactType string

const (
	ArtifactTar      ArtifactType = "tar"
	ArtifactManifest ArtifactType = "manifest"
	ArtifactBinary   ArtifactType = "bin"
)

// ArtifactTypeFromExtension maps a file extension to an ArtifactType.
func ArtifactTypeFromExtension(ext string) (ArtifactType, bool) {
	switch ext {
	case "tar":
		return ArtifactTar, true
	case "manifest":
		return ArtifactManifest, true
	case "bin":
		return ArtifactBinary, true
	default:
		return "", false
	}
}

// Ext returns the canonical file extension for t.
func (t ArtifactType) Ext() string { return string(t) }

// ArtifactMetadata describes an artifact about to be pushed or already
// stored.
type ArtifactMetadata struct {
	Type   ArtifactType  `json:"type"`
	Digest digest.Digest `json:"digest"`
	Size   uint64        `json:"size"`
}

// Hello is the first message every peer sends, identifying its role.
type Hello struct {
	Kind  HelloKind `json:"kind"`
	Slots uint32    `json:"slots,omitempty"`
}

// HelloKind enumerates the four peer roles the mux classifies connections
// into.
type HelloKind string

const (
	HelloClient          HelloKind = "client"
	HelloWorker          HelloKind = "worker"
	HelloArtifactPusher  HelloKind = "artifact_pusher"
	HelloArtifactFetcher HelloKind = "artifact_fetcher"
)

// ClientToBroker is the envelope for every message a client sends after
// Hello.
type ClientToBroker struct {
	Type           string      `json:"type"`
	JobRequestID   ClientJobId `json:"job_request_id,omitempty"`
	JobRequestSpec *JobSpec    `json:"job_request_spec,omitempty"`
}

// Discriminator values for ClientToBroker.Type.
const (
	ClientToBrokerJobRequest        = "job_request"
	ClientToBrokerStatisticsRequest = "statistics_request"
	ClientToBrokerJobStateCountsReq = "job_state_counts_request"
)

// BrokerToClient is the envelope for every message the broker sends to a
// client.
type BrokerToClient struct {
	Type                   string            `json:"type"`
	JobResponseID          ClientJobId       `json:"job_response_id,omitempty"`
	JobResponseResult      *JobStringResult  `json:"job_response_result,omitempty"`
	TransferArtifact       *digest.Digest    `json:"transfer_artifact,omitempty"`
	StatisticsResponse     *BrokerStatistics `json:"statistics_response,omitempty"`
	JobStateCountsResponse *JobStateCounts   `json:"job_state_counts_response,omitempty"`
}

// Discriminator values for BrokerToClient.Type.
const (
	BrokerToClientJobResponse            = "job_response"
	BrokerToClientTransferArtifact       = "transfer_artifact"
	BrokerToClientStatisticsResponse     = "statistics_response"
	BrokerToClientJobStateCountsResponse = "job_state_counts_response"
)

// BrokerToWorker is the envelope for every message the broker sends to a
// worker.
type BrokerToWorker struct {
	Type           string   `json:"type"`
	EnqueueJob     *JobId   `json:"enqueue_job,omitempty"`
	EnqueueJobSpec *JobSpec `json:"enqueue_job_spec,omitempty"`
	CancelJob      *JobId   `json:"cancel_job,omitempty"`
}

// Discriminator values for BrokerToWorker.Type.
const (
	BrokerToWorkerEnqueueJob = "enqueue_job"
	BrokerToWorkerCancelJob  = "cancel_job"
)

// WorkerToBroker is the envelope for every message a worker sends reporting
// on a job.
type WorkerToBroker struct {
	JobID  JobId           `json:"job_id"`
	Result JobStringResult `json:"result"`
}

// ArtifactFetcherToBroker requests the body of the named artifact.
type ArtifactFetcherToBroker struct {
	Digest digest.Digest `json:"digest"`
}

// BrokerToArtifactFetcher responds to an ArtifactFetcherToBroker: on success
// Size is the exact byte count that immediately follows on the wire, on
// failure Error explains why and the connection is then closed.
type BrokerToArtifactFetcher struct {
	Size  uint64 `json:"size,omitempty"`
	Error string `json:"error,omitempty"`
}

// ArtifactPusherToBroker announces an artifact about to be pushed; its body
// immediately follows on the wire.
type ArtifactPusherToBroker struct {
	Metadata ArtifactMetadata `json:"metadata"`
}

// BrokerToArtifactPusher responds to a push: Error is empty on success.
type BrokerToArtifactPusher struct {
	Error string `json:"error,omitempty"`
}
