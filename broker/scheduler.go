package broker

import (
	"context"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/cocoon-broker/digest"
	"github.com/projecteru2/cocoon-broker/wire"
)

// ClientSender delivers broker-originated messages to one connected client.
// Implementations (broker/mux.go's clientOutbox) must never block the
// caller: the scheduler goroutine sends to these from inside handle and
// must never suspend there.
type ClientSender interface {
	SendToClient(wire.BrokerToClient)
}

// WorkerSender delivers broker-originated messages to one connected worker,
// under the same non-blocking contract as ClientSender.
type WorkerSender interface {
	SendToWorker(wire.BrokerToWorker)
}

// BlobStore is the subset of blobstore.Store the scheduler needs to gate
// jobs on layer artifact availability. The scheduler never calls these
// directly from inside handle (that would be I/O in the hot loop); every
// call happens from a spawned goroutine that reports its result back as a
// Message, the same way every other collaborator talks to the scheduler.
type BlobStore interface {
	Has(ctx context.Context, d digest.Digest) (bool, error)
	Acquire(ctx context.Context, d digest.Digest) error
	Release(ctx context.Context, d digest.Digest) error
}

// Message is the sealed set of events the scheduler goroutine consumes.
// Only this package implements it.
type Message interface{ isMessage() }

// ClientConnected registers a newly classified client connection.
type ClientConnected struct {
	ID     wire.ClientId
	Sender ClientSender
}

// WorkerConnected registers a newly classified worker connection with its
// slot capacity.
type WorkerConnected struct {
	ID     wire.WorkerId
	Slots  int
	Sender WorkerSender
}

// ClientDisconnected reports that a client's reader+writer pair has ended.
type ClientDisconnected struct{ ID wire.ClientId }

// WorkerDisconnected reports that a worker's reader+writer pair has ended.
type WorkerDisconnected struct{ ID wire.WorkerId }

// FromClient wraps one decoded frame from a client connection.
type FromClient struct {
	ClientID wire.ClientId
	Msg      wire.ClientToBroker
}

// FromWorker wraps one decoded frame from a worker connection.
type FromWorker struct {
	WorkerID wire.WorkerId
	Msg      wire.WorkerToBroker
}

// ArtifactChecked is the async result of a blob-store presence check
// triggered either by a fresh JobRequest or by a prior ArtifactTransferred.
type ArtifactChecked struct {
	JobID   wire.JobId
	Digest  digest.Digest
	Present bool
}

// ArtifactTransferred reports that digest D has just been committed to the
// blob store by broker/transfer.go, and every job waiting on it should be
// re-checked.
type ArtifactTransferred struct{ Digest digest.Digest }

// StatsQuery asks the scheduler for a BrokerStatistics snapshot off-band
// from any client connection: used by the broker's own debug/health HTTP
// endpoint, which is not itself a ClientSender.
type StatsQuery struct{ Reply chan<- wire.BrokerStatistics }

func (ClientConnected) isMessage() {}
func (WorkerConnected) isMessage() {}
func (ClientDisconnected) isMessage() {}
func (WorkerDisconnected) isMessage() {}
func (FromClient) isMessage() {}
func (FromWorker) isMessage() {}
func (ArtifactChecked) isMessage() {}
func (ArtifactTransferred) isMessage() {}
func (StatsQuery) isMessage() {}

// clientConn is per-client bookkeeping, live only inside the scheduler
// goroutine.
type clientConn struct {
	id     wire.ClientId
	sender ClientSender
	jobs   map[wire.ClientJobId]*job

	// transferInFlight dedups BrokerToClient::TransferArtifact per digest:
	// a second job referencing a digest already being transferred doesn't
	// re-ask.
	transferInFlight map[string]struct{}
}

// workerConn is per-worker bookkeeping. runningOrder preserves dispatch
// order so WorkerDisconnected can re-queue at the head of pending while
// keeping FIFO relative order among the jobs it re-queues.
type workerConn struct {
	id           wire.WorkerId
	slots        int
	sender       WorkerSender
	connectedAt  time.Time
	running      map[wire.JobId]*job
	runningOrder []wire.JobId
}

func (w *workerConn) addRunning(j *job) {
	w.running[j.id] = j
	w.runningOrder = append(w.runningOrder, j.id)
}

func (w *workerConn) removeRunning(id wire.JobId) {
	delete(w.running, id)
	for i, other := range w.runningOrder {
		if other == id {
			w.runningOrder = append(w.runningOrder[:i], w.runningOrder[i+1:]...)
			break
		}
	}
}

// Scheduler is the single-threaded broker state machine. Exactly one
// goroutine (Run) ever mutates its fields; every other goroutine in the
// process talks to it only by sending a Message on its queue.
type Scheduler struct {
	queue   *queue[Message]
	store   BlobStore
	stats   *Stats
	onSweep SweepTrigger

	clients map[wire.ClientId]*clientConn
	workers map[wire.WorkerId]*workerConn
	jobs    map[wire.JobId]*job
	pending []*job

	// waitingOn indexes, per missing-layer hex digest, every job still
	// blocked on it: populated so ArtifactTransferred can re-check
	// exactly the jobs that need it without scanning every live job.
	waitingOn map[string]map[wire.JobId]struct{}
}

// NewScheduler creates a Scheduler backed by store for artifact gating.
// onSweep is fired (asynchronously, off the scheduler goroutine) after
// every job's layer refcounts are released, so completed jobs make their
// now-unreferenced layers eligible for eviction promptly. A nil onSweep is
// valid and simply disables eager sweeping.
// Run must be called on its own goroutine to start processing messages.
func NewScheduler(store BlobStore, onSweep SweepTrigger) *Scheduler {
	return &Scheduler{
		queue:     newQueue[Message](),
		store:     store,
		stats:     newStats(),
		onSweep:   onSweep,
		clients:   make(map[wire.ClientId]*clientConn),
		workers:   make(map[wire.WorkerId]*workerConn),
		jobs:      make(map[wire.JobId]*job),
		waitingOn: make(map[string]map[wire.JobId]struct{}),
	}
}

// Send enqueues msg for the scheduler goroutine. Safe to call from any
// goroutine; never blocks.
func (s *Scheduler) Send(msg Message) { s.queue.Send(msg) }

// Stop closes the scheduler's queue, causing Run to return once any
// already-enqueued messages have drained.
func (s *Scheduler) Stop() { s.queue.Close() }

// Stats fetches a BrokerStatistics snapshot from the scheduler goroutine,
// for callers (e.g. the broker's debug HTTP endpoint) that aren't a
// connected client. Returns ctx.Err() if ctx is done before the scheduler
// replies.
func (s *Scheduler) Stats(ctx context.Context) (wire.BrokerStatistics, error) {
	reply := make(chan wire.BrokerStatistics, 1)
	s.Send(StatsQuery{Reply: reply})
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return wire.BrokerStatistics{}, ctx.Err()
	}
}

// Run drains the scheduler's queue until it is closed and empty. There
// must be exactly one call to Run per Scheduler, on a dedicated goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		msg, ok := s.queue.Recv()
		if !ok {
			return
		}
		s.handle(ctx, msg)
	}
}

func (s *Scheduler) handle(ctx context.Context, msg Message) {
	switch m := msg.(type) {
	case ClientConnected:
		s.handleClientConnected(m)
	case WorkerConnected:
		s.handleWorkerConnected(m)
	case ClientDisconnected:
		s.handleClientDisconnected(ctx, m)
	case WorkerDisconnected:
		s.handleWorkerDisconnected(m)
	case FromClient:
		s.handleFromClient(ctx, m)
	case FromWorker:
		s.handleFromWorker(ctx, m)
	case ArtifactChecked:
		s.handleArtifactChecked(ctx, m)
	case ArtifactTransferred:
		s.handleArtifactTransferred(m)
	case StatsQuery:
		m.Reply <- s.stats.Snapshot(s)
	default:
		log.WithFunc("broker.Scheduler.handle").Warnf(ctx, "unhandled scheduler message %T", msg)
	}
}

func (s *Scheduler) handleClientConnected(m ClientConnected) {
	s.clients[m.ID] = &clientConn{
		id:               m.ID,
		sender:           m.Sender,
		jobs:             make(map[wire.ClientJobId]*job),
		transferInFlight: make(map[string]struct{}),
	}
}

func (s *Scheduler) handleWorkerConnected(m WorkerConnected) {
	s.workers[m.ID] = &workerConn{
		id:          m.ID,
		slots:       m.Slots,
		sender:      m.Sender,
		connectedAt: time.Now().UTC(),
		running:     make(map[wire.JobId]*job),
	}
	s.tryDispatch()
}

// handleClientDisconnected drops the client's pending/waiting jobs
// outright, cancels running ones, and releases every layer refcount the
// client's jobs held, immediately, not deferred to the eventual (possibly
// never-arriving) worker response. A Running job stays in its worker's
// running map so the
// slot isn't considered free until the worker actually reports in (or
// disconnects itself); job.clientGone tells that later handler to drop the
// result silently instead of forwarding it to a client that's gone.
func (s *Scheduler) handleClientDisconnected(ctx context.Context, m ClientDisconnected) {
	client, ok := s.clients[m.ID]
	if !ok {
		return
	}
	for _, j := range client.jobs {
		j.clientGone = true
		switch j.state {
		case stateWaitingForArtifacts:
			s.forgetWaiting(j)
			s.releaseLayers(ctx, j)
			delete(s.jobs, j.id)
		case statePending:
			s.removePending(j.id)
			s.releaseLayers(ctx, j)
			delete(s.jobs, j.id)
		case stateRunning:
			if w, ok := s.workers[j.worker]; ok {
				w.sender.SendToWorker(wire.BrokerToWorker{
					Type:      wire.BrokerToWorkerCancelJob,
					CancelJob: &j.id,
				})
			}
			s.releaseLayers(ctx, j)
			// Left in place in s.jobs and the worker's running map until
			// FromWorker or WorkerDisconnected frees the slot.
		}
	}
	delete(s.clients, m.ID)
}

func (s *Scheduler) handleWorkerDisconnected(m WorkerDisconnected) {
	w, ok := s.workers[m.ID]
	if !ok {
		return
	}
	var requeue []*job
	for _, id := range w.runningOrder {
		j := w.running[id]
		if j.clientGone {
			// Neither side cares about this job anymore.
			delete(s.jobs, id)
			continue
		}
		j.state = statePending
		j.hasWorker = false
		requeue = append(requeue, j)
	}
	s.pending = append(requeue, s.pending...)
	delete(s.workers, m.ID)
	s.tryDispatch()
}

func (s *Scheduler) handleFromClient(ctx context.Context, m FromClient) {
	client, ok := s.clients[m.ClientID]
	if !ok {
		log.WithFunc("broker.Scheduler.handleFromClient").Warnf(ctx, "message from unknown client %d", m.ClientID)
		return
	}
	switch m.Msg.Type {
	case wire.ClientToBrokerJobRequest:
		s.handleJobRequest(ctx, client, m.Msg.JobRequestID, m.Msg.JobRequestSpec)
	case wire.ClientToBrokerStatisticsRequest:
		resp := s.stats.Snapshot(s)
		client.sender.SendToClient(wire.BrokerToClient{
			Type:               wire.BrokerToClientStatisticsResponse,
			StatisticsResponse: &resp,
		})
	case wire.ClientToBrokerJobStateCountsReq:
		counts := s.stats.jobStateCounts(s)
		client.sender.SendToClient(wire.BrokerToClient{
			Type:                   wire.BrokerToClientJobStateCountsResponse,
			JobStateCountsResponse: &counts,
		})
	default:
		log.WithFunc("broker.Scheduler.handleFromClient").Warnf(ctx, "unknown ClientToBroker type %q", m.Msg.Type)
	}
}

func (s *Scheduler) handleJobRequest(ctx context.Context, client *clientConn, cjid wire.ClientJobId, spec *wire.JobSpec) {
	respondError := func(msg string) {
		client.sender.SendToClient(wire.BrokerToClient{
			Type:              wire.BrokerToClientJobResponse,
			JobResponseID:     cjid,
			JobResponseResult: &wire.JobStringResult{Error: msg},
		})
	}
	if spec == nil || len(spec.Layers) == 0 {
		respondError("job spec must reference at least one layer")
		return
	}
	if _, dup := client.jobs[cjid]; dup {
		respondError("duplicate client job id")
		return
	}

	id := wire.JobId{ClientId: client.id, ClientJobId: cjid}
	j := newJob(id, *spec)
	s.jobs[id] = j
	client.jobs[cjid] = j
	s.stats.jobSubmitted(client.id)
	log.WithFunc("broker.Scheduler.handleJobRequest").Infof(ctx, "job %s submitted by client %d as cjid %d, %d layers", j.invocationID, client.id, cjid, len(spec.Layers))

	for _, d := range j.missing {
		s.requestArtifactCheck(id, d)
	}
}

func (s *Scheduler) handleFromWorker(ctx context.Context, m FromWorker) {
	w, ok := s.workers[m.WorkerID]
	if !ok {
		return
	}
	j, ok := w.running[m.Msg.JobID]
	if !ok {
		return
	}
	w.removeRunning(j.id)

	if !j.clientGone {
		s.releaseLayers(ctx, j)
		if client, ok := s.clients[j.id.ClientId]; ok {
			delete(client.jobs, j.id.ClientJobId)
			client.sender.SendToClient(wire.BrokerToClient{
				Type:              wire.BrokerToClientJobResponse,
				JobResponseID:     j.id.ClientJobId,
				JobResponseResult: &m.Msg.Result,
			})
		}
		s.stats.jobCompleted(j.id.ClientId, m.WorkerID)
	}
	j.state = stateComplete
	delete(s.jobs, j.id)
	s.tryDispatch()
}

func (s *Scheduler) handleArtifactChecked(ctx context.Context, m ArtifactChecked) {
	j, ok := s.jobs[m.JobID]
	if !ok {
		// The check acquired a refcount on behalf of a job that has since
		// been forgotten (its client disconnected mid-check); give it back.
		if m.Present {
			s.releaseOne(ctx, m.Digest)
		}
		return
	}
	hex := m.Digest.Hex()
	if m.Present {
		if _, wasMissing := j.missing[hex]; !wasMissing {
			// A redundant check for a digest this job already holds; drop
			// the extra refcount so the count stays one-per-job-per-digest.
			s.releaseOne(ctx, m.Digest)
			return
		}
		delete(j.missing, hex)
		j.acquired[hex] = m.Digest
		if j.ready() && j.state == stateWaitingForArtifacts {
			j.state = statePending
			s.pending = append(s.pending, j)
			s.tryDispatch()
		}
		return
	}

	// Still missing: (re-)register interest and ask the owning client to
	// push it, deduped per (client, digest).
	s.registerWaiting(m.Digest, j.id)
	if client, ok := s.clients[j.id.ClientId]; ok {
		s.requestTransfer(client, m.Digest)
	}
}

func (s *Scheduler) handleArtifactTransferred(m ArtifactTransferred) {
	hex := m.Digest.Hex()
	waiters := s.waitingOn[hex]
	delete(s.waitingOn, hex)
	for _, client := range s.clients {
		delete(client.transferInFlight, hex)
	}
	for jobID := range waiters {
		if _, ok := s.jobs[jobID]; !ok {
			continue
		}
		s.requestArtifactCheck(jobID, m.Digest)
	}
}

// tryDispatch assigns as many pending jobs as possible to workers with a
// free slot, FIFO over the pending queue: the head job goes to whichever
// eligible worker currently has the fewest running jobs (ties broken by
// worker id), repeated until either the queue empties or no worker has a
// free slot.
func (s *Scheduler) tryDispatch() {
	for len(s.pending) > 0 {
		w := s.bestWorker()
		if w == nil {
			return
		}
		j := s.pending[0]
		s.pending = s.pending[1:]

		j.state = stateRunning
		j.worker = w.id
		j.hasWorker = true
		w.addRunning(j)
		w.sender.SendToWorker(wire.BrokerToWorker{
			Type:           wire.BrokerToWorkerEnqueueJob,
			EnqueueJob:     &j.id,
			EnqueueJobSpec: &j.spec,
		})
	}
}

func (s *Scheduler) bestWorker() *workerConn {
	var best *workerConn
	for _, w := range s.workers {
		if len(w.running) >= w.slots {
			continue
		}
		if best == nil ||
			len(w.running) < len(best.running) ||
			(len(w.running) == len(best.running) && w.id < best.id) {
			best = w
		}
	}
	return best
}

func (s *Scheduler) removePending(id wire.JobId) {
	for i, j := range s.pending {
		if j.id == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) registerWaiting(d digest.Digest, id wire.JobId) {
	hex := d.Hex()
	set, ok := s.waitingOn[hex]
	if !ok {
		set = make(map[wire.JobId]struct{})
		s.waitingOn[hex] = set
	}
	set[id] = struct{}{}
}

func (s *Scheduler) forgetWaiting(j *job) {
	for hex := range j.missing {
		if set, ok := s.waitingOn[hex]; ok {
			delete(set, j.id)
			if len(set) == 0 {
				delete(s.waitingOn, hex)
			}
		}
	}
}

func (s *Scheduler) requestTransfer(client *clientConn, d digest.Digest) {
	hex := d.Hex()
	if _, inFlight := client.transferInFlight[hex]; inFlight {
		return
	}
	client.transferInFlight[hex] = struct{}{}
	client.sender.SendToClient(wire.BrokerToClient{
		Type:             wire.BrokerToClientTransferArtifact,
		TransferArtifact: &d,
	})
}

// releaseLayers releases every layer refcount j holds. Only digests that
// actually made it into j.acquired are released: still-missing layers
// never got an Acquire, and a layer listed twice in the spec was only
// acquired once.
func (s *Scheduler) releaseLayers(ctx context.Context, j *job) {
	for _, d := range j.acquired {
		s.releaseOne(ctx, d)
	}
	j.acquired = make(map[string]digest.Digest)
}

func (s *Scheduler) releaseOne(ctx context.Context, d digest.Digest) {
	store := s.store
	onSweep := s.onSweep
	go func() {
		if err := store.Release(ctx, d); err != nil {
			log.WithFunc("broker.Scheduler.release").Warnf(ctx, "release %s: %v", d, err)
			return
		}
		onSweep.Fire()
	}()
}

// requestArtifactCheck asks the blob store, off the scheduler goroutine,
// whether d is present and (if so) acquires a refcount for jobID's
// reference to it. The result comes back as an ArtifactChecked message,
// the only way the scheduler ever learns the outcome. This is the one
// piece of the scheduler that would otherwise be I/O in the hot loop, and
// it is kept out of handle entirely by construction.
func (s *Scheduler) requestArtifactCheck(jobID wire.JobId, d digest.Digest) {
	store := s.store
	queue := s.queue
	go func() {
		ctx := context.Background()
		present, err := store.Has(ctx, d)
		if err != nil {
			present = false
		}
		if present {
			if err := store.Acquire(ctx, d); err != nil {
				present = false
			}
		}
		queue.Send(ArtifactChecked{JobID: jobID, Digest: d, Present: present})
	}()
}
