package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/projecteru2/cocoon-broker/digest"
	"github.com/projecteru2/cocoon-broker/wire"
)

// fakeStore is an in-memory BlobStore stand-in so scheduler tests don't
// need a real blobstore.Store on disk.
type fakeStore struct {
	mu        sync.Mutex
	present   map[string]bool
	refcounts map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{present: map[string]bool{}, refcounts: map[string]int{}}
}

func (f *fakeStore) markPresent(d digest.Digest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present[d.Hex()] = true
}

func (f *fakeStore) refcount(d digest.Digest) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refcounts[d.Hex()]
}

func (f *fakeStore) Has(_ context.Context, d digest.Digest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[d.Hex()], nil
}

func (f *fakeStore) Acquire(_ context.Context, d digest.Digest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refcounts[d.Hex()]++
	return nil
}

func (f *fakeStore) Release(_ context.Context, d digest.Digest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refcounts[d.Hex()] > 0 {
		f.refcounts[d.Hex()]--
	}
	return nil
}

type fakeClientSender struct{ ch chan wire.BrokerToClient }

func newFakeClientSender() *fakeClientSender {
	return &fakeClientSender{ch: make(chan wire.BrokerToClient, 16)}
}
func (f *fakeClientSender) SendToClient(msg wire.BrokerToClient) { f.ch <- msg }

type fakeWorkerSender struct{ ch chan wire.BrokerToWorker }

func newFakeWorkerSender() *fakeWorkerSender {
	return &fakeWorkerSender{ch: make(chan wire.BrokerToWorker, 16)}
}
func (f *fakeWorkerSender) SendToWorker(msg wire.BrokerToWorker) { f.ch <- msg }

func mustRecvClient(t *testing.T, ch chan wire.BrokerToClient) wire.BrokerToClient {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for BrokerToClient message")
		return wire.BrokerToClient{}
	}
}

func mustRecvWorker(t *testing.T, ch chan wire.BrokerToWorker) wire.BrokerToWorker {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for BrokerToWorker message")
		return wire.BrokerToWorker{}
	}
}

func newTestScheduler(t *testing.T, store BlobStore) *Scheduler {
	t.Helper()
	s := NewScheduler(store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		s.Stop()
		<-done
	})
	return s
}

func layerDigest(t *testing.T, seed string) digest.Digest {
	t.Helper()
	return digest.FromBytes([]byte(seed))
}

// S1: a job whose single layer is already present dispatches immediately
// to the one connected worker and its result reaches the client.
func TestScheduler_HappyPath(t *testing.T) {
	store := newFakeStore()
	d := layerDigest(t, "layer-a")
	store.markPresent(d)

	s := newTestScheduler(t, store)

	client := newFakeClientSender()
	s.Send(ClientConnected{ID: 1, Sender: client})
	worker := newFakeWorkerSender()
	s.Send(WorkerConnected{ID: 1, Slots: 1, Sender: worker})

	spec := &wire.JobSpec{Program: "prog", Layers: []digest.Digest{d}}
	s.Send(FromClient{ClientID: 1, Msg: wire.ClientToBroker{
		Type: wire.ClientToBrokerJobRequest, JobRequestID: 1, JobRequestSpec: spec,
	}})

	enq := mustRecvWorker(t, worker.ch)
	if enq.Type != wire.BrokerToWorkerEnqueueJob {
		t.Fatalf("expected enqueue_job, got %q", enq.Type)
	}
	if enq.EnqueueJob == nil || enq.EnqueueJob.ClientId != 1 || enq.EnqueueJob.ClientJobId != 1 {
		t.Fatalf("unexpected job id in dispatch: %+v", enq.EnqueueJob)
	}

	result := wire.JobStringResult{Outcome: wire.JobOutcomeCompleted, Stdout: "ok"}
	s.Send(FromWorker{WorkerID: 1, Msg: wire.WorkerToBroker{JobID: *enq.EnqueueJob, Result: result}})

	resp := mustRecvClient(t, client.ch)
	if resp.Type != wire.BrokerToClientJobResponse || resp.JobResponseID != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.JobResponseResult == nil || resp.JobResponseResult.Stdout != "ok" {
		t.Fatalf("unexpected result: %+v", resp.JobResponseResult)
	}
}

// S2: a job referencing a missing layer stays gated until the client
// pushes it, then dispatches once the push completes.
func TestScheduler_ArtifactGating(t *testing.T) {
	store := newFakeStore()
	d := layerDigest(t, "layer-missing")

	s := newTestScheduler(t, store)

	client := newFakeClientSender()
	s.Send(ClientConnected{ID: 1, Sender: client})
	worker := newFakeWorkerSender()
	s.Send(WorkerConnected{ID: 1, Slots: 1, Sender: worker})

	spec := &wire.JobSpec{Program: "prog", Layers: []digest.Digest{d}}
	s.Send(FromClient{ClientID: 1, Msg: wire.ClientToBroker{
		Type: wire.ClientToBrokerJobRequest, JobRequestID: 1, JobRequestSpec: spec,
	}})

	transferReq := mustRecvClient(t, client.ch)
	if transferReq.Type != wire.BrokerToClientTransferArtifact {
		t.Fatalf("expected transfer_artifact request, got %q", transferReq.Type)
	}
	if transferReq.TransferArtifact == nil || !transferReq.TransferArtifact.Equal(d) {
		t.Fatalf("unexpected digest requested: %+v", transferReq.TransferArtifact)
	}

	// Simulate the push landing in the store and transfer.go reporting it.
	store.markPresent(d)
	s.Send(ArtifactTransferred{Digest: d})

	enq := mustRecvWorker(t, worker.ch)
	if enq.EnqueueJob == nil || enq.EnqueueJob.ClientJobId != 1 {
		t.Fatalf("expected dispatch after artifact arrived, got %+v", enq)
	}
}

// S3: a worker that disconnects mid-job has its job re-queued at the head
// of the pending queue rather than lost.
func TestScheduler_WorkerDisconnectRequeues(t *testing.T) {
	store := newFakeStore()
	d := layerDigest(t, "layer-b")
	store.markPresent(d)

	s := newTestScheduler(t, store)

	client := newFakeClientSender()
	s.Send(ClientConnected{ID: 1, Sender: client})
	worker1 := newFakeWorkerSender()
	s.Send(WorkerConnected{ID: 1, Slots: 1, Sender: worker1})

	spec := &wire.JobSpec{Program: "prog", Layers: []digest.Digest{d}}
	s.Send(FromClient{ClientID: 1, Msg: wire.ClientToBroker{
		Type: wire.ClientToBrokerJobRequest, JobRequestID: 1, JobRequestSpec: spec,
	}})
	first := mustRecvWorker(t, worker1.ch)

	s.Send(WorkerDisconnected{ID: 1})

	worker2 := newFakeWorkerSender()
	s.Send(WorkerConnected{ID: 2, Slots: 1, Sender: worker2})

	second := mustRecvWorker(t, worker2.ch)
	if *second.EnqueueJob != *first.EnqueueJob {
		t.Fatalf("expected re-dispatch of the same job, got %+v vs %+v", first.EnqueueJob, second.EnqueueJob)
	}
}

// S4: a client disconnecting mid-job gets a CancelJob sent to its worker,
// and the eventual (late) worker response is dropped rather than crashing
// the scheduler or reaching a client that's gone.
func TestScheduler_ClientDisconnectCancelsRunning(t *testing.T) {
	store := newFakeStore()
	d := layerDigest(t, "layer-c")
	store.markPresent(d)

	s := newTestScheduler(t, store)

	client := newFakeClientSender()
	s.Send(ClientConnected{ID: 1, Sender: client})
	worker := newFakeWorkerSender()
	s.Send(WorkerConnected{ID: 1, Slots: 1, Sender: worker})

	spec := &wire.JobSpec{Program: "prog", Layers: []digest.Digest{d}}
	s.Send(FromClient{ClientID: 1, Msg: wire.ClientToBroker{
		Type: wire.ClientToBrokerJobRequest, JobRequestID: 1, JobRequestSpec: spec,
	}})
	enq := mustRecvWorker(t, worker.ch)

	s.Send(ClientDisconnected{ID: 1})

	cancel := mustRecvWorker(t, worker.ch)
	if cancel.Type != wire.BrokerToWorkerCancelJob || cancel.CancelJob == nil || *cancel.CancelJob != *enq.EnqueueJob {
		t.Fatalf("expected cancel_job for %+v, got %+v", enq.EnqueueJob, cancel)
	}

	// Late response from the worker must not panic and must not reach the
	// (disconnected) client.
	s.Send(FromWorker{WorkerID: 1, Msg: wire.WorkerToBroker{
		JobID:  *enq.EnqueueJob,
		Result: wire.JobStringResult{Outcome: wire.JobOutcomeCompleted},
	}})

	select {
	case msg := <-client.ch:
		t.Fatalf("client should not receive anything after disconnect, got %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}

	// A second, idle worker connects; both now run zero jobs, so the tie
	// goes to the lower worker id. The new job landing on worker 1 proves
	// its slot was freed by the late response.
	worker2 := newFakeWorkerSender()
	s.Send(WorkerConnected{ID: 2, Slots: 1, Sender: worker2})
	client2 := newFakeClientSender()
	s.Send(ClientConnected{ID: 2, Sender: client2})
	spec2 := &wire.JobSpec{Program: "prog", Layers: []digest.Digest{d}}
	s.Send(FromClient{ClientID: 2, Msg: wire.ClientToBroker{
		Type: wire.ClientToBrokerJobRequest, JobRequestID: 1, JobRequestSpec: spec2,
	}})
	mustRecvWorker(t, worker.ch)
}

// Duplicate client job ids are rejected with a System-style error response
// rather than silently overwriting the original job.
func TestScheduler_DuplicateClientJobIDRejected(t *testing.T) {
	store := newFakeStore()
	d := layerDigest(t, "layer-d")
	store.markPresent(d)

	s := newTestScheduler(t, store)
	client := newFakeClientSender()
	s.Send(ClientConnected{ID: 1, Sender: client})

	spec := &wire.JobSpec{Program: "prog", Layers: []digest.Digest{d}}
	s.Send(FromClient{ClientID: 1, Msg: wire.ClientToBroker{
		Type: wire.ClientToBrokerJobRequest, JobRequestID: 7, JobRequestSpec: spec,
	}})
	s.Send(FromClient{ClientID: 1, Msg: wire.ClientToBroker{
		Type: wire.ClientToBrokerJobRequest, JobRequestID: 7, JobRequestSpec: spec,
	}})

	resp := mustRecvClient(t, client.ch)
	if resp.JobResponseResult == nil || resp.JobResponseResult.Error == "" {
		t.Fatalf("expected an error response for the duplicate id, got %+v", resp)
	}
}

// A job spec with no layers is rejected immediately rather than parked
// forever in WaitingForArtifacts.
func TestScheduler_EmptyLayersRejected(t *testing.T) {
	store := newFakeStore()
	s := newTestScheduler(t, store)
	client := newFakeClientSender()
	s.Send(ClientConnected{ID: 1, Sender: client})

	spec := &wire.JobSpec{Program: "prog"}
	s.Send(FromClient{ClientID: 1, Msg: wire.ClientToBroker{
		Type: wire.ClientToBrokerJobRequest, JobRequestID: 1, JobRequestSpec: spec,
	}})

	resp := mustRecvClient(t, client.ch)
	if resp.JobResponseResult == nil || resp.JobResponseResult.Error == "" {
		t.Fatalf("expected an error response for an empty layer list, got %+v", resp)
	}
}

// A client disconnecting releases the layer refcount held by its running
// job, so the blob becomes sweep-eligible again.
func TestScheduler_ClientDisconnectReleasesRefcounts(t *testing.T) {
	store := newFakeStore()
	d := layerDigest(t, "layer-refcounted")
	store.markPresent(d)

	s := newTestScheduler(t, store)
	client := newFakeClientSender()
	s.Send(ClientConnected{ID: 1, Sender: client})
	worker := newFakeWorkerSender()
	s.Send(WorkerConnected{ID: 1, Slots: 1, Sender: worker})

	spec := &wire.JobSpec{Program: "prog", Layers: []digest.Digest{d}}
	s.Send(FromClient{ClientID: 1, Msg: wire.ClientToBroker{
		Type: wire.ClientToBrokerJobRequest, JobRequestID: 1, JobRequestSpec: spec,
	}})
	mustRecvWorker(t, worker.ch)

	if got := store.refcount(d); got != 1 {
		t.Fatalf("refcount while running = %d, want 1", got)
	}

	s.Send(ClientDisconnected{ID: 1})
	mustRecvWorker(t, worker.ch) // the CancelJob

	// Release happens on a helper goroutine, so allow it a moment to land.
	deadline := time.Now().Add(2 * time.Second)
	for store.refcount(d) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("refcount after disconnect = %d, want 0", store.refcount(d))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Job state counts include a job once it has completed.
func TestScheduler_Statistics(t *testing.T) {
	store := newFakeStore()
	d := layerDigest(t, "layer-e")
	store.markPresent(d)

	s := newTestScheduler(t, store)
	client := newFakeClientSender()
	s.Send(ClientConnected{ID: 1, Sender: client})
	worker := newFakeWorkerSender()
	s.Send(WorkerConnected{ID: 1, Slots: 1, Sender: worker})

	spec := &wire.JobSpec{Program: "prog", Layers: []digest.Digest{d}}
	s.Send(FromClient{ClientID: 1, Msg: wire.ClientToBroker{
		Type: wire.ClientToBrokerJobRequest, JobRequestID: 1, JobRequestSpec: spec,
	}})
	enq := mustRecvWorker(t, worker.ch)
	s.Send(FromWorker{WorkerID: 1, Msg: wire.WorkerToBroker{
		JobID:  *enq.EnqueueJob,
		Result: wire.JobStringResult{Outcome: wire.JobOutcomeCompleted},
	}})
	mustRecvClient(t, client.ch)

	s.Send(FromClient{ClientID: 1, Msg: wire.ClientToBroker{Type: wire.ClientToBrokerJobStateCountsReq}})
	resp := mustRecvClient(t, client.ch)
	if resp.JobStateCountsResponse == nil || resp.JobStateCountsResponse.Complete != 1 {
		t.Fatalf("expected one completed job, got %+v", resp.JobStateCountsResponse)
	}
}
