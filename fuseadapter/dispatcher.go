// Package fuseadapter mounts a built layerfs.Reader stack read-only via
// FUSE, exposing a job's merged layer filesystem to the kernel so a job's
// process tree can exec against it directly.
package fuseadapter

// Dispatcher serializes every FUSE-triggered layerfs.Reader/blobstore
// access onto a single goroutine. The kernel invokes FUSE callbacks from
// an arbitrary, potentially large pool of goroutines; funneling them all
// through one worker over a bounded channel means reader and blob store
// calls run one at a time, the same single-consumer shape the broker's own
// scheduler uses. layerfs.Reader still guards its lazily-opened lower-layer
// cache with its own mutex.
type Dispatcher struct {
	work chan func()
	done chan struct{}
}

// dispatchCapacity bounds how many FUSE callbacks may be queued awaiting
// the worker before a caller's Do blocks. 1000 is generous for a single
// job's filesystem traffic without letting a runaway workload queue
// unbounded work behind one goroutine.
const dispatchCapacity = 1000

// NewDispatcher starts the dispatcher's single worker goroutine.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		work: make(chan func(), dispatchCapacity),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for fn := range d.work {
		fn()
	}
}

// Do submits fn to run on the dispatcher's worker goroutine and blocks
// until it has finished, returning its error.
func (d *Dispatcher) Do(fn func() error) error {
	result := make(chan error, 1)
	d.work <- func() { result <- fn() }
	return <-result
}

// Close stops accepting work and waits for the worker to drain and exit.
func (d *Dispatcher) Close() {
	close(d.work)
	<-d.done
}
