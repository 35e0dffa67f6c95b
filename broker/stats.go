package broker

import "github.com/projecteru2/cocoon-broker/wire"

// Stats accumulates the counters a BrokerStatistics/JobStateCounts snapshot
// can't derive from the scheduler's live maps alone, namely completed-job
// totals (Complete jobs are removed from Scheduler.jobs once delivered, so
// nothing live would remember they ever existed). Every method here is
// called only from inside Scheduler.handle, so it needs no locking of its
// own.
type Stats struct {
	completeTotal int

	perClient map[wire.ClientId]*clientJobCounts
	perWorker map[wire.WorkerId]int
}

type clientJobCounts struct {
	submitted int
	completed int
}

func newStats() *Stats {
	return &Stats{
		perClient: make(map[wire.ClientId]*clientJobCounts),
		perWorker: make(map[wire.WorkerId]int),
	}
}

func (st *Stats) jobSubmitted(c wire.ClientId) {
	cc, ok := st.perClient[c]
	if !ok {
		cc = &clientJobCounts{}
		st.perClient[c] = cc
	}
	cc.submitted++
}

func (st *Stats) jobCompleted(c wire.ClientId, w wire.WorkerId) {
	st.completeTotal++
	if cc, ok := st.perClient[c]; ok {
		cc.completed++
	}
	st.perWorker[w]++
}

// jobStateCounts computes a JobStateCounts snapshot: WaitingForLayers and
// Pending and Running are derived live from the scheduler's current jobs,
// Complete is the running total since completed jobs are forgotten.
func (st *Stats) jobStateCounts(s *Scheduler) wire.JobStateCounts {
	var counts wire.JobStateCounts
	counts.Complete = st.completeTotal
	for _, j := range s.jobs {
		switch j.state {
		case stateWaitingForArtifacts:
			counts.WaitingForLayers++
		case statePending:
			counts.Pending++
		case stateRunning:
			counts.Running++
		}
	}
	return counts
}

// Snapshot computes a full BrokerStatistics response.
func (st *Stats) Snapshot(s *Scheduler) wire.BrokerStatistics {
	workers := make([]wire.WorkerStatistics, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, wire.WorkerStatistics{
			ID:          w.id,
			Slots:       w.slots,
			JobsRunning: len(w.running),
			ConnectedAt: w.connectedAt,
		})
	}
	return wire.BrokerStatistics{
		Workers:        workers,
		JobStateCounts: st.jobStateCounts(s),
	}
}
