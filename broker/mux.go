package broker

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/cocoon-broker/wire"
)

// Mux accepts peer connections, classifies each one by its first frame (a
// Hello), and bridges Client/Worker connections to the scheduler's message
// queue: one reader goroutine decoding inbound frames, one writer goroutine
// draining an outbound queue, joined with errgroup so either side ending
// the connection tears down the other. Artifact pusher/fetcher connections
// are handed off to a Transfer instead of the scheduler.
type Mux struct {
	sched    *Scheduler
	transfer *Transfer
	nextID   uint64
}

// NewMux creates a Mux that forwards Client/Worker traffic to sched and
// artifact pusher/fetcher traffic to transfer.
func NewMux(sched *Scheduler, transfer *Transfer) *Mux {
	return &Mux{sched: sched, transfer: transfer}
}

func (m *Mux) allocID() uint64 { return atomic.AddUint64(&m.nextID, 1) }

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
// Each accepted connection is handled on its own goroutine; Serve itself
// never blocks on a single peer.
func (m *Mux) Serve(ctx context.Context, ln net.Listener) error {
	logger := log.WithFunc("broker.Mux.Serve")
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := m.handleConn(ctx, conn); err != nil {
				logger.Infof(ctx, "connection from %s ended: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (m *Mux) handleConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close() //nolint:errcheck

	dec := wire.NewDecoder(conn)
	var hello wire.Hello
	if err := dec.Decode(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}

	switch hello.Kind {
	case wire.HelloClient:
		return m.serveClient(ctx, conn, dec)
	case wire.HelloWorker:
		return m.serveWorker(ctx, conn, dec, int(hello.Slots))
	case wire.HelloArtifactPusher:
		return m.transfer.ServePusher(ctx, conn, dec)
	case wire.HelloArtifactFetcher:
		return m.transfer.ServeFetcher(ctx, conn, dec)
	default:
		return markProtocol(fmt.Errorf("unknown hello kind %q", hello.Kind))
	}
}

// clientOutbox is a ClientSender backed by an unbounded queue: SendToClient
// never blocks the scheduler goroutine, and the writer goroutine delivers
// frames in exactly the order they were sent.
type clientOutbox struct{ q *queue[wire.BrokerToClient] }

func newClientOutbox() *clientOutbox {
	return &clientOutbox{q: newQueue[wire.BrokerToClient]()}
}

func (o *clientOutbox) SendToClient(msg wire.BrokerToClient) { o.q.Send(msg) }

type workerOutbox struct{ q *queue[wire.BrokerToWorker] }

func newWorkerOutbox() *workerOutbox {
	return &workerOutbox{q: newQueue[wire.BrokerToWorker]()}
}

func (o *workerOutbox) SendToWorker(msg wire.BrokerToWorker) { o.q.Send(msg) }

func (m *Mux) serveClient(ctx context.Context, conn net.Conn, dec *wire.Decoder) error {
	id := wire.ClientId(m.allocID())
	outbox := newClientOutbox()
	m.sched.Send(ClientConnected{ID: id, Sender: outbox})
	defer m.sched.Send(ClientDisconnected{ID: id})

	g, gctx := errgroup.WithContext(ctx)
	// Either task ending cancels gctx; closing the conn and the outbox here
	// unblocks the other task's Decode/Recv so g.Wait can't hang.
	go func() {
		<-gctx.Done()
		_ = conn.Close()
		outbox.q.Close()
	}()
	g.Go(func() error {
		for {
			var msg wire.ClientToBroker
			if err := dec.Decode(&msg); err != nil {
				return err
			}
			m.sched.Send(FromClient{ClientID: id, Msg: msg})
		}
	})
	g.Go(func() error {
		enc := wire.NewEncoder(conn)
		for {
			msg, ok := outbox.q.Recv()
			if !ok {
				return nil
			}
			if err := enc.Encode(msg); err != nil {
				return err
			}
		}
	})
	return g.Wait()
}

func (m *Mux) serveWorker(ctx context.Context, conn net.Conn, dec *wire.Decoder, slots int) error {
	id := wire.WorkerId(m.allocID())
	outbox := newWorkerOutbox()
	m.sched.Send(WorkerConnected{ID: id, Slots: slots, Sender: outbox})
	defer m.sched.Send(WorkerDisconnected{ID: id})

	g, gctx := errgroup.WithContext(ctx)
	go func() {
		<-gctx.Done()
		_ = conn.Close()
		outbox.q.Close()
	}()
	g.Go(func() error {
		for {
			var msg wire.WorkerToBroker
			if err := dec.Decode(&msg); err != nil {
				return err
			}
			m.sched.Send(FromWorker{WorkerID: id, Msg: msg})
		}
	})
	g.Go(func() error {
		enc := wire.NewEncoder(conn)
		for {
			msg, ok := outbox.q.Recv()
			if !ok {
				return nil
			}
			if err := enc.Encode(msg); err != nil {
				return err
			}
		}
	})
	return g.Wait()
}
