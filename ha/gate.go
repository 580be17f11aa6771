package ha

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/klev-dev/klevmq/metrics"
)

// Request is one producer waiting for its message to replicate.
// NextOffset is the commit log offset just past the message bytes;
// the wait resolves true once a slave acknowledged at least that.
type Request struct {
	nextOffset int64
	done       chan bool
}

func NewRequest(nextOffset int64) *Request {
	return &Request{
		nextOffset: nextOffset,
		done:       make(chan bool, 1),
	}
}

func (r *Request) NextOffset() int64 {
	return r.nextOffset
}

// Wait blocks until the gate resolves the request or ctx is done.
func (r *Request) Wait(ctx context.Context) (bool, error) {
	select {
	case ok := <-r.done:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (r *Request) complete(ok bool) {
	r.done <- ok
}

// TransferGate resolves producer waits against the replicated offset.
//
// Producers append onto the write list under the lock; the service
// goroutine swaps the write and read lists and owns the read list
// outright while checking it, so the hot path never contends with a
// request mid-check. A request that is not yet replicated is rechecked
// on each ack wakeup, up to checkRetries waits of checkEvery each,
// then resolved false.
type TransferGate struct {
	acked func() int64

	mu    sync.Mutex
	write []*Request
	read  []*Request

	wake    chan struct{}
	barrier chan chan struct{}

	checkEvery   time.Duration
	checkRetries int

	stopCh chan struct{}
	doneCh chan struct{}

	log *slog.Logger
}

func NewTransferGate(acked func() int64, log *slog.Logger) *TransferGate {
	g := &TransferGate{
		acked:        acked,
		wake:         make(chan struct{}, 1),
		barrier:      make(chan chan struct{}, 1),
		checkEvery:   time.Second,
		checkRetries: 5,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		log:          log,
	}
	g.barrier <- make(chan struct{})
	return g
}

func (g *TransferGate) Start() {
	go g.run()
}

// Put enqueues a producer wait. After shutdown the request resolves
// false immediately.
func (g *TransferGate) Put(r *Request) {
	select {
	case <-g.stopCh:
		r.complete(false)
		return
	default:
	}

	g.mu.Lock()
	g.write = append(g.write, r)
	g.mu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// NotifyTransferSome wakes every request currently waiting on slave
// progress. Called whenever the acked offset advances.
func (g *TransferGate) NotifyTransferSome() {
	b, ok := <-g.barrier
	if !ok {
		return
	}
	close(b)
	g.barrier <- make(chan struct{})
}

func (g *TransferGate) Shutdown() {
	close(g.stopCh)
	<-g.doneCh

	g.mu.Lock()
	pending := g.write
	g.write = nil
	g.mu.Unlock()

	for _, r := range pending {
		r.complete(false)
	}
}

func (g *TransferGate) run() {
	defer close(g.doneCh)

	for {
		select {
		case <-g.wake:
			g.checkTransferred(g.swapRequests())
		case <-g.stopCh:
			for _, r := range g.swapRequests() {
				r.complete(false)
			}
			return
		}
	}
}

func (g *TransferGate) swapRequests() []*Request {
	g.mu.Lock()
	g.write, g.read = g.read[:0], g.write
	g.mu.Unlock()
	return g.read
}

func (g *TransferGate) checkTransferred(reqs []*Request) {
	for _, r := range reqs {
		ok := g.acked() >= r.nextOffset
		for i := 0; !ok && i < g.checkRetries; i++ {
			if !g.waitTransfer(g.checkEvery) {
				break
			}
			ok = g.acked() >= r.nextOffset
		}

		if !ok {
			metrics.TransferTimeouts.Inc()
			g.log.Warn("transfer to slave timed out", "offset", r.nextOffset)
		}
		r.complete(ok)
	}
}

// waitTransfer blocks until the next ack notification or timeout. It
// returns false when the gate is shutting down.
func (g *TransferGate) waitTransfer(timeout time.Duration) bool {
	b, ok := <-g.barrier
	if !ok {
		return false
	}
	g.barrier <- b

	select {
	case <-b:
		return true
	case <-time.After(timeout):
		return true
	case <-g.stopCh:
		return false
	}
}
