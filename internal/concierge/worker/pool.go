// Package worker fans inbound messages out to a fixed pool while keeping
// every conversation on one worker. Sticky assignment by conversation hash
// means turns of the same conversation are processed in arrival order with
// no cross-worker locking; unrelated conversations still run in parallel.
package worker

import (
	"context"
	"errors"
	"hash/fnv"

	"golang.org/x/sync/errgroup"

	"github.com/stayflow/concierge/common/envelope"
	"github.com/stayflow/concierge/internal/concierge/observability"
)

// ErrQueueFull is returned by Submit when the target worker's queue is at
// capacity. The transport should back off and redeliver.
var ErrQueueFull = errors.New("worker: queue full")

// ErrStopped is returned by Submit after the pool began shutting down.
var ErrStopped = errors.New("worker: pool stopped")

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 8

// DefaultQueueDepth bounds each worker's pending messages.
const DefaultQueueDepth = 64

// Handler processes one inbound message.
type Handler func(ctx context.Context, in *envelope.Inbound)

// Pool is a sticky-hash worker pool.
type Pool struct {
	handler Handler
	queues  []chan *envelope.Inbound
	group   *errgroup.Group
	ctx     context.Context
	stopped chan struct{}
}

// New creates a Pool with the given size and per-worker queue depth.
// Non-positive values use the defaults. Call Start before Submit.
func New(handler Handler, workers, depth int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	queues := make([]chan *envelope.Inbound, workers)
	for i := range queues {
		queues[i] = make(chan *envelope.Inbound, depth)
	}
	return &Pool{handler: handler, queues: queues, stopped: make(chan struct{})}
}

// Start launches the workers. They run until Stop has drained the queues.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	p.group, _ = errgroup.WithContext(context.Background())
	for i := range p.queues {
		queue := p.queues[i]
		p.group.Go(func() error {
			for in := range queue {
				p.handler(p.ctx, in)
			}
			return nil
		})
	}
}

// Submit routes the message to its conversation's worker. It never blocks:
// a full queue is reported to the caller instead of stalling the transport.
func (p *Pool) Submit(in *envelope.Inbound) error {
	select {
	case <-p.stopped:
		return ErrStopped
	default:
	}

	queue := p.queues[p.index(in.ConversationID)]
	select {
	case queue <- in:
		return nil
	default:
		observability.WithConversation(p.ctx, in.TenantID, in.ConversationID).
			Warn("worker queue full, rejecting delivery")
		return ErrQueueFull
	}
}

// Stop closes the queues and waits for the workers to drain them. Messages
// already accepted are still processed. The transport must stop calling
// Submit before Stop; the two are not safe to race.
func (p *Pool) Stop() {
	close(p.stopped)
	for _, q := range p.queues {
		close(q)
	}
	p.group.Wait() //nolint:errcheck // workers only return nil
}

// index picks the worker for a conversation. FNV-1a is stable across runs,
// so a conversation keeps its worker for its whole life.
func (p *Pool) index(conversationID string) int {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(len(p.queues)))
}
