// Package forward implements the broker's forwarding engine (spec
// §4.6, component C6): two FIFO queues (unicast/prefix-group and
// broadcast) decoupled from I/O threads via a worker pool, using a
// swap-then-unlock discipline so registry contention never blocks an
// in-flight send.
//
// Grounded on the teacher library's runner/startStop worker lifecycle
// shape, with golang.org/x/sync/errgroup coordinating the worker
// goroutines the way the pack's other worker-pool-style packages tie a
// context cancellation to a wait group.
package forward

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sabouaram/msgbus/logger"
	"github.com/sabouaram/msgbus/registry"
)

// UnicastTask carries a (possibly prefix-group) destination and an
// already-packed payload (spec §3).
type UnicastTask struct {
	Dest    string
	Payload []byte
}

// BroadcastTask carries a payload to be delivered to one representative
// Conn per live service name (spec §4.6).
type BroadcastTask struct {
	Payload []byte
}

// Resolver is the lookup surface the engine needs from the registry;
// satisfied by *registry.Registry.
type Resolver interface {
	ResolveConnections(dest string) []registry.Conn
}

// Engine runs the two FIFO queues and their worker pool.
type Engine struct {
	mu         sync.Mutex
	cond       *sync.Cond
	unicastQ   []UnicastTask
	broadcastQ []BroadcastTask
	reg        Resolver
	log        logger.Logger
	stopped    bool

	// OnDrop, when set, is called once per envelope that matched no live
	// recipient, and once per recipient whose send failed, so the broker
	// can surface it as a metric.
	OnDrop func()

	// OnDeliver, when set, is called once per successful per-recipient
	// delivery.
	OnDeliver func()
}

// New creates an Engine bound to reg for destination resolution.
func New(reg Resolver, log logger.Logger) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	e := &Engine{reg: reg, log: log}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// EnqueueUnicast appends a unicast task and wakes one worker (spec §4.6).
func (e *Engine) EnqueueUnicast(t UnicastTask) {
	e.mu.Lock()
	e.unicastQ = append(e.unicastQ, t)
	e.mu.Unlock()
	e.cond.Signal()
}

// EnqueueBroadcast appends a broadcast task and wakes one worker.
func (e *Engine) EnqueueBroadcast(t BroadcastTask) {
	e.mu.Lock()
	e.broadcastQ = append(e.broadcastQ, t)
	e.mu.Unlock()
	e.cond.Signal()
}

// Run starts n worker goroutines that drain the two queues until ctx
// is canceled, then returns once every worker has exited (spec §5:
// "the forwarding condition is broadcast to wake workers").
func (e *Engine) Run(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)

	stopper := make(chan struct{})
	go func() {
		<-ctx.Done()
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()
		e.cond.Broadcast()
		close(stopper)
	}()

	for i := 0; i < n; i++ {
		g.Go(func() error {
			e.worker(ctx)
			return nil
		})
	}
	return g.Wait()
}

// worker waits on the condition, swaps both queues into a local batch,
// releases the lock, then resolves and sends — the swap-then-unlock
// discipline keeps registry contention off the I/O path (spec §4.6).
func (e *Engine) worker(ctx context.Context) {
	for {
		e.mu.Lock()
		for len(e.unicastQ) == 0 && len(e.broadcastQ) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if e.stopped && len(e.unicastQ) == 0 && len(e.broadcastQ) == 0 {
			e.mu.Unlock()
			return
		}
		uq := e.unicastQ
		e.unicastQ = nil
		bq := e.broadcastQ
		e.broadcastQ = nil
		e.mu.Unlock()

		for _, t := range uq {
			e.deliverUnicast(t)
		}
		for _, t := range bq {
			e.deliverBroadcast(t)
		}

		select {
		case <-ctx.Done():
		default:
		}
	}
}

func (e *Engine) deliverUnicast(t UnicastTask) {
	conns := e.reg.ResolveConnections(t.Dest)
	if len(conns) == 0 {
		e.log.Printf(logger.WarnLevel, "forward to %q dropped: no live recipient", t.Dest)
		e.drop()
		return
	}
	for _, c := range conns {
		if err := c.Send(t.Payload); err != nil {
			e.log.Printf(logger.WarnLevel, "forward to %q dropped: %v", t.Dest, err)
			e.drop()
		} else {
			e.deliver()
		}
	}
}

func (e *Engine) deliverBroadcast(t BroadcastTask) {
	conns := e.reg.ResolveConnections("")
	if len(conns) == 0 {
		e.log.Printf(logger.WarnLevel, "broadcast dropped: no live recipient")
		e.drop()
		return
	}
	for _, c := range conns {
		if err := c.Send(t.Payload); err != nil {
			e.log.Printf(logger.WarnLevel, "broadcast dropped for a recipient: %v", err)
			e.drop()
		} else {
			e.deliver()
		}
	}
}

func (e *Engine) drop() {
	if e.OnDrop != nil {
		e.OnDrop()
	}
}

func (e *Engine) deliver() {
	if e.OnDeliver != nil {
		e.OnDeliver()
	}
}
