// Package offcpu implements the off-CPU collector (C2): the userspace
// owner of the kernel probe object, PID filter control, and fan-out of
// decoded BlockedEvents to per-thread queues.
//
// The lifecycle mirrors original_source's ebpf_loader.h
// (create/init/start/poll/add_pid/stop/destroy), collapsed to Go idiom:
// the constructor does create+init, and an explicit Stop plus GC replace
// destroy (see DESIGN.md for why that simplification is safe here).
package offcpu

import (
	"context"
	"errors"
	"log"
	"sync"
	"syscall"
	"time"

	"github.com/causalprof/ebcoz/model"
)

// Prober is the subset of *kprobe.Probe the collector drives. Declared as
// an interface so the collector can be tested without a live BPF program.
type Prober interface {
	OnLostEvents(cb func(count int))
	AddPID(pid uint32) error
	RemovePID(pid uint32) error
	ReadEvent() (model.BlockedEvent, error)
	SetDeadline(t time.Time) error
	Close() error
}

// Sink receives a decoded BlockedEvent routed to a known thread. Callers
// register one per tracked thread (typically the thread's ThreadState
// queue) via Route.
type Sink interface {
	Push(model.BlockedEvent)
}

// Collector owns the probe and fans its events out to per-thread queues.
type Collector struct {
	probe Prober
	log   *log.Logger

	mu      sync.RWMutex
	pids    map[uint32]struct{}
	routes  map[uint32]Sink // keyed by TID
	unknown uint64          // events for an unrouted TID, discarded
	lost    uint64          // ring-buffer events lost

	stopc chan struct{}
	doneC chan struct{}
	once  sync.Once
}

// New wraps an already-loaded probe. Logger defaults to log.Default() if
// nil, matching the teacher's plain `log.Printf("xtop: ...")` idiom.
func New(probe Prober, logger *log.Logger) *Collector {
	if logger == nil {
		logger = log.Default()
	}
	c := &Collector{
		probe:  probe,
		log:    logger,
		pids:   make(map[uint32]struct{}),
		routes: make(map[uint32]Sink),
		stopc:  make(chan struct{}),
		doneC:  make(chan struct{}),
	}
	probe.OnLostEvents(func(n int) {
		c.mu.Lock()
		c.lost += uint64(n)
		c.mu.Unlock()
		c.log.Printf("causalprof: warning: lost %d off-CPU events", n)
	})
	return c
}

// AddPID inserts pid into the target-PID set (spec §4.2 add_pid). The
// target-PID set is written only by the collector under its own lock; the
// kernel probe reads it lock-free via BPF atomic map ops (spec §5).
func (c *Collector) AddPID(pid uint32) error {
	c.mu.Lock()
	c.pids[pid] = struct{}{}
	c.mu.Unlock()
	if err := c.probe.AddPID(pid); err != nil {
		c.log.Printf("causalprof: warning: add_pid(%d): %v", pid, err)
		return err
	}
	return nil
}

// RemovePID removes pid from the target-PID set.
func (c *Collector) RemovePID(pid uint32) error {
	c.mu.Lock()
	delete(c.pids, pid)
	c.mu.Unlock()
	return c.probe.RemovePID(pid)
}

// Route registers sink as the destination for events carrying tid. Used
// when a thread registers with the runtime so its ThreadState queue
// starts receiving blocked samples.
func (c *Collector) Route(tid uint32, sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[tid] = sink
}

// Unroute removes tid's sink, e.g. on thread teardown.
func (c *Collector) Unroute(tid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.routes, tid)
}

// Start spawns the poll loop on a dedicated goroutine (spec §4.2 "may be
// called in a loop from a dedicated thread"). Call Stop to terminate it.
func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.doneC)
	const pollTimeout = 100 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopc:
			return
		default:
		}
		_ = c.probe.SetDeadline(time.Now().Add(pollTimeout))
		evt, err := c.probe.ReadEvent()
		if err != nil {
			// EINTR and deadline-exceeded are ignored; any other error
			// (e.g. the probe was closed) ends the loop.
			if isTimeout(err) || errors.Is(err, syscall.EINTR) {
				continue
			}
			return
		}
		c.dispatch(evt)
	}
}

// dispatch routes one decoded event to its thread's sink, discarding it
// with a counter bump if the TID is unknown (spec §4.2: "bounded memory").
func (c *Collector) dispatch(evt model.BlockedEvent) {
	c.mu.RLock()
	sink, ok := c.routes[evt.TID]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		c.unknown++
		c.mu.Unlock()
		return
	}
	sink.Push(evt)
}

// Stop terminates the poll loop and waits for it to exit, then closes the
// underlying probe (spec §4.2 stop()/destroy()).
func (c *Collector) Stop() error {
	c.once.Do(func() { close(c.stopc) })
	<-c.doneC
	return c.probe.Close()
}

// Stats reports the collector's bookkeeping counters.
type Stats struct {
	LostEvents    uint64
	UnknownEvents uint64
	TrackedPIDs   int
}

func (c *Collector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{LostEvents: c.lost, UnknownEvents: c.unknown, TrackedPIDs: len(c.pids)}
}

// isTimeout reports whether err represents a poll timeout that the
// collector should silently retry rather than treat as fatal.
func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}
