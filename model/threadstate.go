package model

import (
	"io"
	"sync/atomic"
	"time"
)

// SamplerHandle is the minimal contract ThreadState needs from the on-CPU
// sampler (C3): something that can be torn down on thread exit. The
// concrete type lives in package sampler; kept as an interface here so
// model stays free of that import.
type SamplerHandle interface {
	Close() error
}

// ThreadState is the per-tracked-OS-thread bookkeeping described in
// spec §3. Its fields fall into three groups: the cross-thread handshake
// (InUse, the event queue), the single-writer delay-engine
// counters (touched only by the owning thread's sample-processing pass),
// and the reconciliation snapshots used to merge wall-clock time across
// blocked intervals.
type ThreadState struct {
	TID uint32

	// InUse transitions false→true→false strictly around this thread's
	// signal/handler-critical region. A concurrent teardown observes
	// false and returns immediately. atomic.Bool already issues
	// sequentially consistent operations, satisfying the "equivalent
	// full-fence primitive" requirement of spec §9 — a relaxed atomic
	// would not.
	InUse atomic.Bool

	// LocalDelay, BasedLocalDelay, DelayedLocalDelay are visits to the
	// selected line, baseline visits, and delays actually applied. Only
	// the owning worker thread writes these (single-writer per spec §5
	// "Per-thread queues: single producer / single consumer"); the
	// controller only ever reads global accumulators, never these
	// directly. Invariant: LocalDelay <= BasedLocalDelay at all times.
	LocalDelay        uint64
	BasedLocalDelay   uint64
	DelayedLocalDelay uint64

	// Sampler is this thread's on-CPU sampler handle (C3).
	Sampler SamplerHandle

	// Queue is the bounded off-CPU event queue fed by the collector's
	// fan-out (C2) and drained by this thread's own processing pass.
	Queue *BlockedEventQueue

	// PreBlockTime and PreLocalTime are wall-clock snapshots taken when a
	// blocked interval is consumed, so that subsequent on-CPU delay
	// computations can subtract the already-paid block duration from the
	// thread's debt instead of sleeping it twice.
	PreBlockTime time.Duration
	PreLocalTime time.Duration

	// LastPerfTime and LastEBPFTime are deliberately separate clocks: the
	// on-CPU and off-CPU sources have independent timebases and drift: a
	// single merged cursor would starve one stream (spec §9 "Dual
	// clocks"). They advance independently and are only compared at
	// batch boundaries.
	LastPerfTime time.Time
	LastEBPFTime time.Time

	// InWait suppresses delay application while a blocked interval is
	// being consumed; cleared once the record is processed. Touched only
	// by the owning thread's processing pass.
	InWait bool

	// SyncLocalWithGlobal is an edge trigger: when set, the next batch
	// boundary resets BasedLocalDelay, LocalDelay and DelayedLocalDelay to
	// zero, then clears the flag. The discarded counts are not added to
	// any process-wide accumulator.
	SyncLocalWithGlobal atomic.Bool

	// Epoch is the experiment epoch this thread's local counters were
	// last baselined against. A mismatch against the controller's
	// current epoch means "reclassify the rest of this batch against
	// the new line* with fresh baselines" (spec §4.5 tie-breaks).
	Epoch uint64

	// ExperimentsObserved counts how many distinct experiment epochs this
	// thread has processed samples under. Purely an observability counter
	// (see SPEC_FULL.md "Supplemented features" #2); it costs one
	// increment per epoch change and helps diagnose epoch-mismatch
	// reclassification during debugging.
	ExperimentsObserved atomic.Uint64

	// Trace, if non-nil, receives one line per delay-engine decision for
	// step-by-step debugging. Never set in production use.
	Trace io.Writer
}

// NewThreadState allocates a ThreadState for tid with a queue of the given
// capacity.
func NewThreadState(tid uint32, queueCap int) *ThreadState {
	return &ThreadState{
		TID:   tid,
		Queue: NewBlockedEventQueue(queueCap),
	}
}

// SetInUse toggles the in-use flag. Call with true on registration, false
// on teardown; a concurrent handler that observes false after this call
// must return immediately without touching the rest of ThreadState.
func (t *ThreadState) SetInUse(v bool) { t.InUse.Store(v) }

// CheckInUse reports the current in-use flag.
func (t *ThreadState) CheckInUse() bool { return t.InUse.Load() }
