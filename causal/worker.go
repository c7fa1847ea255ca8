package causal

import (
	"fmt"
	"time"

	"github.com/causalprof/ebcoz/lineindex"
	"github.com/causalprof/ebcoz/model"
	"github.com/causalprof/ebcoz/sampler"
)

// DelayQuantum is the maximum delay ever applied for a single sample:
// spec §4.5's tie-break clamps the computed delay to [0, 1ms] to prevent
// a missed epoch (a large accumulated debt) from producing a runaway,
// multi-second sleep. It bounds the controller's accounting error to
// ±1 quantum per thread per experiment (spec §8).
const DelayQuantum = time.Millisecond

// Worker runs one thread's sample-processing pass (spec §4.5 "per-thread
// sample processing"): it merges that thread's on-CPU and off-CPU record
// streams by timestamp and applies the delay engine. It is driven by the
// thread's own sample-processing timer (profrt), never from a signal
// handler — InUse-gated preemption safety is the caller's responsibility.
type Worker struct {
	ts       *model.ThreadState
	onCPU    sampler.Source
	offCPU   sampler.Source
	lines    *lineindex.Index
	slot     *model.Slot
	budget   *DelayBudget
	periodNs uint64
	sleepFn  func(time.Duration)

	pendingOn  *sampler.Record
	pendingOff *sampler.Record

	lastOnCPULine model.LineID
}

// NewWorker builds a Worker for ts, sampling onCPU and draining offCPU,
// classifying against lines, and reading the published experiment from
// slot. periodNs is the on-CPU sampler's configured period, the "period"
// term in the delay-debt formula (spec §4.5).
func NewWorker(ts *model.ThreadState, onCPU, offCPU sampler.Source, lines *lineindex.Index, slot *model.Slot, budget *DelayBudget, periodNs uint64) *Worker {
	return &Worker{
		ts:            ts,
		onCPU:         onCPU,
		offCPU:        offCPU,
		lines:         lines,
		slot:          slot,
		budget:        budget,
		periodNs:      periodNs,
		sleepFn:       time.Sleep,
		lastOnCPULine: model.Unattributed,
	}
}

// Pump drains every record currently available from both streams, in
// timestamp order, and applies the delay engine to each. It returns the
// number of records processed. Call it from the thread's sample-processing
// timer tick.
func (w *Worker) Pump() (int, error) {
	n := 0
	for {
		rec, ok, err := w.nextMerged()
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		w.process(rec)
		n++
	}
	w.foldSyncRequest()
	return n, nil
}

// nextMerged returns the earlier of the two streams' next record, by
// timestamp; a tie prefers the blocked record, since a block interval
// closing exactly when the next on-CPU tick lands should be accounted for
// first (it may supply pre-block credit that tick would otherwise pay).
func (w *Worker) nextMerged() (sampler.Record, bool, error) {
	if w.pendingOn == nil {
		if rec, ok, err := w.onCPU.Next(); err != nil {
			return sampler.Record{}, false, err
		} else if ok {
			w.pendingOn = &rec
		}
	}
	if w.pendingOff == nil {
		if rec, ok, err := w.offCPU.Next(); err != nil {
			return sampler.Record{}, false, err
		} else if ok {
			w.pendingOff = &rec
		}
	}

	switch {
	case w.pendingOn == nil && w.pendingOff == nil:
		return sampler.Record{}, false, nil
	case w.pendingOn == nil:
		rec := *w.pendingOff
		w.pendingOff = nil
		return rec, true, nil
	case w.pendingOff == nil:
		rec := *w.pendingOn
		w.pendingOn = nil
		return rec, true, nil
	case w.pendingOff.Timestamp.After(w.pendingOn.Timestamp):
		rec := *w.pendingOn
		w.pendingOn = nil
		return rec, true, nil
	default:
		rec := *w.pendingOff
		w.pendingOff = nil
		return rec, true, nil
	}
}

func (w *Worker) process(rec sampler.Record) {
	if rec.Kind == model.OnCpu {
		w.processOnCPU(rec)
		return
	}
	w.processBlocked(rec)
}

func (w *Worker) processOnCPU(rec sampler.Record) {
	ts := w.ts
	line, speedup, epoch := w.slot.Load()
	if epoch != ts.Epoch {
		// New experiment published mid-batch: reclassify the remainder of
		// this batch against the new selected line with fresh baselines
		// (spec §4.5's epoch tie-break), rather than carrying stale debt
		// forward into a different experiment.
		ts.BasedLocalDelay = 0
		ts.LocalDelay = 0
		ts.DelayedLocalDelay = 0
		ts.Epoch = epoch
		ts.ExperimentsObserved.Add(1)
	}
	ts.LastPerfTime = rec.Timestamp

	L := w.lines.Classify(rec.IP)
	w.lastOnCPULine = L
	if lineObj, ok := w.lines.Get(L); ok {
		lineObj.IncVisits()
	}

	ts.BasedLocalDelay++

	if L != model.Unattributed && L == line {
		ts.LocalDelay++
		w.trace(ts, "earn line=%v epoch=%d", L, epoch)
		return
	}
	if speedup <= 0 || ts.InWait {
		return
	}

	debt := int64(ts.BasedLocalDelay) - int64(ts.LocalDelay) - int64(ts.DelayedLocalDelay)
	if debt <= 0 {
		return
	}

	rawNs := float64(debt) * float64(speedup) * float64(w.periodNs)

	if ts.PreBlockTime > 0 {
		credit := float64(ts.PreBlockTime)
		if credit >= rawNs {
			ts.PreBlockTime -= time.Duration(rawNs)
			rawNs = 0
		} else {
			rawNs -= credit
			ts.PreBlockTime = 0
		}
	}

	if rawNs <= 0 {
		ts.DelayedLocalDelay += uint64(debt)
		return
	}

	applied := time.Duration(rawNs)
	if applied > DelayQuantum {
		applied = DelayQuantum
	}
	w.sleepFn(applied)
	w.budget.Add(int64(applied))
	ts.DelayedLocalDelay += uint64(debt)
	w.trace(ts, "delay line=%v applied=%v debt=%d", L, applied, debt)
}

func (w *Worker) processBlocked(rec sampler.Record) {
	ts := w.ts
	ts.InWait = true
	ts.LastEBPFTime = rec.Timestamp
	ts.PreBlockTime += rec.Weight
	ts.PreLocalTime += rec.Weight

	if (rec.Kind == model.BlockedIO || rec.Kind == model.BlockedLockWait) && w.lastOnCPULine != model.Unattributed {
		if lineObj, ok := w.lines.Get(w.lastOnCPULine); ok {
			lineObj.AddBlockedNs(rec.Weight)
		}
	}
	ts.InWait = false
}

// foldSyncRequest services the sync_local_with_global edge trigger: on
// request, the thread's per-experiment local counters are folded away
// (reset), so the next batch starts clean against whatever experiment is
// then current rather than carrying forward debt computed under stale
// assumptions.
func (w *Worker) foldSyncRequest() {
	if !w.ts.SyncLocalWithGlobal.CompareAndSwap(true, false) {
		return
	}
	w.ts.BasedLocalDelay = 0
	w.ts.LocalDelay = 0
	w.ts.DelayedLocalDelay = 0
}

func (w *Worker) trace(ts *model.ThreadState, format string, args ...any) {
	if ts.Trace == nil {
		return
	}
	fmt.Fprintf(ts.Trace, "tid=%d "+format+"\n", append([]any{ts.TID}, args...)...)
}
