package model

import (
	"math"
	"sync/atomic"
	"time"
)

// Speedup is a virtual speedup fraction in [0, 1], quantized to the
// discrete set the controller selects from (spec §4.5 step 3).
type Speedup float64

// Experiment is one (line, speedup, duration) trial. StartedAt, Baseline,
// and Deltas are filled in as the trial progresses; a zero-value
// Experiment with Line == Unattributed represents "no experiment active",
// the sentinel the controller publishes between trials.
type Experiment struct {
	Line      LineID
	Speedup   Speedup
	StartedAt time.Time
	Duration  time.Duration
	Baseline  map[string]uint64 // progress-point snapshot P0
	Deltas    map[string]int64  // P1 - P0 per progress point
	AppliedNs int64             // total applied delay across all threads
}

// Active reports whether e represents a running experiment rather than the
// "no experiment" sentinel.
func (e Experiment) Active() bool { return e.Line != Unattributed }

// Slot is the published (line, speedup) tuple plus its epoch, read by
// every worker thread's sample-processing pass. Publication follows
// release/acquire ordering (spec §5): Epoch is written last with release
// semantics; readers load Epoch first with acquire semantics, then read
// the tuple underneath it. Because Go's atomic.Value/Uint64 already issue
// sequentially consistent operations, a plain Store/Load pair satisfies
// this ordering requirement without needing explicit memory_order tags.
type Slot struct {
	line    atomic.Uint64 // LineID, Unattributed == no active experiment
	speedup atomic.Uint64 // math.Float64bits(Speedup)
	epoch   atomic.Uint64
}

// Publish writes a new (line, speedup) tuple and bumps the epoch. The
// epoch write happens last, so concurrent readers following Load order
// (epoch, then tuple) never observe the new epoch number paired with the
// tuple it replaced. A reader can still load the old epoch and then the
// new tuple; its next Load then reports the new epoch.
func (s *Slot) Publish(line LineID, speedup Speedup) uint64 {
	s.line.Store(uint64(line))
	s.speedup.Store(speedupBits(speedup))
	return s.epoch.Add(1)
}

// Clear publishes the "no experiment" sentinel and bumps the epoch.
func (s *Slot) Clear() uint64 {
	return s.Publish(Unattributed, 0)
}

// Load reads the current epoch and (line, speedup) tuple. Callers that
// need to detect a mid-batch reconfiguration should compare the returned
// epoch against the one observed at batch start.
func (s *Slot) Load() (line LineID, speedup Speedup, epoch uint64) {
	epoch = s.epoch.Load()
	line = LineID(s.line.Load())
	speedup = speedupFromBits(s.speedup.Load())
	return
}

func speedupBits(s Speedup) uint64     { return math.Float64bits(float64(s)) }
func speedupFromBits(b uint64) Speedup { return Speedup(math.Float64frombits(b)) }
