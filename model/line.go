// Package model holds the data types shared by every profiler component:
// progress lines, samples, blocked events, thread state, and experiments.
// It has no behavior beyond small accessors, matching the way the teacher
// keeps its own model package dependency-free so every other package can
// import it without a cycle.
package model

import (
	"sync/atomic"
	"time"
)

// LineID identifies a progress line: a stable source/binary location that
// is the unit of causal selection. The sentinel line 0 is "unattributed".
type LineID uint64

// Unattributed is returned by the line index for instruction pointers it
// cannot classify. It is never eligible for selection as an experiment's
// target line.
const Unattributed LineID = 0

// Line is one progress line's bookkeeping: a monotonic visit count and a
// global delay count (how many experiments have selected this line as
// their target; it counts experiments, not sample periods).
type Line struct {
	ID     LineID
	Name   string // symbol/source location, "" for Unattributed
	visits atomic.Uint64
	delays atomic.Uint64

	// blockedNs accumulates off-CPU time attributed to this line as the
	// most recently sampled on-CPU location before the thread blocked
	// (spec §4.5: lets the controller also run causal experiments on
	// block sources, not just on-CPU lines).
	blockedNs atomic.Uint64
}

// NewLine creates a Line with the given id and display name.
func NewLine(id LineID, name string) *Line {
	return &Line{ID: id, Name: name}
}

// Visits returns the line's monotonic visit count.
func (l *Line) Visits() uint64 { return l.visits.Load() }

// IncVisits bumps the visit count by one and returns the new value.
func (l *Line) IncVisits() uint64 { return l.visits.Add(1) }

// GlobalDelays returns the count of experiment windows this line was
// selected as the causal target.
func (l *Line) GlobalDelays() uint64 { return l.delays.Load() }

// IncGlobalDelays bumps the global-delay counter by one.
func (l *Line) IncGlobalDelays() uint64 { return l.delays.Add(1) }

// BlockedNs returns the accumulated off-CPU time attributed to this line.
func (l *Line) BlockedNs() uint64 { return l.blockedNs.Load() }

// AddBlockedNs credits d of off-CPU time to this line.
func (l *Line) AddBlockedNs(d time.Duration) uint64 {
	if d <= 0 {
		return l.blockedNs.Load()
	}
	return l.blockedNs.Add(uint64(d))
}
