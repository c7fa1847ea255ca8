package causal

import "sync/atomic"

// DelayBudget accumulates the total delay applied across every worker
// thread during the current experiment window (spec §6: "applied_delay_ns"
// in the profile log). Workers add to it as they sleep; the controller
// takes and resets it at each experiment boundary.
type DelayBudget struct {
	ns atomic.Int64
}

// Add credits ns nanoseconds of applied delay.
func (b *DelayBudget) Add(ns int64) {
	if ns > 0 {
		b.ns.Add(ns)
	}
}

// TakeReset returns the accumulated total and resets it to zero.
func (b *DelayBudget) TakeReset() int64 {
	return b.ns.Swap(0)
}
