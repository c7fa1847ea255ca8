package causal

import (
	"testing"
	"time"

	"github.com/causalprof/ebcoz/lineindex"
	"github.com/causalprof/ebcoz/model"
	"github.com/causalprof/ebcoz/sampler"
)

type fakeSource struct {
	recs []sampler.Record
	i    int
}

func (f *fakeSource) Next() (sampler.Record, bool, error) {
	if f.i >= len(f.recs) {
		return sampler.Record{}, false, nil
	}
	rec := f.recs[f.i]
	f.i++
	return rec, true, nil
}

func (f *fakeSource) Close() error { return nil }

func onCPURecord(t time.Time, ip uint64) sampler.Record {
	return sampler.Record{IP: ip, Timestamp: t, Weight: time.Millisecond, Kind: model.OnCpu}
}

func TestWorkerNoDelayAtZeroSpeedup(t *testing.T) {
	base := time.Unix(0, 1_000_000)
	resolver := lineindex.Resolver(fakeLineResolver{0x1: "hot:1", 0x2: "cold:2"})
	idx := lineindex.New(resolver)
	hotID := idx.Classify(0x1)
	_ = idx.Classify(0x2)

	slot := &model.Slot{}
	slot.Publish(hotID, 0) // s = 0
	budget := &DelayBudget{}
	ts := model.NewThreadState(1, 16)

	on := []sampler.Record{
		onCPURecord(base, 0x1),
		onCPURecord(base.Add(time.Millisecond), 0x2),
		onCPURecord(base.Add(2*time.Millisecond), 0x2),
	}
	w := NewWorker(ts, &fakeSource{recs: on}, &fakeSource{}, idx, slot, budget, uint64(time.Millisecond))
	var slept int
	w.sleepFn = func(d time.Duration) { slept++ }

	if _, err := w.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if slept != 0 {
		t.Fatalf("expected no sleeps at s=0, got %d", slept)
	}
	if budget.TakeReset() != 0 {
		t.Fatal("expected zero applied delay at s=0")
	}
}

type fakeLineResolver map[uint64]string

func (f fakeLineResolver) Resolve(ip uint64) (string, bool) {
	name, ok := f[ip]
	return name, ok
}

func TestWorkerDelaysNonSelectedLineAtFullSpeedup(t *testing.T) {
	base := time.Unix(0, 1_000_000)
	resolver := fakeLineResolver{0x1: "hot:1", 0x2: "cold:2"}
	idx := lineindex.New(resolver)
	hotID := idx.Classify(0x1)
	_ = idx.Classify(0x2)

	slot := &model.Slot{}
	slot.Publish(hotID, 1.0) // s = 1
	budget := &DelayBudget{}
	ts := model.NewThreadState(1, 16)

	on := []sampler.Record{
		onCPURecord(base, 0x2), // non-selected: should accrue debt and sleep
	}
	w := NewWorker(ts, &fakeSource{recs: on}, &fakeSource{}, idx, slot, budget, uint64(time.Millisecond))
	var applied time.Duration
	w.sleepFn = func(d time.Duration) { applied += d }

	if _, err := w.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if applied != time.Millisecond {
		t.Fatalf("applied = %v, want 1ms (one period at s=1, debt=1)", applied)
	}
	if got := budget.TakeReset(); got != int64(time.Millisecond) {
		t.Fatalf("budget = %d, want %d", got, int64(time.Millisecond))
	}
	if ts.LocalDelay > ts.BasedLocalDelay {
		t.Fatalf("invariant violated: LocalDelay=%d > BasedLocalDelay=%d", ts.LocalDelay, ts.BasedLocalDelay)
	}
	if ts.DelayedLocalDelay > ts.BasedLocalDelay {
		t.Fatalf("invariant violated: DelayedLocalDelay=%d > BasedLocalDelay=%d", ts.DelayedLocalDelay, ts.BasedLocalDelay)
	}
}

func TestWorkerAppliesFractionalSpeedupBelowQuantum(t *testing.T) {
	base := time.Unix(0, 1_000_000)
	resolver := fakeLineResolver{0x1: "hot:1", 0x2: "cold:2"}
	idx := lineindex.New(resolver)
	hotID := idx.Classify(0x1)
	_ = idx.Classify(0x2)

	slot := &model.Slot{}
	slot.Publish(hotID, 0.5) // s = 0.5
	budget := &DelayBudget{}
	ts := model.NewThreadState(1, 16)

	on := []sampler.Record{
		onCPURecord(base, 0x2), // non-selected: debt=1, rawNs = 0.5 * 1ms = 500us
	}
	w := NewWorker(ts, &fakeSource{recs: on}, &fakeSource{}, idx, slot, budget, uint64(time.Millisecond))
	var applied time.Duration
	w.sleepFn = func(d time.Duration) { applied += d }

	if _, err := w.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	// spec §8 property 2: applied_delay must track s * T * debt, not get
	// rounded up to the 1ms quantum ceiling. At s=0.5, debt=1 the correct
	// delay is 500us; flooring to 1ms here is exactly the regression that
	// destroys the virtual-speedup gradient between s values.
	if applied != 500*time.Microsecond {
		t.Fatalf("applied = %v, want 500us (s=0.5 must not floor to the 1ms quantum)", applied)
	}
	if got := budget.TakeReset(); got != int64(500*time.Microsecond) {
		t.Fatalf("budget = %d, want %d", got, int64(500*time.Microsecond))
	}
}

func TestWorkerSelectedLineEarnsCreditWithoutSleep(t *testing.T) {
	base := time.Unix(0, 1_000_000)
	resolver := fakeLineResolver{0x1: "hot:1"}
	idx := lineindex.New(resolver)
	hotID := idx.Classify(0x1)

	slot := &model.Slot{}
	slot.Publish(hotID, 1.0)
	budget := &DelayBudget{}
	ts := model.NewThreadState(1, 16)

	on := []sampler.Record{onCPURecord(base, 0x1)}
	w := NewWorker(ts, &fakeSource{recs: on}, &fakeSource{}, idx, slot, budget, uint64(time.Millisecond))
	var slept int
	w.sleepFn = func(d time.Duration) { slept++ }

	if _, err := w.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if slept != 0 {
		t.Fatalf("expected no sleep when sample matches the selected line, got %d calls", slept)
	}
	if ts.LocalDelay != 1 {
		t.Fatalf("LocalDelay = %d, want 1", ts.LocalDelay)
	}
}

func TestWorkerBlockedEventCreditsPreBlockTime(t *testing.T) {
	base := time.Unix(0, 1_000_000)
	resolver := fakeLineResolver{0x1: "hot:1", 0x2: "cold:2"}
	idx := lineindex.New(resolver)
	hotID := idx.Classify(0x1)
	idx.Classify(0x2)

	slot := &model.Slot{}
	slot.Publish(hotID, 1.0)
	budget := &DelayBudget{}
	ts := model.NewThreadState(1, 16)

	// First an on-CPU sample on the hot line (sets lastOnCPULine), then a
	// blocked interval, then a non-selected on-CPU sample whose debt
	// should be partly or fully paid by the blocked credit.
	on := []sampler.Record{
		onCPURecord(base, 0x1),
		onCPURecord(base.Add(2*time.Millisecond), 0x2),
	}
	off := []sampler.Record{
		{Timestamp: base.Add(time.Millisecond), Weight: time.Millisecond, Kind: model.BlockedLockWait},
	}
	w := NewWorker(ts, &fakeSource{recs: on}, &fakeSource{recs: off}, idx, slot, budget, uint64(time.Millisecond))
	var applied time.Duration
	w.sleepFn = func(d time.Duration) { applied += d }

	if _, err := w.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if applied != 0 {
		t.Fatalf("applied = %v, want 0 (fully paid by 1ms block credit against 1ms debt)", applied)
	}
	hotLine, _ := idx.Get(hotID)
	if hotLine.BlockedNs() != uint64(time.Millisecond) {
		t.Fatalf("BlockedNs = %d, want %d", hotLine.BlockedNs(), uint64(time.Millisecond))
	}
}

func TestWorkerEpochChangeResetsLocalCounters(t *testing.T) {
	base := time.Unix(0, 1_000_000)
	resolver := fakeLineResolver{0x1: "hot:1", 0x2: "cold:2"}
	idx := lineindex.New(resolver)
	hotID := idx.Classify(0x1)
	coldID := idx.Classify(0x2)

	slot := &model.Slot{}
	slot.Publish(hotID, 0.5)
	budget := &DelayBudget{}
	ts := model.NewThreadState(1, 16)

	on := []sampler.Record{onCPURecord(base, 0x2)}
	w := NewWorker(ts, &fakeSource{recs: on}, &fakeSource{}, idx, slot, budget, uint64(time.Millisecond))
	w.sleepFn = func(time.Duration) {}
	if _, err := w.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if ts.BasedLocalDelay != 1 {
		t.Fatalf("BasedLocalDelay = %d, want 1", ts.BasedLocalDelay)
	}

	// Publish a new experiment (bumps epoch); next batch must reset.
	slot.Publish(coldID, 0.5)
	on2 := []sampler.Record{onCPURecord(base.Add(time.Millisecond), 0x2)}
	w.onCPU = &fakeSource{recs: on2}
	if _, err := w.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if ts.BasedLocalDelay != 1 {
		t.Fatalf("BasedLocalDelay after epoch change = %d, want 1 (reset then incremented once)", ts.BasedLocalDelay)
	}
}
