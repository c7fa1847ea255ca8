package lineindex

import (
	"testing"

	"github.com/causalprof/ebcoz/model"
)

type fakeResolver map[uint64]string

func (f fakeResolver) Resolve(ip uint64) (string, bool) {
	name, ok := f[ip]
	return name, ok
}

func TestClassifyAssignsStableIDs(t *testing.T) {
	idx := New(fakeResolver{0x100: "foo:10", 0x200: "bar:20"})

	a := idx.Classify(0x100)
	b := idx.Classify(0x200)
	aAgain := idx.Classify(0x100)

	if a == model.Unattributed || b == model.Unattributed {
		t.Fatalf("expected resolvable IPs to classify, got a=%v b=%v", a, b)
	}
	if a == b {
		t.Fatalf("distinct names classified to the same line: %v", a)
	}
	if a != aAgain {
		t.Fatalf("same IP classified to different lines: %v vs %v", a, aAgain)
	}
}

func TestClassifyUnknownIPIsUnattributed(t *testing.T) {
	idx := New(fakeResolver{})
	if got := idx.Classify(0xdead); got != model.Unattributed {
		t.Fatalf("Classify(unknown) = %v, want Unattributed", got)
	}
}

func TestNilResolverAlwaysUnattributed(t *testing.T) {
	idx := New(nil)
	if got := idx.Classify(0x100); got != model.Unattributed {
		t.Fatalf("Classify with nil resolver = %v, want Unattributed", got)
	}
}

func TestGetUnknownLine(t *testing.T) {
	idx := New(fakeResolver{})
	if _, ok := idx.Get(model.LineID(99)); ok {
		t.Fatal("expected Get on an unknown id to fail")
	}
	if _, ok := idx.Get(model.Unattributed); ok {
		t.Fatal("expected Get(Unattributed) to fail")
	}
}

func TestUnattributedCountsMissesOnly(t *testing.T) {
	idx := New(fakeResolver{0x100: "foo:10"})
	idx.Classify(0x100)    // resolves, should not count
	idx.Classify(0xdead)   // resolver miss
	idx.Classify(0xbeef)   // resolver miss
	if got := idx.Unattributed(); got != 2 {
		t.Fatalf("Unattributed() = %d, want 2", got)
	}
}

func TestUnattributedCountsNilResolver(t *testing.T) {
	idx := New(nil)
	idx.Classify(0x100)
	idx.Classify(0x200)
	if got := idx.Unattributed(); got != 2 {
		t.Fatalf("Unattributed() = %d, want 2", got)
	}
}

func TestAllLinesSnapshotsCounters(t *testing.T) {
	idx := New(fakeResolver{0x100: "foo:10"})
	id := idx.Classify(0x100)
	line, ok := idx.Get(id)
	if !ok {
		t.Fatal("expected line to exist")
	}
	line.IncVisits()
	line.IncVisits()

	all := idx.AllLines()
	if len(all) != 1 {
		t.Fatalf("AllLines() len = %d, want 1", len(all))
	}
	if all[0].Visits() != 2 {
		t.Fatalf("Visits() = %d, want 2", all[0].Visits())
	}
}
