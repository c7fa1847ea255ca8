package profrt

import (
	"bytes"
	"testing"
	"time"

	"github.com/causalprof/ebcoz/config"
	"github.com/causalprof/ebcoz/model"
)

// skipIfSamplerUnavailable treats a permission failure opening a real
// perf_event (common in unprivileged containers / restricted seccomp
// profiles) as an environment skip rather than a test failure, matching
// the E2E tests' short-mode/environment skip idiom used across the pack.
func skipIfSamplerUnavailable(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Skipf("on-CPU sampler unavailable in this environment: %v", err)
	}
}

func TestRegisterUnregisterThreadRoundTrip(t *testing.T) {
	r := New(config.Default(), nil, nil)

	tid, err := r.RegisterThread()
	skipIfSamplerUnavailable(t, err)

	if r.ActiveThreads() != 1 {
		t.Fatalf("ActiveThreads() = %d, want 1", r.ActiveThreads())
	}

	if err := r.UnregisterThread(tid); err != nil {
		t.Fatalf("UnregisterThread: %v", err)
	}
	if r.ActiveThreads() != 0 {
		t.Fatalf("ActiveThreads() after unregister = %d, want 0", r.ActiveThreads())
	}
}

func TestUnregisterUnknownThreadErrors(t *testing.T) {
	r := New(config.Default(), nil, nil)
	if err := r.UnregisterThread(99999); err == nil {
		t.Fatal("expected an error unregistering a TID that was never registered")
	}
}

func TestRegisterThreadTwiceFromSameThreadErrors(t *testing.T) {
	r := New(config.Default(), nil, nil)

	tid, err := r.RegisterThread()
	skipIfSamplerUnavailable(t, err)
	defer r.UnregisterThread(tid)

	if _, err := r.RegisterThread(); err == nil {
		t.Fatal("expected re-registering the same TID to fail")
	}
}

func TestProgressPointTracksBumps(t *testing.T) {
	r := New(config.Default(), nil, nil)

	pt := r.ProgressPoint("loop_iter")
	pt.Bump()
	r.Progress("loop_iter")
	r.Progress("loop_iter")

	got, ok := r.progress.Get("loop_iter")
	if !ok {
		t.Fatal("expected loop_iter to be declared")
	}
	if got.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", got.Count())
	}
}

func TestBeginProfileTwiceErrors(t *testing.T) {
	r := New(config.Default(), nil, nil)
	var buf bytes.Buffer
	if err := r.BeginProfile(&buf); err != nil {
		t.Fatalf("BeginProfile: %v", err)
	}
	defer r.EndProfile()

	if err := r.BeginProfile(&buf); err == nil {
		t.Fatal("expected a second BeginProfile to fail while one is in progress")
	}
}

func TestEndProfileWithoutBeginErrors(t *testing.T) {
	r := New(config.Default(), nil, nil)
	if err := r.EndProfile(); err == nil {
		t.Fatal("expected EndProfile without a matching BeginProfile to fail")
	}
}

func TestEndProfileWritesProgressTally(t *testing.T) {
	r := New(config.Default(), nil, nil)
	r.ProgressPoint("requests").Bump()
	r.ProgressPoint("requests").Bump()

	var buf bytes.Buffer
	if err := r.BeginProfile(&buf); err != nil {
		t.Fatalf("BeginProfile: %v", err)
	}
	// Let the controller at least reach its warmup wait before tearing down;
	// EndProfile cancels it regardless of where it got to.
	time.Sleep(5 * time.Millisecond)
	if err := r.EndProfile(); err != nil {
		t.Fatalf("EndProfile: %v", err)
	}

	if !bytes.Contains(buf.Bytes(), []byte("progress-point\tname=requests\tcount=2\n")) {
		t.Fatalf("output missing expected progress-point line: %q", buf.String())
	}
}

func TestZeroActiveThreadsNeverRunsAnExperiment(t *testing.T) {
	cfg := config.Default()
	r := New(cfg, nil, nil)

	var buf bytes.Buffer
	if err := r.BeginProfile(&buf); err != nil {
		t.Fatalf("BeginProfile: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := r.EndProfile(); err != nil {
		t.Fatalf("EndProfile: %v", err)
	}

	if bytes.Contains(buf.Bytes(), []byte("experiment\t")) {
		t.Fatalf("expected no experiment to run with zero progress points declared, got: %q", buf.String())
	}
}

// stubSampler satisfies model.SamplerHandle for tests that need to drive
// pump() bookkeeping without a real perf_event.
type stubSampler struct{ closed bool }

func (s *stubSampler) Close() error { s.closed = true; return nil }

func TestPumpStopsWhenThreadMarkedNotInUse(t *testing.T) {
	ts := model.NewThreadState(1, 4)
	ts.Sampler = &stubSampler{}
	ts.SetInUse(true)

	h := &threadHandle{
		ts:   ts,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	// worker left nil: pump must observe InUse=false on its first tick and
	// return before ever touching it.
	ts.SetInUse(false)
	go (&Runtime{}).pump(h)

	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("pump loop did not observe InUse=false within 1s")
	}
}

func TestStatsReportsProgressAndThreadCounts(t *testing.T) {
	r := New(config.Default(), nil, nil)
	r.ProgressPoint("requests")
	r.ProgressPoint("loop_iter")

	stats := r.Stats()
	if stats.ProgressPoints != 2 {
		t.Errorf("ProgressPoints = %d, want 2", stats.ProgressPoints)
	}
	if stats.ActiveThreads != 0 {
		t.Errorf("ActiveThreads = %d, want 0", stats.ActiveThreads)
	}
}

func TestOrDefault(t *testing.T) {
	if got := orDefault(0, 7); got != 7 {
		t.Errorf("orDefault(0, 7) = %d, want 7", got)
	}
	if got := orDefault(3, 7); got != 3 {
		t.Errorf("orDefault(3, 7) = %d, want 3", got)
	}
}
