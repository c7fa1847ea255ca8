// Package profrt is the public runtime API (spec §6): register_thread,
// progress points, and begin/end_profile, wiring together the line index,
// on/off-CPU samplers, and the experiment controller.
package profrt

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/causalprof/ebcoz/causal"
	"github.com/causalprof/ebcoz/config"
	"github.com/causalprof/ebcoz/lineindex"
	"github.com/causalprof/ebcoz/model"
	"github.com/causalprof/ebcoz/offcpu"
	"github.com/causalprof/ebcoz/profilerr"
	"github.com/causalprof/ebcoz/proflog"
	"github.com/causalprof/ebcoz/sampler"
)

// blockedQueueCap bounds a single thread's off-CPU queue (spec §3:
// "bounded, drop-oldest-on-overflow").
const blockedQueueCap = 256

// pumpInterval is how often a registered thread's sample-processing pass
// runs (spec §3's "per-thread timer that arms sample processing"). It is
// decoupled from the sample period itself: a tighter pump would not see
// more samples, only spend more CPU polling for them.
const pumpInterval = 4 * time.Millisecond

// Runtime ties together every profiler component behind the public API
// consumed by an instrumented program.
type Runtime struct {
	cfg       config.Config
	lines     *lineindex.Index
	progress  *causal.Progress
	slot      *model.Slot
	budget    *causal.DelayBudget
	collector *offcpu.Collector

	mu      sync.Mutex
	threads map[uint32]*threadHandle

	ctx        context.Context
	cancel     context.CancelFunc
	controller *causal.Controller
	recorder   *proflog.Writer
	outFile    *os.File
	started    bool
}

type threadHandle struct {
	ts     *model.ThreadState
	worker *causal.Worker
	onCPU  *sampler.OnCPUSampler
	stop   chan struct{}
	done   chan struct{}
}

// New builds a Runtime from cfg. probe is the already-loaded off-CPU
// kernel probe (nil disables off-CPU collection, e.g. when
// kprobe.Detect() reports unavailable, or cfg.OffCPU is false); profrt
// never constructs one itself, since loading it requires the bpf2go
// object bundle a concrete deployment supplies (spec §1 Non-goal: "we
// specify the kernel probe's contract, not its C source").
func New(cfg config.Config, resolver lineindex.Resolver, probe offcpu.Prober) *Runtime {
	lines := lineindex.New(resolver)
	r := &Runtime{
		cfg:      cfg,
		lines:    lines,
		progress: causal.NewProgress(),
		slot:     &model.Slot{},
		budget:   &causal.DelayBudget{},
		threads:  make(map[uint32]*threadHandle),
	}
	if cfg.OffCPU && probe != nil {
		r.collector = offcpu.New(probe, nil)
	}
	return r
}

// RegisterThread binds the calling OS thread to the runtime (spec §6).
// It must be called from the thread being tracked, and locks it to the
// calling goroutine for the thread's lifetime (runtime.LockOSThread) so
// the returned TID and the on-CPU sampler opened against it stay valid;
// call UnregisterThread from the same goroutine to release it.
func (r *Runtime) RegisterThread() (uint32, error) {
	runtime.LockOSThread()
	tid := uint32(unix.Gettid())

	r.mu.Lock()
	if _, exists := r.threads[tid]; exists {
		r.mu.Unlock()
		return tid, fmt.Errorf("thread %d already registered", tid)
	}
	r.mu.Unlock()

	ts := model.NewThreadState(tid, blockedQueueCap)

	onCPU, err := sampler.NewOnCPUSampler(tid, r.cfg.SamplePeriodNs)
	if err != nil {
		return 0, profilerr.New(profilerr.Sampler, fmt.Sprintf("open on-CPU sampler for tid %d", tid), err)
	}
	if err := onCPU.Start(); err != nil {
		onCPU.Close()
		return 0, profilerr.New(profilerr.Sampler, fmt.Sprintf("start on-CPU sampler for tid %d", tid), err)
	}
	ts.Sampler = onCPU

	offCPUAdapter := sampler.NewAdapter(ts.Queue)
	periodNs := r.cfg.SamplePeriodNs
	if periodNs == 0 {
		periodNs = config.Default().SamplePeriodNs
	}
	worker := causal.NewWorker(ts, onCPU, offCPUAdapter, r.lines, r.slot, r.budget, periodNs)

	handle := &threadHandle{
		ts:     ts,
		worker: worker,
		onCPU:  onCPU,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.threads[tid] = handle
	r.mu.Unlock()

	if r.collector != nil {
		r.collector.Route(tid, ts.Queue)
	}
	ts.SetInUse(true)
	go r.pump(handle)

	return tid, nil
}

// UnregisterThread tears down tid's tracking state (spec §6). Call it
// from the same goroutine that called RegisterThread.
func (r *Runtime) UnregisterThread(tid uint32) error {
	r.mu.Lock()
	handle, ok := r.threads[tid]
	if ok {
		delete(r.threads, tid)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("thread %d not registered", tid)
	}

	handle.ts.SetInUse(false)
	close(handle.stop)
	<-handle.done

	if r.collector != nil {
		r.collector.Unroute(tid)
	}
	err := handle.onCPU.Close()
	runtime.UnlockOSThread()
	return err
}

func (r *Runtime) pump(h *threadHandle) {
	defer close(h.done)
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if !h.ts.CheckInUse() {
				return
			}
			h.worker.Pump()
		}
	}
}

// ProgressPoint declares (or returns) a named progress counter (spec §6).
// Callers on a hot path should cache the returned pointer and call Bump
// directly rather than re-resolving the name every time.
func (r *Runtime) ProgressPoint(name string) *model.ProgressPoint {
	return r.progress.Declare(name)
}

// Progress bumps the named progress counter, declaring it on first use.
// Prefer ProgressPoint+Bump on a genuine hot path to skip the name lookup.
func (r *Runtime) Progress(name string) {
	r.progress.Declare(name).Bump()
}

// ActiveThreads reports how many threads are currently registered, used
// by the controller's "minimum active threads" precondition.
func (r *Runtime) ActiveThreads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}

// Stats reports a point-in-time snapshot of runtime bookkeeping, for a
// consumer that wants to surface the same counters the teacher's own
// collectors expose (lost/unknown off-CPU events, active threads,
// declared progress points) without digging into the profile log.
type Stats struct {
	ActiveThreads  int
	ProgressPoints int
	Unattributed   uint64       // IPs the line index could not resolve (spec §4.4/§7)
	OffCPU         offcpu.Stats // zero value when off-CPU collection is disabled
}

func (r *Runtime) Stats() Stats {
	s := Stats{
		ActiveThreads:  r.ActiveThreads(),
		ProgressPoints: r.progress.Len(),
		Unattributed:   r.lines.Unattributed(),
	}
	if r.collector != nil {
		s.OffCPU = r.collector.Stats()
	}
	return s
}

// BeginProfile starts the experiment controller and, if off-CPU
// collection is enabled, the kernel probe's poll loop, writing the
// profile log to out (spec §6 begin_profile(output_sink)).
func (r *Runtime) BeginProfile(out io.Writer) error {
	if r.started {
		return fmt.Errorf("profile already started")
	}
	r.recorder = proflog.NewWriter(out)
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if r.collector != nil {
		r.collector.Start(r.ctx)
		if err := r.collector.AddPID(uint32(os.Getpid())); err != nil {
			return fmt.Errorf("add_pid: %w", err)
		}
	}

	ccfg := causal.DefaultConfig()
	ccfg.ExperimentNs = time.Duration(orDefault(r.cfg.ExperimentNs, 500_000_000))
	ccfg.WarmupNs = time.Duration(orDefault(r.cfg.WarmupNs, 5_000_000_000))
	if speedups := r.cfg.ParsedSpeedups(); len(speedups) > 0 {
		s := make([]model.Speedup, len(speedups))
		for i, v := range speedups {
			s[i] = model.Speedup(v)
		}
		ccfg.Speedups = s
	}
	for _, id := range r.cfg.TargetLines {
		ccfg.TargetLines = append(ccfg.TargetLines, model.LineID(id))
	}

	r.controller = causal.NewController(r.lines, r.progress, r.slot, r.budget, r.recorder, r.ActiveThreads, ccfg)
	go r.controller.Run(r.ctx)

	r.started = true
	return nil
}

// BeginProfileFile is a convenience that opens path (truncating) and
// starts the profile against it; EndProfile closes the file.
func (r *Runtime) BeginProfileFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create profile log %s: %w", path, err)
	}
	if err := r.BeginProfile(f); err != nil {
		f.Close()
		return err
	}
	r.outFile = f
	return nil
}

// EndProfile stops the controller and off-CPU collector, writes the final
// progress-point tally, and closes the output if BeginProfileFile opened
// it (spec §6 end_profile()).
func (r *Runtime) EndProfile() error {
	if !r.started {
		return fmt.Errorf("no profile in progress")
	}
	r.cancel()
	var collectorErr error
	if r.collector != nil {
		collectorErr = r.collector.Stop()
	}

	for _, name := range r.progress.Names() {
		pt, ok := r.progress.Get(name)
		if !ok {
			continue
		}
		r.recorder.RecordProgressPoint(name, pt.Count())
	}

	r.started = false
	if r.outFile != nil {
		if err := r.outFile.Close(); err != nil && collectorErr == nil {
			collectorErr = err
		}
		r.outFile = nil
	}
	if err := r.recorder.Err(); err != nil {
		return err
	}
	return collectorErr
}

func orDefault(v uint64, fallback uint64) uint64 {
	if v == 0 {
		return fallback
	}
	return v
}
