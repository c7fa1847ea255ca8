package causal

import (
	"context"
	"math/rand"
	"time"

	"github.com/causalprof/ebcoz/model"
)

// LineSource is the subset of *lineindex.Index the controller needs:
// enough to pick a random active line. Declared locally to avoid an
// import cycle with package lineindex.
type LineSource interface {
	AllLines() []*model.Line
}

// Recorder receives one completed Experiment per trial. Progress-point
// totals at profile close do not pass through it. Implemented by
// package proflog; declared here as an interface so the controller can be
// tested without a real writer.
type Recorder interface {
	RecordExperiment(model.Experiment)
}

// Config holds the controller's tunables, sourced from the profiler
// configuration's experiment_ns/warmup_ns/speedups/target_lines options.
type Config struct {
	Speedups         []model.Speedup
	ExperimentNs     time.Duration
	WarmupNs         time.Duration
	MinActiveThreads int
	TargetLines      []model.LineID // empty: every line is eligible
	RetryInterval    time.Duration  // how often to recheck for active lines/threads
}

// DefaultConfig matches spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		Speedups:         defaultSpeedups(),
		ExperimentNs:     500 * time.Millisecond,
		WarmupNs:         5 * time.Second,
		MinActiveThreads: 1,
		RetryInterval:    50 * time.Millisecond,
	}
}

func defaultSpeedups() []model.Speedup {
	s := make([]model.Speedup, 0, 21)
	for i := 0; i <= 20; i++ {
		s = append(s, model.Speedup(float64(i)/20.0)) // 0.00, 0.05, ..., 1.00
	}
	return s
}

// Controller is the single global experiment coordinator (spec §4.5). It
// owns no samples itself; it only selects lines, publishes the
// (line, speedup) slot, and records progress-point deltas around each
// experiment window.
type Controller struct {
	cfg       Config
	lines     LineSource
	progress  *Progress
	slot      *model.Slot
	budget    *DelayBudget
	recorder  Recorder
	activeFn  func() int
	speedupAt int // round-robin cursor
	seenAt    map[model.LineID]uint64
	allow     map[model.LineID]bool
	rng       *rand.Rand
}

// NewController builds a controller. activeThreads reports how many
// threads are currently registered, used to gate the "minimum active
// threads" precondition before the first experiment.
func NewController(lines LineSource, progress *Progress, slot *model.Slot, budget *DelayBudget, recorder Recorder, activeThreads func() int, cfg Config) *Controller {
	if cfg.ExperimentNs <= 0 {
		cfg.ExperimentNs = 500 * time.Millisecond
	}
	if len(cfg.Speedups) == 0 {
		cfg.Speedups = defaultSpeedups()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	var allow map[model.LineID]bool
	if len(cfg.TargetLines) > 0 {
		allow = make(map[model.LineID]bool, len(cfg.TargetLines))
		for _, id := range cfg.TargetLines {
			allow[id] = true
		}
	}
	return &Controller{
		cfg:      cfg,
		lines:    lines,
		progress: progress,
		slot:     slot,
		budget:   budget,
		recorder: recorder,
		activeFn: activeThreads,
		seenAt:   make(map[model.LineID]uint64),
		allow:    allow,
		rng:      rand.New(rand.NewSource(1)),
	}
}

// Run executes the coordinator loop until ctx is cancelled. It is meant to
// run on its own dedicated goroutine, matching spec §4.5's "single global
// coordinator thread".
func (c *Controller) Run(ctx context.Context) {
	if !c.sleep(ctx, c.cfg.WarmupNs) {
		return
	}
	for {
		if !c.waitForPrerequisites(ctx) {
			return
		}
		line, ok := c.pickActiveLine()
		if !ok {
			if !c.sleep(ctx, c.cfg.RetryInterval) {
				return
			}
			continue
		}

		s := c.nextSpeedup()
		p0 := c.progress.Snapshot()
		c.slot.Publish(line.ID, s)
		line.IncGlobalDelays()

		if !c.sleep(ctx, c.cfg.ExperimentNs) {
			c.slot.Clear()
			return
		}

		p1 := c.progress.Snapshot()
		c.slot.Clear()

		c.recorder.RecordExperiment(model.Experiment{
			Line:      line.ID,
			Speedup:   s,
			StartedAt: time.Now().Add(-c.cfg.ExperimentNs),
			Duration:  c.cfg.ExperimentNs,
			Baseline:  p0,
			Deltas:    Delta(p0, p1),
			AppliedNs: c.budget.TakeReset(),
		})
	}
}

// waitForPrerequisites blocks (retrying every RetryInterval) until at
// least one progress point is registered and MinActiveThreads threads are
// active (spec §4.5 step 1), or ctx is cancelled.
func (c *Controller) waitForPrerequisites(ctx context.Context) bool {
	for {
		if c.progress.Len() > 0 && (c.activeFn == nil || c.activeFn() >= c.cfg.MinActiveThreads) {
			return true
		}
		if !c.sleep(ctx, c.cfg.RetryInterval) {
			return false
		}
	}
}

// pickActiveLine selects uniformly at random among lines that gained
// visits since the last time this was called (the "active" set of spec
// §4.5 step 2), restricted to the configured allow-list if any.
func (c *Controller) pickActiveLine() (*model.Line, bool) {
	all := c.lines.AllLines()
	var active []*model.Line
	for _, l := range all {
		if c.allow != nil && !c.allow[l.ID] {
			continue
		}
		v := l.Visits()
		if v > c.seenAt[l.ID] {
			active = append(active, l)
		}
		c.seenAt[l.ID] = v
	}
	if len(active) == 0 {
		return nil, false
	}
	return active[c.rng.Intn(len(active))], true
}

// nextSpeedup rounds-robin through the configured speedup set. Round-robin
// (rather than random) was the documented choice for reproducible
// experiment sequencing during development (spec §4.5 step 3, "round-robin
// or random, documented choice").
func (c *Controller) nextSpeedup() model.Speedup {
	s := c.cfg.Speedups[c.speedupAt%len(c.cfg.Speedups)]
	c.speedupAt++
	return s
}

// sleep waits for d or ctx cancellation, returning false on cancellation.
func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
