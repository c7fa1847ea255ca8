package causal

import (
	"sync"

	"github.com/causalprof/ebcoz/model"
)

// Progress is the process-wide registry of named progress points (spec §6
// runtime API: progress_point/progress). It backs profrt.ProgressPoint and
// is read by the controller at experiment boundaries.
type Progress struct {
	mu     sync.RWMutex
	points map[string]*model.ProgressPoint
}

// NewProgress returns an empty registry.
func NewProgress() *Progress {
	return &Progress{points: make(map[string]*model.ProgressPoint)}
}

// Declare returns the named progress point, creating it on first use.
func (p *Progress) Declare(name string) *model.ProgressPoint {
	p.mu.RLock()
	if pt, ok := p.points[name]; ok {
		p.mu.RUnlock()
		return pt
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if pt, ok := p.points[name]; ok {
		return pt
	}
	pt := model.NewProgressPoint(name)
	p.points[name] = pt
	return pt
}

// Get returns an already-declared progress point.
func (p *Progress) Get(name string) (*model.ProgressPoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pt, ok := p.points[name]
	return pt, ok
}

// Len reports how many progress points have been declared.
func (p *Progress) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.points)
}

// Snapshot captures every progress point's current count, for the
// controller's before/after comparison around an experiment window.
func (p *Progress) Snapshot() map[string]uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]uint64, len(p.points))
	for name, pt := range p.points {
		out[name] = pt.Count()
	}
	return out
}

// Names returns every declared progress-point name, for the profile-log
// writer's final dump at end_profile.
func (p *Progress) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.points))
	for name := range p.points {
		out = append(out, name)
	}
	return out
}

// Delta computes p1 - p0 per progress point.
func Delta(p0, p1 map[string]uint64) map[string]int64 {
	out := make(map[string]int64, len(p1))
	for name, after := range p1 {
		out[name] = int64(after) - int64(p0[name])
	}
	return out
}
