package lineindex

import (
	"sync"
	"sync/atomic"

	"github.com/causalprof/ebcoz/model"
)

// Index classifies instruction pointers into progress lines and owns every
// Line's counters. A Line is created the first time its name is resolved;
// after that, Classify is a read path and counter mutation happens via
// Get(id).IncVisits()/IncGlobalDelays() from the sampling hot path.
type Index struct {
	resolver Resolver

	mu     sync.RWMutex
	byName map[string]model.LineID
	lines  []*model.Line // indexed by LineID-1; Unattributed (LineID 0) has no entry

	// unattributed counts IPs Classify could not resolve to a line (the
	// AttributionMiss bucket, spec §4.4/§7). Counted, never fatal.
	unattributed atomic.Uint64
}

// New builds an Index backed by resolver. A nil resolver is valid and
// classifies every IP as Unattributed (spec §4.4's sentinel for unknown
// IPs), useful for tests and for running without binary metadata loaded.
func New(resolver Resolver) *Index {
	return &Index{
		resolver: resolver,
		byName:   make(map[string]model.LineID),
	}
}

// Classify maps ip to a stable LineID, creating one on first sight of a
// given resolved name. Unresolvable IPs classify to model.Unattributed.
func (x *Index) Classify(ip uint64) model.LineID {
	if x.resolver == nil {
		x.unattributed.Add(1)
		return model.Unattributed
	}
	name, ok := x.resolver.Resolve(ip)
	if !ok {
		x.unattributed.Add(1)
		return model.Unattributed
	}

	x.mu.RLock()
	if id, ok := x.byName[name]; ok {
		x.mu.RUnlock()
		return id
	}
	x.mu.RUnlock()

	x.mu.Lock()
	defer x.mu.Unlock()
	if id, ok := x.byName[name]; ok {
		return id
	}
	id := model.LineID(len(x.lines) + 1)
	x.lines = append(x.lines, model.NewLine(id, name))
	x.byName[name] = id
	return id
}

// Get returns the Line for id, or (nil, false) for an unknown or
// Unattributed id.
func (x *Index) Get(id model.LineID) (*model.Line, bool) {
	if id == model.Unattributed {
		return nil, false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	idx := int(id) - 1
	if idx < 0 || idx >= len(x.lines) {
		return nil, false
	}
	return x.lines[idx], true
}

// AllLines returns a snapshot of every known line, for the experiment
// controller's uniform-random selection over the active set.
func (x *Index) AllLines() []*model.Line {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*model.Line, len(x.lines))
	copy(out, x.lines)
	return out
}

// Len reports how many distinct lines have been observed.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.lines)
}

// Unattributed reports how many Classify calls could not resolve their IP
// to a line (the AttributionMiss bucket, spec §4.4/§7).
func (x *Index) Unattributed() uint64 {
	return x.unattributed.Load()
}
