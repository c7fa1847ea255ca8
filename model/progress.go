package model

import "sync/atomic"

// ProgressPoint is a user-declared named counter incremented at a
// semantically meaningful location (spec glossary). Bump is the hot-path
// operation: a single atomic increment.
type ProgressPoint struct {
	Name  string
	count atomic.Uint64
}

// NewProgressPoint creates a zeroed progress point with the given name.
func NewProgressPoint(name string) *ProgressPoint {
	return &ProgressPoint{Name: name}
}

// Bump increments the counter by one.
func (p *ProgressPoint) Bump() { p.count.Add(1) }

// Count returns the current counter value.
func (p *ProgressPoint) Count() uint64 { return p.count.Load() }
