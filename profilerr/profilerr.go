// Package profilerr defines the error kinds the profiler runtime
// distinguishes (spec §7), following the teacher's plain fmt.Errorf("%w")
// wrapping style rather than a custom error framework.
package profilerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on it (e.g.
// "is this fatal at startup, or can the caller continue on-CPU-only?").
type Kind int

const (
	// BpfLoad covers eBPF open/verify/attach failures. Fatal at startup.
	BpfLoad Kind = iota
	// BpfMap covers BPF map operations, e.g. inserting a PID into the
	// target-PID set. Non-fatal per-PID; logged and skipped.
	BpfMap
	// Sampler covers the on-CPU hardware/software counter being
	// unavailable. Fatal at startup.
	Sampler
	// BufferOverflow covers lost ring-buffer events. Always non-fatal;
	// counted.
	BufferOverflow
	// AttributionMiss covers an IP → line lookup that failed. Counted
	// into the "unattributed" bucket, never fatal.
	AttributionMiss
	// Config covers malformed configuration. Fatal, and aborts before any
	// probe is loaded.
	Config
)

func (k Kind) String() string {
	switch k {
	case BpfLoad:
		return "bpf_load"
	case BpfMap:
		return "bpf_map"
	case Sampler:
		return "sampler"
	case BufferOverflow:
		return "buffer_overflow"
	case AttributionMiss:
		return "attribution_miss"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind must abort startup rather
// than degrade gracefully.
func (k Kind) Fatal() bool {
	switch k {
	case BpfLoad, Sampler, Config:
		return true
	default:
		return false
	}
}

// Error wraps an underlying error with its Kind, implementing Unwrap so
// errors.Is/As see through to the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == kind
}
