package model

// BlockReason enumerates the classification the kernel probe assigns to a
// scheduled-out interval, from the previous task's sched_switch state word.
// Values match the wire contract exactly — both the BPF program and every
// userspace consumer are built against this numbering.
type BlockReason uint8

const (
	// BlockReasonUnknown covers TASK_INTERRUPTIBLE (1) and any state the
	// probe doesn't special-case.
	BlockReasonUnknown BlockReason = 1
	// BlockReasonIOWait is reserved for a future CO-RE refinement that
	// reads the true in_iowait bit (see spec §9). The current probe never
	// emits this value; TASK_UNINTERRUPTIBLE is classified as LockWait
	// instead, matching the heuristic in the original C implementation.
	BlockReasonIOWait BlockReason = 2
	// BlockReasonSched marks preemption: prev_state == 0 (runnable).
	BlockReasonSched BlockReason = 3
	// BlockReasonLockWait marks TASK_UNINTERRUPTIBLE (2), heuristically.
	BlockReasonLockWait BlockReason = 4
)

func (r BlockReason) String() string {
	switch r {
	case BlockReasonUnknown:
		return "unknown"
	case BlockReasonIOWait:
		return "io-wait"
	case BlockReasonSched:
		return "sched"
	case BlockReasonLockWait:
		return "lock-wait"
	default:
		return "invalid"
	}
}

// Kind maps a wire BlockReason onto the Sample Kind the rest of the
// pipeline consumes.
func (r BlockReason) Kind() Kind {
	switch r {
	case BlockReasonIOWait:
		return BlockedIO
	case BlockReasonSched:
		return BlockedSched
	case BlockReasonLockWait:
		return BlockedLockWait
	default:
		return BlockedUnknown
	}
}

// CommLen is the fixed size of BlockedEvent.Comm, matching Linux's
// TASK_COMM_LEN.
const CommLen = 16

// BlockedEvent is the C1→C2 wire record: little-endian, naturally aligned,
// comm NUL-padded. Field order and widths are a compatibility contract —
// any reimplementation of the kernel probe must preserve them exactly,
// because both sides of the ring buffer are built from this same layout.
//
// PID is populated from the *next TID*, not the thread-group ID — this is
// an intentionally preserved bug (see spec §9 Open Question): the original
// implementation's FIXME said it should be TGID, and downstream consumers
// have not been audited to depend on the fix, so it is not silently
// corrected here either.
type BlockedEvent struct {
	PID         uint32
	TID         uint32
	DurationNs  uint64
	BlockedType BlockReason
	TimestampNs uint64
	StackID     int64 // -1: stack capture disabled by default (§4.1)
	Comm        [CommLen]byte
}

// CommString trims the NUL padding from Comm.
func (e BlockedEvent) CommString() string {
	n := 0
	for n < len(e.Comm) && e.Comm[n] != 0 {
		n++
	}
	return string(e.Comm[:n])
}

// MinBlockDurationNs is the threshold below which the kernel probe drops
// a BlockedEvent entirely (spec §3 invariant, §4.1 step 4).
const MinBlockDurationNs = 1000
