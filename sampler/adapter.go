package sampler

import (
	"time"

	"github.com/causalprof/ebcoz/model"
)

// Queue is the subset of *model.BlockedEventQueue the adapter drains.
// Declared locally so tests can substitute a plain slice-backed fake.
type Queue interface {
	Drain() []model.BlockedEvent
}

// Adapter mirrors the Source interface over a thread's drained off-CPU
// queue, matching the "perf_event lookalike backed by eBPF events"
// described by original_source's ebpf_adapter.h: it exposes the same
// is-a-sample / weight / time shape C5 expects from the on-CPU sampler, but
// Weight is the measured block duration (in microseconds, per spec §4.3)
// rather than a fixed period, and IP is never meaningful for a blocked
// record — attribution instead falls back to the thread's last on-CPU IP.
type Adapter struct {
	queue   Queue
	pending []Record
}

// NewAdapter wraps q. q is typically a ThreadState's BlockedEventQueue.
func NewAdapter(q Queue) *Adapter {
	return &Adapter{queue: q}
}

// Next returns the next buffered blocked record, refilling from the queue
// when its local buffer runs dry. Never blocks.
func (a *Adapter) Next() (Record, bool, error) {
	if len(a.pending) == 0 {
		a.refill()
	}
	if len(a.pending) == 0 {
		return Record{}, false, nil
	}
	rec := a.pending[0]
	a.pending = a.pending[1:]
	return rec, true, nil
}

// Close is a no-op; the adapter owns no kernel resources itself (the probe
// and its ring buffer are owned by the offcpu.Collector).
func (a *Adapter) Close() error { return nil }

func (a *Adapter) refill() {
	for _, evt := range a.queue.Drain() {
		a.pending = append(a.pending, Record{
			Timestamp: time.Unix(0, int64(evt.TimestampNs)),
			Weight:    time.Duration(evt.DurationNs/1000) * time.Microsecond,
			Kind:      evt.BlockedType.Kind(),
		})
	}
}
