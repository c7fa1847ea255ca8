// Package sampler implements the on-CPU sampler (C3): a per-thread
// perf_event sampling source (the software task-clock event, not a hardware
// counter) producing periodic instruction-pointer samples, plus an
// adapter that wraps queued off-CPU BlockedEvents behind the same interface
// so the experiment controller (C5) can merge both streams without caring
// which produced a given record.
//
// The on-CPU side is grounded the same way as the teacher's debug package
// (cpu_profiler.go): open one perf_event per thread via
// unix.PerfEventOpen, mmap its ring buffer, and decode PERF_RECORD_SAMPLE
// records directly, instead of attaching a BPF program to the event (the
// teacher attaches one to walk stacks; this profiler only needs the IP and
// timestamp of each overflow, so no BPF program is involved on this path).
package sampler

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/causalprof/ebcoz/model"
)

// DefaultPeriodNs is the default sample period (spec config sample_period_ns).
const DefaultPeriodNs = 1_000_000 // 1ms

// perfRecordSample is PERF_RECORD_SAMPLE from linux/perf_event.h. The
// golang.org/x/sys/unix package exposes the perf_event_attr struct and its
// type/config/sample_type constants but not the ring-buffer record types,
// so this one is hardcoded as every userspace perf ring-buffer reader must.
const perfRecordSample = 9

// Ring buffer layout offsets into the mmap'd control page, per
// linux/perf_event.h's struct perf_event_mmap_page. data_head/data_tail sit
// at a fixed offset after the padded counter-capability fields.
const (
	dataHeadOffset = 1024
	dataTailOffset = 1032
	ringDataPages  = 8 // power-of-two data pages, excludes the one control page
)

// Record is a single decoded sample, produced either by the on-CPU
// sampler or by the off-CPU Adapter. IP is meaningful only when Kind is
// OnCpu; Kind.IsBlocked() records carry Weight as the measured block
// duration instead of the fixed sample period.
type Record struct {
	IP        uint64
	Timestamp time.Time
	Weight    time.Duration
	Kind      model.Kind
}

// Source is the common iterator both the on-CPU sampler and the off-CPU
// adapter implement (spec §4.3's "perf_event lookalike").
type Source interface {
	Next() (Record, bool, error)
	Close() error
}

// OnCPUSampler drives a single perf_event counter for one OS thread,
// configured to overflow every periodNs of CPU time consumed.
type OnCPUSampler struct {
	tid      uint32
	periodNs uint64
	fd       int
	mmap     []byte
	pageSize uint64
	dataSize uint64
	tail     uint64
}

// NewOnCPUSampler opens (but does not start) a per-thread sampling event
// for tid, overflowing every periodNs nanoseconds of task-clock time.
func NewOnCPUSampler(tid uint32, periodNs uint64) (*OnCPUSampler, error) {
	if periodNs == 0 {
		periodNs = DefaultPeriodNs
	}

	attr := &unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_TASK_CLOCK,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample:      periodNs,
		Sample_type: unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TIME,
		Bits:        unix.PerfBitWatermark,
	}

	fd, err := unix.PerfEventOpen(attr, int(tid), -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open(tid=%d): %w", tid, err)
	}

	pageSize := uint64(os.Getpagesize())
	mapSize := pageSize * (1 + ringDataPages)
	data, err := unix.Mmap(fd, 0, int(mapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap perf ring buffer (tid=%d): %w", tid, err)
	}

	return &OnCPUSampler{
		tid:      tid,
		periodNs: periodNs,
		fd:       fd,
		mmap:     data,
		pageSize: pageSize,
		dataSize: pageSize * ringDataPages,
	}, nil
}

// Start enables the counter.
func (s *OnCPUSampler) Start() error {
	return unix.IoctlSetInt(s.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

// Stop disables the counter without tearing down the mapping, so any
// records already in the ring buffer can still be drained.
func (s *OnCPUSampler) Stop() error {
	return unix.IoctlSetInt(s.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

// Close unmaps the ring buffer and closes the event fd.
func (s *OnCPUSampler) Close() error {
	var errs []error
	if err := unix.Munmap(s.mmap); err != nil {
		errs = append(errs, err)
	}
	if err := unix.Close(s.fd); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close on-CPU sampler (tid=%d): %v", s.tid, errs)
	}
	return nil
}

// Next drains the next available sample record, if any. It never blocks:
// callers poll it from their own per-thread sample-processing timer (spec
// §3 ThreadState), not from a signal handler. Non-sample bookkeeping
// records (PERF_RECORD_LOST and similar) are consumed and skipped
// internally rather than ending the drain, so a single interleaved
// bookkeeping record never hides the on-CPU samples behind it until the
// next timer tick.
func (s *OnCPUSampler) Next() (Record, bool, error) {
	for {
		head := atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.mmap[dataHeadOffset])))
		if head == s.tail {
			return Record{}, false, nil
		}

		hdr := s.readRing(s.tail, 8)
		recType := binary.LittleEndian.Uint32(hdr[0:4])
		recSize := uint64(binary.LittleEndian.Uint16(hdr[6:8]))
		if recSize < 8 {
			return Record{}, false, fmt.Errorf("malformed perf record: size %d", recSize)
		}

		body := s.readRing(s.tail+8, recSize-8)
		s.tail += recSize
		atomic.StoreUint64((*uint64)(unsafe.Pointer(&s.mmap[dataTailOffset])), s.tail)

		if recType != perfRecordSample {
			// PERF_RECORD_LOST and similar bookkeeping records; keep
			// draining instead of returning, so the caller sees the next
			// real sample rather than a false "stream exhausted".
			continue
		}
		if len(body) < 16 {
			return Record{}, false, fmt.Errorf("short PERF_RECORD_SAMPLE body: %d bytes", len(body))
		}

		ip := binary.LittleEndian.Uint64(body[0:8])
		ns := binary.LittleEndian.Uint64(body[8:16])
		return Record{
			IP:        ip,
			Timestamp: time.Unix(0, int64(ns)),
			Weight:    time.Duration(s.periodNs),
			Kind:      model.OnCpu,
		}, true, nil
	}
}

// readRing copies n bytes starting at ring-relative position pos, handling
// wraparound across the end of the data area.
func (s *OnCPUSampler) readRing(pos, n uint64) []byte {
	buf := make([]byte, n)
	base := s.pageSize // data area follows the one control page
	start := pos % s.dataSize
	for i := uint64(0); i < n; i++ {
		buf[i] = s.mmap[base+(start+i)%s.dataSize]
	}
	return buf
}
