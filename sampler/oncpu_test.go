package sampler

import (
	"encoding/binary"
	"testing"
)

// newTestRing builds a minimal mmap-shaped buffer (one control page plus
// ringDataPages data pages) with data_head/data_tail preset, so readRing
// and Next's decoding can be exercised without a real perf_event fd.
func newTestRing(t *testing.T, pageSize uint64) *OnCPUSampler {
	t.Helper()
	total := pageSize * (1 + ringDataPages)
	s := &OnCPUSampler{
		mmap:     make([]byte, total),
		pageSize: pageSize,
		dataSize: pageSize * ringDataPages,
	}
	return s
}

func writeSampleRecord(s *OnCPUSampler, pos uint64, ip, ns uint64) uint64 {
	const recSize = 24 // 8-byte header + ip + time
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:4], perfRecordSample)
	binary.LittleEndian.PutUint16(hdr[6:8], recSize)
	body := make([]byte, 16)
	binary.LittleEndian.PutUint64(body[0:8], ip)
	binary.LittleEndian.PutUint64(body[8:16], ns)

	base := s.pageSize
	for i, b := range append(hdr, body...) {
		s.mmap[base+(pos+uint64(i))%s.dataSize] = b
	}
	return recSize
}

func setHead(s *OnCPUSampler, head uint64) {
	binary.LittleEndian.PutUint64(s.mmap[dataHeadOffset:], head)
}

// writeLostRecord writes a non-sample bookkeeping record (e.g.
// PERF_RECORD_LOST) of the given body size at a ring-relative position.
func writeLostRecord(s *OnCPUSampler, pos uint64, bodySize uint64) uint64 {
	const recordLost = 2
	recSize := 8 + bodySize
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:4], recordLost)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(recSize))

	base := s.pageSize
	full := append(hdr, make([]byte, bodySize)...)
	for i, b := range full {
		s.mmap[base+(pos+uint64(i))%s.dataSize] = b
	}
	return recSize
}

func TestOnCPUSamplerDecodesSampleRecord(t *testing.T) {
	s := newTestRing(t, 4096)
	size := writeSampleRecord(s, 0, 0xdeadbeef, 123456789)
	setHead(s, size)

	rec, ok, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok {
		t.Fatal("expected a decoded record")
	}
	if rec.IP != 0xdeadbeef {
		t.Fatalf("IP = %#x, want 0xdeadbeef", rec.IP)
	}
	if rec.Timestamp.UnixNano() != 123456789 {
		t.Fatalf("Timestamp = %v, want ns=123456789", rec.Timestamp)
	}

	if _, ok, _ := s.Next(); ok {
		t.Fatal("expected no further records once head == tail")
	}
}

func TestOnCPUSamplerEmptyRingReturnsNoRecord(t *testing.T) {
	s := newTestRing(t, 4096)
	rec, ok, err := s.Next()
	if err != nil || ok {
		t.Fatalf("Next() on empty ring = %+v, %v, %v", rec, ok, err)
	}
}

func TestOnCPUSamplerSkipsNonSampleRecords(t *testing.T) {
	s := newTestRing(t, 4096)
	lostSize := writeLostRecord(s, 0, 16)
	sampleSize := writeSampleRecord(s, lostSize, 0xabc, 999)
	setHead(s, lostSize+sampleSize)

	rec, ok, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok {
		t.Fatal("expected Next to skip the lost record and decode the sample behind it")
	}
	if rec.IP != 0xabc {
		t.Fatalf("IP = %#x, want 0xabc", rec.IP)
	}

	if _, ok, _ := s.Next(); ok {
		t.Fatal("expected no further records once head == tail")
	}
}

func TestOnCPUSamplerHandlesWraparound(t *testing.T) {
	s := newTestRing(t, 4096)
	// Position the write right at the end of the data area so the record
	// straddles the wraparound boundary.
	pos := s.dataSize - 8
	s.tail = pos
	size := writeSampleRecord(s, pos, 0x1234, 42)
	setHead(s, pos+size)

	rec, ok, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok {
		t.Fatal("expected a decoded record across the wraparound boundary")
	}
	if rec.IP != 0x1234 {
		t.Fatalf("IP = %#x, want 0x1234", rec.IP)
	}
}
