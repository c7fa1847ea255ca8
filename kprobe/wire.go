package kprobe

import (
	"encoding/binary"
	"fmt"

	"github.com/causalprof/ebcoz/model"
)

// wireSize is sizeof(struct blocked_event) under natural alignment: two
// u32s, a u64, a u8 padded to 8, a u64, an i64, and a 16-byte comm buffer.
const wireSize = 4 + 4 + 8 + 8 + 8 + 8 + model.CommLen

// decodeBlockedEvent parses a raw ring buffer record into a BlockedEvent,
// per the little-endian, naturally aligned layout documented on this
// package (and on model.BlockedEvent).
func decodeBlockedEvent(raw []byte) (model.BlockedEvent, error) {
	if len(raw) < wireSize {
		return model.BlockedEvent{}, fmt.Errorf("short record: %d bytes, want >= %d", len(raw), wireSize)
	}
	var evt model.BlockedEvent
	evt.PID = binary.LittleEndian.Uint32(raw[0:4])
	evt.TID = binary.LittleEndian.Uint32(raw[4:8])
	evt.DurationNs = binary.LittleEndian.Uint64(raw[8:16])
	evt.BlockedType = model.BlockReason(raw[16])
	// raw[17:24] is alignment padding.
	evt.TimestampNs = binary.LittleEndian.Uint64(raw[24:32])
	evt.StackID = int64(binary.LittleEndian.Uint64(raw[32:40]))
	copy(evt.Comm[:], raw[40:40+model.CommLen])
	return evt, nil
}

// encodeBlockedEvent is the inverse of decodeBlockedEvent, used by tests
// to exercise the wire contract round-trip without a live BPF program.
func encodeBlockedEvent(evt model.BlockedEvent) []byte {
	raw := make([]byte, wireSize)
	binary.LittleEndian.PutUint32(raw[0:4], evt.PID)
	binary.LittleEndian.PutUint32(raw[4:8], evt.TID)
	binary.LittleEndian.PutUint64(raw[8:16], evt.DurationNs)
	raw[16] = byte(evt.BlockedType)
	binary.LittleEndian.PutUint64(raw[24:32], evt.TimestampNs)
	binary.LittleEndian.PutUint64(raw[32:40], uint64(evt.StackID))
	copy(raw[40:40+model.CommLen], evt.Comm[:])
	return raw
}
