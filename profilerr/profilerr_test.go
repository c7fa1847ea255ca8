package profilerr

import (
	"errors"
	"testing"
)

func TestFatalClassification(t *testing.T) {
	cases := []struct {
		kind  Kind
		fatal bool
	}{
		{BpfLoad, true},
		{Sampler, true},
		{Config, true},
		{BpfMap, false},
		{BufferOverflow, false},
		{AttributionMiss, false},
	}
	for _, c := range cases {
		if got := c.kind.Fatal(); got != c.fatal {
			t.Errorf("%s.Fatal() = %v, want %v", c.kind, got, c.fatal)
		}
	}
}

func TestErrorWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("map full")
	err := New(BpfMap, "add_pid", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should see through to the wrapped cause")
	}
	if got := err.Error(); got != "bpf_map: add_pid: map full" {
		t.Errorf("Error() = %q", got)
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := New(AttributionMiss, "", errors.New("no symbol"))
	if !Is(err, AttributionMiss) {
		t.Error("Is should match the wrapped Kind")
	}
	if Is(err, BpfLoad) {
		t.Error("Is should not match an unrelated Kind")
	}
	if Is(errors.New("plain"), BpfLoad) {
		t.Error("Is should return false for a non-*Error")
	}
}

func TestStringUnknown(t *testing.T) {
	if got := Kind(99).String(); got != "unknown" {
		t.Errorf("String() for unrecognized kind = %q, want unknown", got)
	}
}
