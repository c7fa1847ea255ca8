package kprobe

import "os"

// Capability describes what eBPF probing is available on this system,
// adapted from the teacher's capability-detection pattern
// (collector/ebpf/detect.go) down to the single tracepoint this profiler
// needs: sched/sched_switch.
type Capability struct {
	Available bool
	BTF       bool
	HasRoot   bool
	Reason    string
}

// Detect checks whether the kernel probe can be loaded: BTF must be
// present, the caller must be root, and the sched_switch tracepoint must
// exist under tracefs. Any BpfLoad failure after a positive Detect is a
// genuine attach-time error, not a capability gap.
func Detect() Capability {
	var cap Capability

	if _, err := os.Stat("/sys/kernel/btf/vmlinux"); err == nil {
		cap.BTF = true
	}
	if os.Geteuid() == 0 {
		cap.HasRoot = true
	}

	if !cap.BTF {
		cap.Reason = "kernel BTF not available (/sys/kernel/btf/vmlinux missing)"
		return cap
	}
	if !cap.HasRoot {
		cap.Reason = "root privileges required to attach the sched_switch probe"
		return cap
	}

	tracefs := "/sys/kernel/debug/tracing/events/sched/sched_switch"
	if _, err := os.Stat(tracefs); err != nil {
		tracefs = "/sys/kernel/tracing/events/sched/sched_switch"
		if _, err := os.Stat(tracefs); err != nil {
			cap.Reason = "sched/sched_switch tracepoint not found under tracefs"
			return cap
		}
	}

	cap.Available = true
	return cap
}
