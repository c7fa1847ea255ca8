// Package proflog writes and parses the persisted profile log (spec §6):
// one tab-separated "experiment" line per trial, plus one "progress-point"
// line per declared counter at profile close.
package proflog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/causalprof/ebcoz/model"
)

// ExperimentRecord is one parsed "experiment" line.
type ExperimentRecord struct {
	Line        model.LineID
	Speedup     model.Speedup
	DurationNs  int64
	DeltaPoints map[string]int64
	AppliedNs   int64
}

// ProgressRecord is one parsed "progress-point" line.
type ProgressRecord struct {
	Name  string
	Count uint64
}

// Writer appends experiment and progress-point records to an output
// stream in the documented tab-separated format. It implements
// causal.Recorder so the experiment controller can write directly to it.
type Writer struct {
	w   io.Writer
	err error
}

// NewWriter wraps w. Writer is not safe for concurrent use without
// external synchronization, matching the controller's single-coordinator
// call pattern (spec §4.5: one experiment at a time).
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Create opens (truncating) path for writing, per the config "output"
// option.
func Create(path string) (*Writer, *os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create profile log %s: %w", path, err)
	}
	return NewWriter(f), f, nil
}

// RecordExperiment writes one experiment line. Satisfies causal.Recorder.
func (w *Writer) RecordExperiment(e model.Experiment) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintf(w.w, "experiment\tline=%d\tspeedup=%s\tduration_ns=%d\tdelta_points=%s\tapplied_delay_ns=%d\n",
		e.Line, formatSpeedup(e.Speedup), e.Duration.Nanoseconds(), formatDeltas(e.Deltas), e.AppliedNs)
}

// RecordProgressPoint writes one progress-point line, emitted once per
// declared counter at end_profile (spec §6).
func (w *Writer) RecordProgressPoint(name string, count uint64) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintf(w.w, "progress-point\tname=%s\tcount=%d\n", name, count)
}

// Err returns the first write error encountered, if any.
func (w *Writer) Err() error { return w.err }

func formatSpeedup(s model.Speedup) string {
	return strconv.FormatFloat(float64(s), 'f', 2, 64)
}

func formatDeltas(deltas map[string]int64) string {
	if len(deltas) == 0 {
		return "-"
	}
	names := make([]string, 0, len(deltas))
	for name := range deltas {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s:%d", name, deltas[name]))
	}
	return strings.Join(parts, ",")
}

// Parse reads a profile log, splitting it into experiment and
// progress-point records. Round-tripping Write then Parse reproduces
// identical records (spec §8).
func Parse(r io.Reader) ([]ExperimentRecord, []ProgressRecord, error) {
	var experiments []ExperimentRecord
	var points []ProgressRecord

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		switch fields[0] {
		case "experiment":
			rec, err := parseExperimentFields(fields[1:])
			if err != nil {
				return nil, nil, fmt.Errorf("parse experiment line %q: %w", line, err)
			}
			experiments = append(experiments, rec)
		case "progress-point":
			rec, err := parseProgressFields(fields[1:])
			if err != nil {
				return nil, nil, fmt.Errorf("parse progress-point line %q: %w", line, err)
			}
			points = append(points, rec)
		default:
			return nil, nil, fmt.Errorf("unrecognized record kind %q", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return experiments, points, nil
}

func parseExperimentFields(fields []string) (ExperimentRecord, error) {
	var rec ExperimentRecord
	for _, f := range fields {
		key, val, ok := strings.Cut(f, "=")
		if !ok {
			return rec, fmt.Errorf("malformed field %q", f)
		}
		switch key {
		case "line":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return rec, err
			}
			rec.Line = model.LineID(n)
		case "speedup":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return rec, err
			}
			rec.Speedup = model.Speedup(v)
		case "duration_ns":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return rec, err
			}
			rec.DurationNs = n
		case "delta_points":
			rec.DeltaPoints = parseDeltaPoints(val)
		case "applied_delay_ns":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return rec, err
			}
			rec.AppliedNs = n
		default:
			return rec, fmt.Errorf("unknown experiment field %q", key)
		}
	}
	return rec, nil
}

func parseDeltaPoints(val string) map[string]int64 {
	if val == "-" || val == "" {
		return map[string]int64{}
	}
	out := make(map[string]int64)
	for _, pair := range strings.Split(val, ",") {
		name, num, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			continue
		}
		out[name] = n
	}
	return out
}

func parseProgressFields(fields []string) (ProgressRecord, error) {
	var rec ProgressRecord
	for _, f := range fields {
		key, val, ok := strings.Cut(f, "=")
		if !ok {
			return rec, fmt.Errorf("malformed field %q", f)
		}
		switch key {
		case "name":
			rec.Name = val
		case "count":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return rec, err
			}
			rec.Count = n
		default:
			return rec, fmt.Errorf("unknown progress-point field %q", key)
		}
	}
	return rec, nil
}
