// Package config loads the profiler's configuration, following the same
// JSON-on-disk, defaults-on-error pattern the teacher used for its own
// config package, adapted to the options spec §6 recognizes.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/causalprof/ebcoz/profilerr"
)

// Config holds every recognized profiler option (spec §6 "Configuration").
type Config struct {
	SamplePeriodNs uint64   `json:"sample_period_ns"`
	ExperimentNs   uint64   `json:"experiment_ns"`
	WarmupNs       uint64   `json:"warmup_ns"`
	Speedups       []string `json:"speedups"` // decimal fractions, e.g. "0.05"
	TargetLines    []uint64 `json:"target_lines,omitempty"`
	OffCPU         bool     `json:"off_cpu"`
	Output         string   `json:"output"`
}

// Default returns a Config with spec §6's documented defaults.
func Default() Config {
	return Config{
		SamplePeriodNs: 1_000_000,   // 1ms
		ExperimentNs:   500_000_000, // 500ms
		WarmupNs:       5_000_000_000,
		Speedups:       defaultSpeedupStrings(),
		OffCPU:         true,
		Output:         "causalprof.log",
	}
}

func defaultSpeedupStrings() []string {
	out := make([]string, 0, 21)
	for i := 0; i <= 20; i++ {
		out = append(out, strconv.FormatFloat(float64(i)/20.0, 'f', 2, 64))
	}
	return out
}

// Path returns ~/.config/causalprof/config.json (or XDG_CONFIG_HOME).
// Returns empty string if the home directory cannot be determined.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "" // refuse to fall back to /tmp (security risk)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "causalprof", "config.json")
}

// Load loads config from disk; returns defaults if no file is present or
// it fails to parse. A Config error here is non-fatal per spec §7 (only a
// malformed explicit Load target aborts — see LoadFile).
func Load() Config {
	cfg := Default()
	p := Path()
	if p == "" {
		return cfg
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Printf("causalprof: warning: config parse error: %v", err)
	}
	return cfg
}

// LoadFile loads config from an explicit path, for embedders that don't
// want the XDG default. Unlike Load, a parse error here is returned to the
// caller: Config errors abort before any probe is loaded (spec §7).
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, profilerr.New(profilerr.Config, fmt.Sprintf("read config %s", path), err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, profilerr.New(profilerr.Config, fmt.Sprintf("parse config %s", path), err)
	}
	return cfg, nil
}

// Save writes cfg to disk at Path().
func Save(cfg Config) error {
	path := Path()
	if path == "" {
		return fmt.Errorf("cannot determine config directory")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// FromEnv starts from Default() and applies any of the CAUSALPROF_*
// environment variables present, for embedders that configure the
// profiler without a JSON file on disk (the CLI driver itself is out of
// scope for this module). Recognized variables: CAUSALPROF_SAMPLE_PERIOD_NS,
// CAUSALPROF_EXPERIMENT_NS, CAUSALPROF_WARMUP_NS, CAUSALPROF_SPEEDUPS
// (comma-separated), CAUSALPROF_TARGET_LINES (comma-separated),
// CAUSALPROF_OFF_CPU ("0"/"1"), CAUSALPROF_OUTPUT. Malformed numeric and
// CAUSALPROF_OFF_CPU values are logged and ignored, leaving the prior value
// in place; unparsable CAUSALPROF_TARGET_LINES entries are logged and
// skipped. CAUSALPROF_SPEEDUPS is stored as given; its entries are only
// validated later, by ParsedSpeedups.
func FromEnv() Config {
	cfg := Default()
	if v, ok := os.LookupEnv("CAUSALPROF_SAMPLE_PERIOD_NS"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.SamplePeriodNs = n
		} else {
			log.Printf("causalprof: warning: ignoring CAUSALPROF_SAMPLE_PERIOD_NS=%q: %v", v, err)
		}
	}
	if v, ok := os.LookupEnv("CAUSALPROF_EXPERIMENT_NS"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.ExperimentNs = n
		} else {
			log.Printf("causalprof: warning: ignoring CAUSALPROF_EXPERIMENT_NS=%q: %v", v, err)
		}
	}
	if v, ok := os.LookupEnv("CAUSALPROF_WARMUP_NS"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.WarmupNs = n
		} else {
			log.Printf("causalprof: warning: ignoring CAUSALPROF_WARMUP_NS=%q: %v", v, err)
		}
	}
	if v, ok := os.LookupEnv("CAUSALPROF_SPEEDUPS"); ok && v != "" {
		cfg.Speedups = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv("CAUSALPROF_TARGET_LINES"); ok && v != "" {
		var lines []uint64
		for _, s := range strings.Split(v, ",") {
			n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
			if err != nil {
				log.Printf("causalprof: warning: ignoring invalid CAUSALPROF_TARGET_LINES entry %q: %v", s, err)
				continue
			}
			lines = append(lines, n)
		}
		cfg.TargetLines = lines
	}
	if v, ok := os.LookupEnv("CAUSALPROF_OFF_CPU"); ok {
		switch v {
		case "0", "false":
			cfg.OffCPU = false
		case "1", "true":
			cfg.OffCPU = true
		default:
			log.Printf("causalprof: warning: ignoring CAUSALPROF_OFF_CPU=%q", v)
		}
	}
	if v, ok := os.LookupEnv("CAUSALPROF_OUTPUT"); ok && v != "" {
		cfg.Output = v
	}
	return cfg
}

// ParsedSpeedups converts Speedups to float64 fractions in [0, 1],
// skipping (and logging) any entry that fails to parse.
func (c Config) ParsedSpeedups() []float64 {
	out := make([]float64, 0, len(c.Speedups))
	for _, s := range c.Speedups {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || v < 0 || v > 1 {
			log.Printf("causalprof: warning: ignoring invalid speedup %q", s)
			continue
		}
		out = append(out, v)
	}
	return out
}
