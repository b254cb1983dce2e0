// Package config loads capmgrd's TOML configuration (spec.md §6 "NEW
// ambient detail"). It is adapted from the teacher's containerdUtils
// ordered-config-path pattern (GetDataRoot): try a fixed list of candidate
// paths in order, fall back to built-in defaults if none exist.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// CandidatePaths are tried in order; the first one that exists wins.
var CandidatePaths = []string{
	"/etc/capmgrd/capmgrd.toml",
	"/usr/local/etc/capmgrd/capmgrd.toml",
	"./capmgrd.toml",
}

// Console holds console-driver selection (spec.md §6).
type Console struct {
	Driver string `toml:"driver"`
}

// Pager holds pager tuning overrides. A zero MemoryTotal means "probe the
// zone allocator's donated arena size at boot" rather than a fixed value.
type Pager struct {
	MemoryTotal int64 `toml:"memory_total"`
}

// Laundry holds internal/backstore/internal/laundrywatch tuning.
type Laundry struct {
	DataRoot string `toml:"data_root"`
	Latency  int    `toml:"latency"`
}

// Config is the top-level TOML document.
type Config struct {
	Console Console `toml:"console"`
	Pager   Pager   `toml:"pager"`
	Laundry Laundry `toml:"laundry"`
	PidFile string  `toml:"pidfile"`
	Debug   bool    `toml:"debug"`
}

// Default returns the built-in configuration used when no candidate path
// exists.
func Default() Config {
	return Config{
		Console: Console{Driver: "serial"},
		Laundry: Laundry{DataRoot: "/var/lib/capmgrd/laundry", Latency: 1},
		PidFile: "/var/run/capmgrd.pid",
	}
}

// Load tries each of CandidatePaths in order and decodes the first one that
// exists, overlaying it onto Default(). If none exist, Default() is
// returned unchanged.
func Load() (Config, error) {
	return LoadFrom(CandidatePaths)
}

// LoadFrom is Load with an explicit candidate list, for testing.
func LoadFrom(paths []string) (Config, error) {
	cfg := Default()
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return cfg, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()

		if _, err := toml.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("config: decode %s: %w", path, err)
		}
		return cfg, nil
	}
	return cfg, nil
}
