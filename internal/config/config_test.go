package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromFallsBackToDefaultsWhenNoPathExists(t *testing.T) {
	cfg, err := LoadFrom([]string{
		filepath.Join(t.TempDir(), "missing-a.toml"),
		filepath.Join(t.TempDir(), "missing-b.toml"),
	})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	want := Default()
	if cfg != want {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadFromDecodesFirstExistingPath(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.toml")
	present := filepath.Join(dir, "capmgrd.toml")

	doc := `
pidfile = "/tmp/capmgrd.pid"
debug = true

[console]
driver = "vga"

[pager]
memory_total = 4096

[laundry]
data_root = "/tmp/laundry"
latency = 3
`
	if err := os.WriteFile(present, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFrom([]string{missing, present})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.PidFile != "/tmp/capmgrd.pid" || !cfg.Debug {
		t.Fatalf("unexpected top-level fields: %+v", cfg)
	}
	if cfg.Console.Driver != "vga" {
		t.Fatalf("expected console driver vga, got %q", cfg.Console.Driver)
	}
	if cfg.Pager.MemoryTotal != 4096 {
		t.Fatalf("expected memory_total 4096, got %d", cfg.Pager.MemoryTotal)
	}
	if cfg.Laundry.DataRoot != "/tmp/laundry" || cfg.Laundry.Latency != 3 {
		t.Fatalf("unexpected laundry config: %+v", cfg.Laundry)
	}
}

func TestLoadFromStopsAtFirstExistingPathEvenIfLaterOnesDiffer(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.toml")
	second := filepath.Join(dir, "second.toml")

	if err := os.WriteFile(first, []byte(`pidfile = "/tmp/first.pid"`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(second, []byte(`pidfile = "/tmp/second.pid"`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFrom([]string{first, second})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.PidFile != "/tmp/first.pid" {
		t.Fatalf("expected the first existing path to win, got %q", cfg.PidFile)
	}
}
