package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/me/cwlcore/internal/logging"
	"github.com/me/cwlcore/pkg/cwl"
	"github.com/me/cwlcore/pkg/model"
)

// EngineConfig holds configuration for the engine, the CLI and the HTTP
// server.
type EngineConfig struct {
	OutDir string `yaml:"outdir"` // Final output directory for cwl-run (default ".")
	TmpDir string `yaml:"tmpdir"` // Root of per-job sandboxes

	Budget         BudgetConfig      `yaml:"budget"`
	Workers        int               `yaml:"workers"`     // Concurrent job cap, 0 = unlimited
	MaxRetries     int               `yaml:"max_retries"` // Re-admissions after a temporary failure
	FailureMode    model.FailureMode `yaml:"failure_mode"`
	Runtime        string            `yaml:"runtime"` // local or docker
	KeepTmp        bool              `yaml:"keep_tmp"`
	PreserveFailed bool              `yaml:"preserve_failed"`
	CopyInputs     bool              `yaml:"copy_inputs"`
	DefaultTimeout string            `yaml:"default_timeout"` // Go duration, "" or "0" = none

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json

	DBPath string `yaml:"db_path"` // SQLite database path, "" disables recording
	Addr   string `yaml:"addr"`    // Listen address for serve (default ":8080")
}

// BudgetConfig is the resource budget. Sizes accept a MiB count ("2048")
// or a humanized size ("8GiB", "512 MB").
type BudgetConfig struct {
	Cores  float64 `yaml:"cores"`
	RAM    string  `yaml:"ram"`
	Outdir string  `yaml:"outdir"`
	Tmpdir string  `yaml:"tmpdir"`
}

// Default returns sensible defaults: every CPU, 4 GiB of RAM and unlimited
// disk.
func Default() EngineConfig {
	return EngineConfig{
		OutDir:         ".",
		TmpDir:         filepath.Join(os.TempDir(), "cwlcore"),
		Budget:         BudgetConfig{Cores: float64(runtime.NumCPU()), RAM: "4GiB"},
		MaxRetries:     2,
		FailureMode:    model.FailStrict,
		Runtime:        "local",
		PreserveFailed: true,
		LogLevel:       "info",
		LogFormat:      "text",
		Addr:           ":8080",
	}
}

// Load overlays the YAML file at path on Default. Keys absent from the file
// keep their default.
func Load(path string) (EngineConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks enumerated values and parses sizes and durations.
func (c EngineConfig) Validate() error {
	if !c.FailureMode.Valid() {
		return fmt.Errorf("failure_mode %q: want strict or best-effort", c.FailureMode)
	}
	switch c.Runtime {
	case "local", "docker":
	default:
		return fmt.Errorf("runtime %q: want local or docker", c.Runtime)
	}
	if c.Budget.Cores < 0 {
		return fmt.Errorf("budget.cores must not be negative")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if _, err := c.Resources(); err != nil {
		return err
	}
	if _, err := c.Timeout(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q: want text or json", c.LogFormat)
	}
	return nil
}

// Resources converts the budget to MiB quantities. Empty sizes are
// unlimited.
func (c EngineConfig) Resources() (cwl.Resources, error) {
	r := cwl.Resources{Cores: c.Budget.Cores}
	for _, f := range []struct {
		name string
		val  string
		dst  *int64
	}{
		{"budget.ram", c.Budget.RAM, &r.RAMMiB},
		{"budget.outdir", c.Budget.Outdir, &r.OutdirMiB},
		{"budget.tmpdir", c.Budget.Tmpdir, &r.TmpdirMiB},
	} {
		n, err := ParseMiB(f.val)
		if err != nil {
			return cwl.Resources{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = n
	}
	return r, nil
}

// Timeout parses DefaultTimeout. Zero means no limit.
func (c EngineConfig) Timeout() (time.Duration, error) {
	if c.DefaultTimeout == "" || c.DefaultTimeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.DefaultTimeout)
	if err != nil {
		return 0, fmt.Errorf("default_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("default_timeout must not be negative")
	}
	return d, nil
}

// ExecutorRetries maps MaxRetries to executor.Config.MaxRetries, where zero
// selects the executor default and a negative value disables retries.
func (c EngineConfig) ExecutorRetries() int {
	if c.MaxRetries <= 0 {
		return -1
	}
	return c.MaxRetries
}

// ParseMiB parses a size as MiB. A bare number is a MiB count; anything
// else goes through humanize.ParseBytes and is rounded up to whole MiB.
func ParseMiB(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("size %q must not be negative", s)
		}
		return n, nil
	}
	b, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, err)
	}
	const mib = 1 << 20
	return int64((b + mib - 1) / mib), nil
}
