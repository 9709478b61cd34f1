package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all EDS pipeline configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Input roots and output layout
	Paths PathsConfig `yaml:"paths"`

	// Pipeline components
	Compat      CompatConfig      `yaml:"compat"`
	Legacy      LegacyConfig      `yaml:"legacy"`
	Polygonize  PolygonizeConfig  `yaml:"polygonize"`
	Postprocess PostprocessConfig `yaml:"postprocess"`
	Coverage    CoverageConfig    `yaml:"coverage"`
	Provenance  ProvenanceConfig  `yaml:"provenance"`

	// Execution settings
	Execution ExecutionConfig `yaml:"execution"`
	Batch     BatchConfig     `yaml:"batch"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// PathsConfig locates inputs and outputs.
type PathsConfig struct {
	SRRoot  string `yaml:"sr_root"`
	FCRoot  string `yaml:"fc_root"`
	OutRoot string `yaml:"out_root"`
	LogsDir string `yaml:"logs_dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "eds",
		Version: "1.0.0",

		Paths: PathsConfig{
			OutRoot: filepath.Join("data", "compat", "files"),
			LogsDir: "logs",
		},

		Compat: CompatConfig{
			PreferClr:      true,
			FCK:            0.000435,
			FCN:            1.909,
			IndexMode:      IndexModeFC,
			MaxSearchFiles: 200000,
		},

		Legacy: LegacyConfig{
			SpanYears:   2,
			LookbackCap: 10,
			Statistic:   StatisticMean,
		},

		Polygonize: PolygonizeConfig{
			Thresholds: []int{34, 35, 36, 37, 38, 39},
			MinHa:      1.0,
		},

		Postprocess: PostprocessConfig{
			Dissolve:     true,
			SkinnyPixels: 3,
		},

		Provenance: ProvenanceConfig{
			Enabled:          true,
			AllowedPlatforms: []string{"landsat-8", "landsat-9"},
			CacheSize:        1024,
			SearchDays:       7,
		},

		Execution: ExecutionConfig{
			StepTimeout:    "2h",
			MaxOutputBytes: 4000,
		},

		Batch: BatchConfig{
			Workers:       2,
			WatchDebounce: "2s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults plus environment when no config file exists
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("EDS_SR_ROOT"); v != "" {
		c.Paths.SRRoot = v
	}
	if v := os.Getenv("EDS_FC_ROOT"); v != "" {
		c.Paths.FCRoot = v
	}
	if v := os.Getenv("EDS_OUT_ROOT"); v != "" {
		c.Paths.OutRoot = v
	}
	if v := os.Getenv("EDS_PROVENANCE_DB"); v != "" {
		c.Provenance.DBPath = v
	}
	if v := os.Getenv("EDS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// GetStepTimeout returns the per-step wall-clock timeout.
func (c *Config) GetStepTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.StepTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Hour
	}
	return d
}

// GetWatchDebounce returns the manifest watcher debounce interval.
func (c *Config) GetWatchDebounce() time.Duration {
	d, err := time.ParseDuration(c.Batch.WatchDebounce)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Legacy.SpanYears < 1 {
		return fmt.Errorf("legacy.span_years must be >= 1, got %d", c.Legacy.SpanYears)
	}
	if c.Legacy.LookbackCap < 1 {
		return fmt.Errorf("legacy.lookback_cap must be >= 1, got %d", c.Legacy.LookbackCap)
	}
	if c.Legacy.Statistic != StatisticMean && c.Legacy.Statistic != StatisticMedian {
		return fmt.Errorf("invalid legacy.statistic: %s (valid: %s, %s)", c.Legacy.Statistic, StatisticMean, StatisticMedian)
	}
	if (c.Legacy.SeasonStart == "") != (c.Legacy.SeasonEnd == "") {
		return fmt.Errorf("legacy.season_start and legacy.season_end must be set together")
	}
	for _, md := range []string{c.Legacy.SeasonStart, c.Legacy.SeasonEnd} {
		if md != "" && !validMonthDay(md) {
			return fmt.Errorf("invalid season month-day %q (want MMDD)", md)
		}
	}

	if c.Compat.IndexMode != IndexModeFC && c.Compat.IndexMode != IndexModeNDVI {
		return fmt.Errorf("invalid compat.index_mode: %s (valid: %s, %s)", c.Compat.IndexMode, IndexModeFC, IndexModeNDVI)
	}
	if c.Compat.ConvertToFPC && (c.Compat.FCK <= 0 || c.Compat.FCN <= 0) {
		return fmt.Errorf("compat.fc_k and compat.fc_n must be positive")
	}

	if len(c.Polygonize.Thresholds) == 0 {
		return fmt.Errorf("polygonize.thresholds must not be empty")
	}
	for _, t := range c.Polygonize.Thresholds {
		if t < 1 || t > 255 {
			return fmt.Errorf("threshold %d out of range 1..255", t)
		}
	}
	if c.Polygonize.MinHa < 0 {
		return fmt.Errorf("polygonize.min_ha must be >= 0")
	}
	if c.Postprocess.SkinnyPixels < 0 {
		return fmt.Errorf("postprocess.skinny_pixels must be >= 0")
	}

	for _, r := range c.Coverage.Ratios {
		if r <= 0 || r > 1 {
			return fmt.Errorf("coverage ratio %.3f must be in (0,1]", r)
		}
	}

	if c.Batch.Workers < 1 {
		return fmt.Errorf("batch.workers must be >= 1")
	}
	return nil
}

// SortedThresholds returns the configured thresholds ascending without duplicates.
func (c *Config) SortedThresholds() []int {
	seen := make(map[int]bool, len(c.Polygonize.Thresholds))
	out := make([]int, 0, len(c.Polygonize.Thresholds))
	for _, t := range c.Polygonize.Thresholds {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Ints(out)
	return out
}

func validMonthDay(s string) bool {
	if len(s) != 4 {
		return false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return false
	}
	m, d := n/100, n%100
	return m >= 1 && m <= 12 && d >= 1 && d <= 31
}
