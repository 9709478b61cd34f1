package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "eds" {
		t.Errorf("expected Name=eds, got %s", cfg.Name)
	}
	if cfg.Legacy.LookbackCap != 10 {
		t.Errorf("expected LookbackCap=10, got %d", cfg.Legacy.LookbackCap)
	}
	if cfg.Compat.FCK != 0.000435 || cfg.Compat.FCN != 1.909 {
		t.Errorf("unexpected FC->FPC defaults k=%v n=%v", cfg.Compat.FCK, cfg.Compat.FCN)
	}
	if got := len(cfg.Polygonize.Thresholds); got != 6 {
		t.Errorf("expected 6 default thresholds, got %d", got)
	}
	if cfg.Postprocess.SkinnyPixels != 3 {
		t.Errorf("expected SkinnyPixels=3, got %d", cfg.Postprocess.SkinnyPixels)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("EDS_SR_ROOT", "")
	t.Setenv("EDS_OUT_ROOT", "")

	path := filepath.Join(t.TempDir(), "eds.yaml")

	cfg := DefaultConfig()
	cfg.Paths.SRRoot = "/data/sr"
	cfg.Coverage.Ratios = []float64{0.9, 0.95}
	cfg.Legacy.Statistic = StatisticMedian

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Paths.SRRoot != "/data/sr" {
		t.Errorf("expected SRRoot=/data/sr, got %s", loaded.Paths.SRRoot)
	}
	if len(loaded.Coverage.Ratios) != 2 || loaded.Coverage.Ratios[1] != 0.95 {
		t.Errorf("ratios not round-tripped: %v", loaded.Coverage.Ratios)
	}
	if loaded.Legacy.Statistic != StatisticMedian {
		t.Errorf("expected median statistic, got %s", loaded.Legacy.Statistic)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Paths.OutRoot != filepath.Join("data", "compat", "files") {
		t.Errorf("unexpected OutRoot %s", cfg.Paths.OutRoot)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eds.yaml")
	if err := os.WriteFile(path, []byte("polygonize:\n  min_ha: 2.5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Polygonize.MinHa != 2.5 {
		t.Errorf("expected MinHa=2.5, got %v", cfg.Polygonize.MinHa)
	}
	if cfg.Legacy.SpanYears != 2 {
		t.Errorf("expected default SpanYears=2, got %d", cfg.Legacy.SpanYears)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eds.yaml")
	if err := os.WriteFile(path, []byte("legacy: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestGetStepTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Execution.StepTimeout = "90s"
	if got := cfg.GetStepTimeout(); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}
	cfg.Execution.StepTimeout = "bogus"
	if got := cfg.GetStepTimeout(); got != 2*time.Hour {
		t.Errorf("expected fallback 2h, got %v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad statistic", func(c *Config) { c.Legacy.Statistic = "mode" }},
		{"half season", func(c *Config) { c.Legacy.SeasonStart = "0701" }},
		{"bad month-day", func(c *Config) { c.Legacy.SeasonStart, c.Legacy.SeasonEnd = "1301", "0101" }},
		{"ratio zero", func(c *Config) { c.Coverage.Ratios = []float64{0} }},
		{"ratio above one", func(c *Config) { c.Coverage.Ratios = []float64{1.2} }},
		{"no thresholds", func(c *Config) { c.Polygonize.Thresholds = nil }},
		{"bad index mode", func(c *Config) { c.Compat.IndexMode = "evi" }},
		{"zero workers", func(c *Config) { c.Batch.Workers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSortedThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Polygonize.Thresholds = []int{39, 34, 36, 34}
	got := cfg.SortedThresholds()
	want := []int{34, 36, 39}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
