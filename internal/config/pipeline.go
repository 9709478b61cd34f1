package config

// Index derivation modes for the compat builder.
const (
	IndexModeFC   = "fc"
	IndexModeNDVI = "ndvi"
)

// Baseline aggregation policies.
const (
	StatisticMean   = "mean"
	StatisticMedian = "median"
)

// CompatConfig configures db8/dc4 builds.
type CompatConfig struct {
	FCGlob       string   `yaml:"fc_glob"`
	OnlyClr      bool     `yaml:"fc_only_clr"`
	PreferClr    bool     `yaml:"fc_prefer_clr"`
	ConvertToFPC bool     `yaml:"fc_convert_to_fpc"`
	FCK          float64  `yaml:"fc_k"`
	FCN          float64  `yaml:"fc_n"`
	FCNoData     *float64 `yaml:"fc_nodata"`
	IndexMode    string   `yaml:"index_mode"` // fc, ndvi
	SROnlyClr    bool     `yaml:"sr_only_clr"`

	// Upper bound on files visited by the broad recursive search
	MaxSearchFiles int `yaml:"max_search_files"`
}

// LegacyConfig configures the seasonal baseline and change classifier.
type LegacyConfig struct {
	SpanYears   int    `yaml:"span_years"`
	LookbackCap int    `yaml:"lookback_cap"`
	SeasonStart string `yaml:"season_start"` // MMDD, empty = derived from dates
	SeasonEnd   string `yaml:"season_end"`
	Statistic   string `yaml:"statistic"` // mean, median

	// Drop the first collected raster from baseline statistics
	OmitFirst bool `yaml:"omit_first"`
	// Disable the "start FPC < 108 means no change" rule
	OmitFPCStartThreshold bool `yaml:"omit_fpc_start_threshold"`

	// Clearing class thresholds; empty uses the built-in 34..39 table
	Classes []ClassRule `yaml:"classes"`
}

// ClassRule assigns Class where combined > Combined, and, when set,
// sTest < STest and spectral < Spectral.
type ClassRule struct {
	Class    int      `yaml:"class"`
	Combined float64  `yaml:"combined"`
	STest    *float64 `yaml:"s_test,omitempty"`
	Spectral *float64 `yaml:"spectral,omitempty"`
}

// PolygonizeConfig configures threshold polygon extraction.
type PolygonizeConfig struct {
	Thresholds []int   `yaml:"thresholds"`
	MinHa      float64 `yaml:"min_ha"`
}

// PostprocessConfig configures dissolve and skinny filtering.
type PostprocessConfig struct {
	Dissolve     bool `yaml:"dissolve"`
	SkinnyPixels int  `yaml:"skinny_pixels"`
}

// CoverageConfig configures coverage footprints and the ratio clip.
type CoverageConfig struct {
	Ratios            []float64 `yaml:"ratios"`
	SavePerInputMasks bool      `yaml:"save_per_input_masks"`
	ClipGeoJSON       bool      `yaml:"clip_geojson"` // also export clipped layers as GeoJSON
}

// ProvenanceConfig configures sensor platform validation.
type ProvenanceConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Enforce          bool     `yaml:"enforce"` // drop disallowed FC inputs in compat
	AllowedPlatforms []string `yaml:"allowed_platforms"`
	CacheSize        int      `yaml:"cache_size"`
	DBPath           string   `yaml:"db_path"` // empty = in-memory cache only
	SearchDays       int      `yaml:"search_days"`
}

// BatchConfig configures multi-tile runs.
type BatchConfig struct {
	Workers       int    `yaml:"workers"`
	WatchDebounce string `yaml:"watch_debounce"`
}
