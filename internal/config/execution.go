package config

// ExecutionConfig configures how pipeline steps are run.
type ExecutionConfig struct {
	// Wall-clock limit per step
	StepTimeout string `yaml:"step_timeout" json:"step_timeout,omitempty"`

	// Output tail kept per step in the results record
	MaxOutputBytes int `yaml:"max_output_bytes" json:"max_output_bytes,omitempty"`

	// Bypass idempotency checks
	Force bool `yaml:"force" json:"force,omitempty"`

	// Record planned steps without running them
	DryRun bool `yaml:"dry_run" json:"dry_run,omitempty"`

	// Zip scene outputs into this directory when set
	PackageDest string `yaml:"package_dest" json:"package_dest,omitempty"`

	// Prometheus textfile written after each run when set
	MetricsFile string `yaml:"metrics_file" json:"metrics_file,omitempty"`
}
