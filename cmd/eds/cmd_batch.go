package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/batch"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/metrics"
)

var (
	manifestPath string
	batchWorkers int
	batchWatch   bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run the pipeline for every tile in a manifest",
	Long: `Runs one pipeline per manifest entry, several tiles at a time. A failing
tile does not stop the others; the command exits non-zero if any tile failed.

With --watch the manifest stays under watch after the first pass and tiles
added to it are run as they appear, until interrupted.

Example manifest:
  defaults:
    start_date: "20230720"
    end_date: "20240805"
  tiles:
    - tile: 094_076
    - tile: 090_084
      season_window: "0601,0930"`,
	Args: cobra.NoArgs,
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "Manifest YAML (required)")
	batchCmd.Flags().IntVar(&batchWorkers, "workers", 0, "Concurrent tiles (default from config)")
	batchCmd.Flags().BoolVar(&batchWatch, "watch", false, "Keep watching the manifest for new tiles")
	_ = batchCmd.MarkFlagRequired("manifest")
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts := []batch.RunnerOption{
		batch.WithWorkers(batchWorkers),
		batch.WithStdout(cmd.OutOrStdout()),
	}
	if cfg.Execution.MetricsFile != "" {
		opts = append(opts, batch.WithMetrics(metrics.New()))
	}
	runner := batch.NewRunner(cfg, opts...)

	ctx, cancel := signalContext()
	defer cancel()

	if batchWatch {
		w, err := batch.NewWatcher(manifestPath, runner, cfg.GetWatchDebounce())
		if err != nil {
			return err
		}
		w.OnBatch(func(s *batch.Summary) {
			logger.Info("Batch finished", zap.Int("tiles", len(s.Outcomes)), zap.Int("failed", s.Failed))
		})
		if err := w.Start(ctx); err != nil {
			return err
		}
		logger.Info("Watching manifest", zap.String("path", manifestPath))
		select {
		case <-ctx.Done():
		case <-w.Done():
		}
		w.Stop()
		return nil
	}

	m, err := batch.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	jobs, err := m.Jobs()
	if err != nil {
		return err
	}
	logger.Info("Running batch", zap.Int("tiles", len(jobs)))

	s := runner.Run(ctx, jobs)
	for _, o := range s.Outcomes {
		status := "ok"
		if o.Err != nil {
			status = "FAILED: " + o.Err.Error()
		}
		fmt.Fprintf(os.Stderr, "%s %s..%s %s\n", o.Job.Tile.Code(), o.Job.Start, o.Job.End, status)
	}
	if s.Failed > 0 {
		return fmt.Errorf("%d of %d tiles failed", s.Failed, len(s.Outcomes))
	}
	return nil
}
