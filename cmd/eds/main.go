// Command eds runs the seasonal change-detection pipeline over Landsat tiles.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/config"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "eds",
	Short: "EDS seasonal change detection for Landsat tiles",
	Long: `eds detects woody vegetation clearing on a Landsat path/row tile by
comparing a seasonal baseline of fractional cover against the change between
two surface reflectance dates.

A run resolves its inputs, builds the index stacks, classifies change,
extracts threshold polygons, cleans them and clips them to the fractional
cover footprint. Every output lands under <out root>/<scene>/ and a JSON
results record is written next to them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/eds.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(coverageCmd)
	rootCmd.AddCommand(clipCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var sf *types.StepFailure
		if errors.As(err, &sf) {
			fmt.Fprintf(os.Stderr, "eds: step %s failed: %v\n", sf.Step, sf.Err)
		} else {
			fmt.Fprintln(os.Stderr, "eds:", err)
		}
		os.Exit(1)
	}
}

func workspaceDir() string {
	if workspace != "" {
		return workspace
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// loadConfig reads the config file and starts the category loggers.
// Relative paths in the config resolve against the workspace.
func loadConfig() (*config.Config, error) {
	ws := workspaceDir()
	path := configPath
	if path == "" {
		path = filepath.Join(ws, "eds.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logsDir := cfg.Paths.LogsDir
	if logsDir == "" {
		logsDir = filepath.Join(ws, "logs")
	} else if !filepath.IsAbs(logsDir) {
		logsDir = filepath.Join(ws, logsDir)
	}
	if cfg.Paths.OutRoot != "" && !filepath.IsAbs(cfg.Paths.OutRoot) {
		cfg.Paths.OutRoot = filepath.Join(ws, cfg.Paths.OutRoot)
	}
	if err := logging.Initialize(logsDir, logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.IsJSON(),
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, err
	}
	logging.Boot("Config loaded from %s", path)
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
