// Command kiln runs session events through a dependency-ordered handler
// pipeline.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kiln/internal/config"
	"kiln/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "kiln - dependency-ordered session event pipeline",
	Long: `kiln routes session events (messages, tool calls, file changes) through a
chain of handlers ordered by their declared dependencies.

Handlers are declared in the pipeline section of the config file:

  pipeline:
    handlers:
      - type: interrupt
      - type: tool_policy
        name: guard
        depends_on: [interrupt]
        deny: ["shell*"]
      - type: persist
        depends_on: [guard]`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.SetBase(logger)

		cfg, err = config.Load(configPath)
		if err != nil {
			logging.BootError("failed to load config %s: %v", configPath, err)
			return err
		}
		if err := cfg.Validate(); err != nil {
			logging.BootError("invalid config %s: %v", configPath, err)
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}

		// A configured log directory takes over from the CLI logger.
		if cfg.Logging.Dir != "" {
			if err := logging.Initialize(cfg.Logging.ToLogging()); err != nil {
				logging.BootError("failed to initialize log directory %s: %v", cfg.Logging.Dir, err)
				return err
			}
		}
		logging.Boot("kiln %s: config %s, %d handlers", cmd.Name(), configPath, len(cfg.Pipeline.Handlers))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Sync()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "kiln.yaml", "Config file")

	replayCmd.Flags().Bool("persist", false, "Write to the configured event log instead of an in-memory one")
	historyCmd.Flags().Int("limit", 0, "Show only the most recent N events")
	historyCmd.Flags().String("identifier", "", "Show events about one file path or tool name")

	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// baseDir is where relative script paths in the config resolve.
func baseDir() string {
	dir, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return "."
	}
	return dir
}
