package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags at build time)
var (
	Version = "0.0.1-dev"
	Commit  = "unknown"
)

// CLI flags that override config file values
var (
	cfgFile    string
	logLevel   string
	logFormat  string
	chunkSize  int
	trialSize  int
	skipVerify bool
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "importguard",
	Short: "Verified bulk CSV import into analytics tables",
	Long: `A CLI tool for importing CSV files into remote analytics tables with
trial verification, automatic rollback and row id cursor tracking.

Features:
  - Matching column auto-detection by value uniqueness
  - Trial import of the first rows, verified cell by cell before the rest
  - Rollback of the trial by matching column when verification fails
  - Chunked import with a single retry policy and resumable progress
  - Row id cursor per table, confirmed by a bounded existence probe`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "importguard.yaml",
		"Path to configuration file")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Override log format (json, text)")

	rootCmd.PersistentFlags().IntVar(&chunkSize, "chunk-size", 0,
		"Override chunk size (rows per import call)")
	rootCmd.PersistentFlags().IntVar(&trialSize, "trial-size", 0,
		"Override trial size (rows imported and verified first)")

	rootCmd.PersistentFlags().BoolVar(&skipVerify, "skip-verify", false,
		"Skip trial verification and import everything at once")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"Disable colored report output")
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// CLIOverrides contains flag values that override config file settings
type CLIOverrides struct {
	LogLevel   string
	LogFormat  string
	ChunkSize  int
	TrialSize  int
	SkipVerify bool
}

// GetCLIOverrides returns the CLI flag override values
func GetCLIOverrides() CLIOverrides {
	return CLIOverrides{
		LogLevel:   logLevel,
		LogFormat:  logFormat,
		ChunkSize:  chunkSize,
		TrialSize:  trialSize,
		SkipVerify: skipVerify,
	}
}
