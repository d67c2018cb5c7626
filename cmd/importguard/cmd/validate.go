package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/importguard/internal/database"
	"github.com/dbsmedya/importguard/internal/logger"
	"github.com/dbsmedya/importguard/internal/source"
)

var validateForce bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and run preflight checks",
	Long: `Validate checks the configuration file and runs preflight checks
against the destination to ensure safe execution.

Checks performed:
  - Configuration syntax and required fields
  - Destination and cursor store connectivity
  - Source file readability and header
  - Table existence and InnoDB engine
  - AUTO_INCREMENT row id column
  - INSERT/DELETE trigger detection
  - CASCADE rule warnings
  - Matching column index warnings

Example:
  importguard validate --config importguard.yaml`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateForce, "force", false,
		"Report triggers as warnings instead of failures")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info("Starting validation checks...")

	ctx := database.SetupSignalHandler(log)
	env, err := openEnv(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer env.Close()

	if err := env.db.Ping(ctx); err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}

	cmd.Printf("\n=== Configuration Validation ===\n")
	cmd.Printf("Config file: %s\n", configFile)
	cmd.Printf("Destination: %s\n", cfg.Destination.Driver)
	cmd.Printf("Cursor store: %s\n", cfg.Store.Driver)
	cmd.Printf("Jobs found: %d\n\n", len(cfg.Jobs))

	hasErrors := false
	for _, jobName := range cfg.ListJobs() {
		plan, err := resolveJob(cfg, jobName, "")
		if err != nil {
			cmd.Printf("--- Job: %s ---\n", jobName)
			cmd.Printf("FAIL %v\n\n", err)
			hasErrors = true
			continue
		}

		cmd.Printf("--- Job: %s ---\n", jobName)
		cmd.Printf("File:  %s\n", plan.File)
		cmd.Printf("Table: %s\n", plan.Session.Table)

		file, err := source.Load(plan.File, source.Options{MaxRows: 1})
		if err != nil {
			cmd.Printf("FAIL Source file: %v\n\n", err)
			hasErrors = true
			continue
		}
		cmd.Printf("Columns: %d\n", len(file.Header))

		if err := env.preflight(ctx, plan.Session.Table, plan.Session.MatchingColumn, validateForce); err != nil {
			cmd.Printf("FAIL Preflight checks: %v\n\n", err)
			hasErrors = true
			continue
		}

		cmd.Printf("OK   All checks passed\n\n")
	}

	if hasErrors {
		return fmt.Errorf("validation failed for one or more jobs")
	}

	cmd.Println("=== Validation Complete ===")
	cmd.Println("All jobs validated successfully")
	return nil
}
