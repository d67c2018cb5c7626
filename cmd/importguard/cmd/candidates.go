package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/importguard/internal/database"
	"github.com/dbsmedya/importguard/internal/logger"
)

var (
	candidatesJob  string
	candidatesFile string
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "Rank the file's columns as matching column candidates",
	Long: `Candidates scores every column shared by the job's file and its destination
table by the uniqueness of its values in the file sample, and shows which
one an import would use.

Example:
  importguard candidates --config importguard.yaml --job contacts`,
	RunE: runCandidates,
}

func init() {
	candidatesCmd.Flags().StringVarP(&candidatesJob, "job", "j", "",
		"Job name from configuration file (required)")
	_ = candidatesCmd.MarkFlagRequired("job")
	candidatesCmd.Flags().StringVarP(&candidatesFile, "file", "f", "",
		"Override the job's source file")

	rootCmd.AddCommand(candidatesCmd)
}

func runCandidates(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	plan, err := resolveJob(cfg, candidatesJob, candidatesFile)
	if err != nil {
		return err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	file, err := plan.loadRows(log)
	if err != nil {
		return err
	}

	ctx := database.SetupSignalHandler(log)
	env, err := openEnv(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer env.Close()

	session, err := env.newSession(plan, nil)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	sel, err := session.SelectColumn(ctx, file.Rows)
	if err != nil {
		return err
	}
	newPrinter(cmd.OutOrStdout()).Candidates(sel)
	return nil
}
