package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/importguard/internal/database"
	"github.com/dbsmedya/importguard/internal/logger"
)

var (
	verifyJob  string
	verifyFile string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify an already imported file against the destination",
	Long: `Verify compares every row of the job's file with the destination rows that
share its matching column value. Nothing is imported or deleted.

Missing rows, value mismatches, truncation and shifted dates are reported
cell by cell; the command fails when any critical anomaly is found.

Example:
  importguard verify --config importguard.yaml --job contacts`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVarP(&verifyJob, "job", "j", "",
		"Job name from configuration file (required)")
	_ = verifyCmd.MarkFlagRequired("job")
	verifyCmd.Flags().StringVarP(&verifyFile, "file", "f", "",
		"Override the job's source file")

	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	plan, err := resolveJob(cfg, verifyJob, verifyFile)
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

	res, sel, err := session.VerifyExisting(ctx, file.Rows)
	out := newPrinter(cmd.OutOrStdout())
	out.Candidates(sel)
	cmd.Println()
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	out.Verification(res)

	if res.Performed && !res.Success {
		return fmt.Errorf("verification found %d critical anomalies", res.Summary.Critical)
	}
	return nil
}
