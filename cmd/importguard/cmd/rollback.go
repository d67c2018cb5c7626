package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/importguard/internal/database"
	"github.com/dbsmedya/importguard/internal/logger"
)

var (
	rollbackJob   string
	rollbackFile  string
	rollbackForce bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Delete a file's rows from the destination by matching column",
	Long: `Rollback deletes every destination row whose matching column value appears
in the job's file, then confirms which values are still present.

Use it to clean up after an interrupted import or to finish a rollback that
left remaining values. Rows that share a matching value with the file are
deleted too, whoever imported them.

Example:
  importguard rollback --config importguard.yaml --job contacts --file failed.csv`,
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().StringVarP(&rollbackJob, "job", "j", "",
		"Job name from configuration file (required)")
	_ = rollbackCmd.MarkFlagRequired("job")
	rollbackCmd.Flags().StringVarP(&rollbackFile, "file", "f", "",
		"Override the job's source file")
	rollbackCmd.Flags().BoolVar(&rollbackForce, "force", false,
		"Skip the table lease (use with caution)")

	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	plan, err := resolveJob(cfg, rollbackJob, rollbackFile)
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

	session, err := env.newSession(plan, env.lease(plan.Session.Table, rollbackForce))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	res, sel, err := session.RollbackExisting(ctx, file.Rows)
	out := newPrinter(cmd.OutOrStdout())
	out.Candidates(sel)
	cmd.Println()
	out.Rollback(res)
	if err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}
