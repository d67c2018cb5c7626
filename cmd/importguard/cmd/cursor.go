package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/importguard/internal/config"
	"github.com/dbsmedya/importguard/internal/cursor"
	"github.com/dbsmedya/importguard/internal/database"
	"github.com/dbsmedya/importguard/internal/lock"
	"github.com/dbsmedya/importguard/internal/logger"
	"github.com/dbsmedya/importguard/internal/probe"
	"github.com/dbsmedya/importguard/internal/retry"
)

var (
	cursorJob    string
	cursorTable  string
	cursorRowID  int64
	cursorRecord bool
	cursorForce  bool
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect and maintain row id cursors",
	Long: `Cursor commands read, confirm and overwrite the row id cursor that marks
where each destination table's last import ended.

Example:
  importguard cursor show --job contacts
  importguard cursor probe --table contacts --record
  importguard cursor resync --table contacts --row-id 120455`,
}

var cursorShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored cursor of a table",
	RunE:  runCursorShow,
}

var cursorProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe the destination for the table's current boundary",
	Long: `Probe starts at the stored cursor and checks row ids outward until it finds
the last existing row, within the configured tolerance. With --record a
boundary that was found is stored as a probed cursor.`,
	RunE: runCursorProbe,
}

var cursorResyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Overwrite the table's cursor with a known row id",
	Long: `Resync stores an operator supplied row id as an exact cursor. Use it when a
probe cannot find the boundary within tolerance.`,
	RunE: runCursorResync,
}

func init() {
	for _, c := range []*cobra.Command{cursorShowCmd, cursorProbeCmd, cursorResyncCmd} {
		c.Flags().StringVarP(&cursorJob, "job", "j", "", "Job whose table to use")
		c.Flags().StringVarP(&cursorTable, "table", "t", "", "Destination table (instead of --job)")
		cursorCmd.AddCommand(c)
	}
	cursorProbeCmd.Flags().BoolVar(&cursorRecord, "record", false,
		"Store the probed boundary")
	cursorResyncCmd.Flags().Int64Var(&cursorRowID, "row-id", -1,
		"Highest row id currently in the table (required)")
	_ = cursorResyncCmd.MarkFlagRequired("row-id")
	for _, c := range []*cobra.Command{cursorProbeCmd, cursorResyncCmd} {
		c.Flags().BoolVar(&cursorForce, "force", false, "Skip the table lease (use with caution)")
	}

	rootCmd.AddCommand(cursorCmd)
}

// cursorTarget resolves the table named by --table or --job.
func cursorTarget(cfg *config.Config) (string, error) {
	if cursorTable != "" {
		return cursorTable, nil
	}
	if cursorJob == "" {
		return "", fmt.Errorf("either --table or --job is required")
	}
	job, err := cfg.GetJob(cursorJob)
	if err != nil {
		return "", err
	}
	return job.Table, nil
}

// openCursorEnv is the shared setup of the cursor commands.
func openCursorEnv() (context.Context, *runtimeEnv, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, "", err
	}
	table, err := cursorTarget(cfg)
	if err != nil {
		return nil, nil, "", err
	}
	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := database.SetupSignalHandler(log)
	env, err := openEnv(ctx, cfg, log.WithTable(table))
	if err != nil {
		return nil, nil, "", err
	}
	return ctx, env, table, nil
}

// withTableLease runs fn under the table's lease unless it is skipped.
func withTableLease(ctx context.Context, env *runtimeEnv, table string, fn func() error) error {
	lease := env.lease(table, cursorForce)
	if lease == nil {
		return fn()
	}
	return lock.WithLease(ctx, lease, fn)
}

func runCursorShow(cmd *cobra.Command, args []string) error {
	ctx, env, table, err := openCursorEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	c, err := env.cursors.Get(ctx, table)
	if err != nil {
		return err
	}
	newPrinter(cmd.OutOrStdout()).Cursor(table, c)
	return nil
}

func runCursorProbe(cmd *cobra.Command, args []string) error {
	ctx, env, table, err := openCursorEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	out := newPrinter(cmd.OutOrStdout())
	prober, err := probe.NewProber(env.dest, env.cfg.Probe.Tolerance, retry.FromConfig(env.cfg.Retry), env.metrics, env.log)
	if err != nil {
		return err
	}

	return withTableLease(ctx, env, table, func() error {
		c, err := env.cursors.Get(ctx, table)
		if err != nil {
			return err
		}
		estimate := int64(0)
		if c != nil {
			estimate = c.EstimatedMaxRowID
		}

		res, err := prober.ProbeAbove(ctx, table, estimate, c.IssuedFloor())
		if err != nil {
			return fmt.Errorf("failed to probe %s: %w", table, err)
		}
		out.Probe(table, res, prober.Tolerance())
		if !res.WithinTolerance {
			return fmt.Errorf("boundary of %s not found within %d ids", table, prober.Tolerance())
		}
		if !cursorRecord {
			return nil
		}

		stored, err := env.cursors.RecordAfterImport(ctx, table, res.ResolvedRowID, cursor.ConfidenceProbed)
		if err != nil {
			return err
		}
		out.Cursor(table, stored)
		return nil
	})
}

func runCursorResync(cmd *cobra.Command, args []string) error {
	if cursorRowID < 0 {
		return fmt.Errorf("--row-id must be >= 0")
	}
	ctx, env, table, err := openCursorEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	return withTableLease(ctx, env, table, func() error {
		stored, err := env.cursors.ManualResync(ctx, table, cursorRowID)
		if err != nil {
			return err
		}
		env.log.Infow("Cursor resynced", "row_id", cursorRowID)
		newPrinter(cmd.OutOrStdout()).Cursor(table, stored)
		return nil
	})
}
