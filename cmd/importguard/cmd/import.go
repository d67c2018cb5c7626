package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/importguard/internal/database"
	"github.com/dbsmedya/importguard/internal/importer"
	"github.com/dbsmedya/importguard/internal/logger"
	"github.com/dbsmedya/importguard/internal/probe"
	"github.com/dbsmedya/importguard/internal/report"
	"github.com/dbsmedya/importguard/internal/retry"
	"github.com/dbsmedya/importguard/internal/source"
	"github.com/dbsmedya/importguard/internal/verifier"
)

var (
	importJob    string
	importFile   string
	importForce  bool
	importDryRun bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a CSV file with trial verification",
	Long: `Import loads the job's CSV file into its destination table.

The import process follows these steps:
  1. Select the matching column (configured or auto-detected)
  2. Acquire the table lease and resolve the row id boundary by probing
  3. Import the trial rows and verify them cell by cell
  4. Roll the trial back by matching column if verification fails
  5. Import the remaining rows in chunks, tracking the row id cursor

With --dry-run nothing is written: preflight checks, matching candidates,
the chunk plan and the resolved boundary are printed instead.

Example:
  importguard import --config importguard.yaml --job contacts`,
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVarP(&importJob, "job", "j", "",
		"Job name from configuration file (required)")
	_ = importCmd.MarkFlagRequired("job")

	importCmd.Flags().StringVarP(&importFile, "file", "f", "",
		"Override the job's source file")
	importCmd.Flags().BoolVar(&importForce, "force", false,
		"Skip the table lease and downgrade trigger checks to warnings (use with caution)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false,
		"Show what would be imported without writing anything")

	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	plan, err := resolveJob(cfg, importJob, importFile)
	if err != nil {
		return err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Infow("Starting import",
		"job", plan.Name,
		"table", plan.Session.Table,
		"file", plan.File,
		"config", GetConfigFile(),
	)

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

	out := newPrinter(cmd.OutOrStdout())

	if err := env.preflight(ctx, plan.Session.Table, plan.Session.MatchingColumn, importForce); err != nil {
		return fmt.Errorf("preflight checks failed: %w", err)
	}

	if importDryRun {
		return runImportDryRun(ctx, cmd.OutOrStdout(), out, env, plan, file)
	}

	session, err := env.newSession(plan, env.lease(plan.Session.Table, importForce))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	progress := cmd.ErrOrStderr()
	session.SetProgressFunc(func(p importer.ChunkProgress) {
		fmt.Fprintf(progress, "\r%s", out.Progress(p))
		if p.Current == p.Total {
			fmt.Fprintln(progress)
		}
	})

	result, runErr := session.Run(ctx, file.Rows)
	if result != nil {
		cmd.Println()
		out.Session(result)
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			log.Warn("Import interrupted by signal")
		}
		return fmt.Errorf("import failed: %w", runErr)
	}
	if result.State == importer.SessionRolledBack {
		return fmt.Errorf("trial verification failed, trial rows were rolled back")
	}
	return nil
}

// runImportDryRun prints the plan of an import without writing to the
// destination or the cursor store.
func runImportDryRun(ctx context.Context, w io.Writer, out *report.Printer, env *runtimeEnv, plan *jobPlan, file *source.File) error {
	session, err := env.newSession(plan, nil)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	sel, err := session.SelectColumn(ctx, file.Rows)
	if err != nil {
		return err
	}

	imp := plan.Session.Import
	total := len(file.Rows)
	trial := 0
	if !plan.Session.Verification.SkipVerification && sel.HasColumn() {
		keyed, _ := verifier.SplitKeyed(file.Rows, sel.Selected)
		trial = imp.TrialSize
		if trial <= 0 || trial > len(keyed) {
			trial = len(keyed)
		}
	}
	chunks := 0
	if imp.ChunkSize > 0 {
		chunks = (total - trial + imp.ChunkSize - 1) / imp.ChunkSize
	}

	fmt.Fprintf(w, "\n=== Import Plan (dry run) ===\n")
	fmt.Fprintf(w, "Job:        %s\n", plan.Name)
	fmt.Fprintf(w, "File:       %s\n", file.Path)
	fmt.Fprintf(w, "Table:      %s\n", plan.Session.Table)
	fmt.Fprintf(w, "Mode:       %s\n", plan.Session.Mode)
	fmt.Fprintf(w, "Rows:       %d\n", total)
	fmt.Fprintf(w, "Trial rows: %d\n", trial)
	fmt.Fprintf(w, "Chunks:     %d of up to %d rows\n\n", chunks, imp.ChunkSize)

	out.Candidates(sel)
	fmt.Fprintln(w)

	if !sel.HasColumn() && plan.Session.Verification.RequireMatchingColumn {
		fmt.Fprintln(w, "Import would stop: a matching column is required by configuration")
	}

	return probeBoundary(ctx, out, env, plan.Session.Table)
}

// probeBoundary estimates the table's boundary from the cursor store and
// confirms it by probing, without recording anything.
func probeBoundary(ctx context.Context, out *report.Printer, env *runtimeEnv, table string) error {
	c, err := env.cursors.Get(ctx, table)
	if err != nil {
		return err
	}
	out.Cursor(table, c)

	estimate := int64(0)
	if c != nil {
		estimate = c.EstimatedMaxRowID
	}

	prober, err := probe.NewProber(env.dest, env.cfg.Probe.Tolerance, retry.FromConfig(env.cfg.Retry), env.metrics, env.log)
	if err != nil {
		return err
	}
	res, err := prober.ProbeAbove(ctx, table, estimate, c.IssuedFloor())
	if err != nil {
		return fmt.Errorf("failed to probe %s: %w", table, err)
	}
	out.Probe(table, res, prober.Tolerance())
	return nil
}
