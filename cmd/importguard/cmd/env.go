package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/gookit/color"

	"github.com/dbsmedya/importguard/internal/config"
	"github.com/dbsmedya/importguard/internal/cursor"
	"github.com/dbsmedya/importguard/internal/database"
	"github.com/dbsmedya/importguard/internal/importer"
	"github.com/dbsmedya/importguard/internal/lock"
	"github.com/dbsmedya/importguard/internal/logger"
	"github.com/dbsmedya/importguard/internal/metrics"
	"github.com/dbsmedya/importguard/internal/remote"
	"github.com/dbsmedya/importguard/internal/remote/httpdest"
	"github.com/dbsmedya/importguard/internal/remote/sqldest"
	"github.com/dbsmedya/importguard/internal/report"
	"github.com/dbsmedya/importguard/internal/retry"
	"github.com/dbsmedya/importguard/internal/source"
)

// processLeases guards tables when no MySQL connection can hold the lease.
var processLeases = lock.NewRegistry()

// loadConfig reads, overrides and validates the configuration file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	overrides := GetCLIOverrides()
	cfg.ApplyOverrides(overrides.LogLevel, overrides.LogFormat,
		overrides.ChunkSize, overrides.TrialSize, overrides.SkipVerify)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newPrinter(w io.Writer) *report.Printer {
	return report.New(w, !noColor && color.SupportColor())
}

// jobPlan is a job resolved against the global configuration.
type jobPlan struct {
	Name    string
	File    string
	Session importer.SessionConfig
}

// resolveJob merges global, job and CLI settings for one job. fileOverride,
// when set, replaces the job's file.
func resolveJob(cfg *config.Config, name, fileOverride string) (*jobPlan, error) {
	job, err := cfg.GetJob(name)
	if err != nil {
		return nil, err
	}
	mode, err := remote.ParseMode(job.Mode)
	if err != nil {
		return nil, err
	}

	file := job.File
	if fileOverride != "" {
		file = fileOverride
	}

	return &jobPlan{
		Name: name,
		File: file,
		Session: importer.SessionConfig{
			Job:            name,
			Table:          job.Table,
			MatchingColumn: job.MatchingColumn,
			Mode:           mode,
			Import:         cfg.ApplyJobOverrides(name, chunkSize, trialSize),
			Verification:   cfg.GetJobVerification(name),
			Tolerance:      cfg.Probe.Tolerance,
			Policy:         retry.FromConfig(cfg.Retry),
		},
	}, nil
}

// loadRows reads the job's source file.
func (p *jobPlan) loadRows(log *logger.Logger) (*source.File, error) {
	file, err := source.Load(p.File, source.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", p.File, err)
	}
	log.Infow("Loaded source file",
		"file", file.Path,
		"rows", len(file.Rows),
		"columns", len(file.Header),
	)
	return file, nil
}

// runtimeEnv holds the connections and stores a command works with.
type runtimeEnv struct {
	cfg     *config.Config
	log     *logger.Logger
	db      *database.Manager
	dest    remote.Destination
	sqlDest *sqldest.Destination
	cursors cursor.Store
	metrics *metrics.Recorder
}

// openEnv connects the destination and the cursor store described by cfg.
func openEnv(ctx context.Context, cfg *config.Config, log *logger.Logger) (*runtimeEnv, error) {
	env := &runtimeEnv{
		cfg:     cfg,
		log:     log,
		db:      database.NewManager(cfg, log),
		metrics: metrics.New(),
	}

	if err := env.openDestination(ctx); err != nil {
		env.Close()
		return nil, err
	}
	if err := env.openStore(ctx); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (e *runtimeEnv) openDestination(ctx context.Context) error {
	switch e.cfg.Destination.Driver {
	case "http":
		client, err := httpdest.New(e.cfg.Destination.HTTP, e.cfg.Destination.RowIDColumn,
			retry.FromConfig(e.cfg.Retry), retry.PollFromConfig(e.cfg.Polling), e.log)
		if err != nil {
			return fmt.Errorf("failed to create http destination: %w", err)
		}
		e.dest = client
	default:
		if err := e.db.ConnectDestination(ctx); err != nil {
			return err
		}
		d, err := sqldest.New(e.db.Destination, e.cfg.Destination.RowIDColumn, e.log)
		if err != nil {
			return fmt.Errorf("failed to create mysql destination: %w", err)
		}
		e.dest = d
		e.sqlDest = d
	}
	return nil
}

func (e *runtimeEnv) openStore(ctx context.Context) error {
	if e.cfg.Store.Driver == "memory" {
		e.log.Warn("Cursor store is in memory; row id cursors are lost when the process exits")
		e.cursors = cursor.NewMemoryStore()
		return nil
	}

	if err := e.db.ConnectStore(ctx); err != nil {
		return err
	}
	store, err := cursor.NewSQLStore(e.db.Store, e.log)
	if err != nil {
		return fmt.Errorf("failed to create cursor store: %w", err)
	}
	if err := store.InitializeTables(ctx); err != nil {
		return err
	}
	e.cursors = store
	return nil
}

// lease returns the guard for table, or nil when leasing is off or forced
// away. A MySQL lock is preferred so that sessions on other hosts see it.
func (e *runtimeEnv) lease(table string, force bool) lock.Lease {
	switch {
	case force:
		e.log.Warnw("Skipping table lease (--force flag used)", "table", table)
		return nil
	case e.cfg.Lease.Disabled:
		e.log.Warnw("Table lease disabled by configuration", "table", table)
		return nil
	case e.db.Store != nil:
		return lock.NewAdvisoryLease(e.db.Store, table, e.cfg.Lease.TimeoutSeconds)
	case e.db.Destination != nil:
		return lock.NewAdvisoryLease(e.db.Destination, table, e.cfg.Lease.TimeoutSeconds)
	default:
		return lock.NewMemoryLease(processLeases, table, e.cfg.Lease.TimeoutSeconds)
	}
}

// newSession wires an importer session for plan. lease may be nil.
func (e *runtimeEnv) newSession(plan *jobPlan, lease lock.Lease) (*importer.Session, error) {
	return importer.NewSession(plan.Session, e.dest, e.cursors, lease, e.metrics, e.log)
}

// preflight runs the MySQL table checks; other destinations have none.
func (e *runtimeEnv) preflight(ctx context.Context, table, matchingColumn string, force bool) error {
	if e.sqlDest == nil {
		return nil
	}
	checker, err := sqldest.NewPreflightChecker(e.db.Destination, e.cfg.Destination.RowIDColumn, e.log)
	if err != nil {
		return err
	}
	return checker.RunAllChecks(ctx, table, matchingColumn, force)
}

// flushMetrics writes the metrics textfile when one is configured.
func (e *runtimeEnv) flushMetrics() {
	if e.cfg.Metrics.Textfile == "" {
		return
	}
	if err := e.metrics.WriteTextfile(e.cfg.Metrics.Textfile); err != nil {
		e.log.Warnf("Failed to write metrics textfile: %v", err)
	}
}

// Close releases the destination and every database connection.
func (e *runtimeEnv) Close() {
	e.flushMetrics()
	if e.dest != nil {
		_ = e.dest.Close()
	}
	if err := e.db.Close(); err != nil {
		e.log.Warnf("Failed to close database connections: %v", err)
	}
	_ = e.log.Sync()
}
