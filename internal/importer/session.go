package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dbsmedya/importguard/internal/config"
	"github.com/dbsmedya/importguard/internal/cursor"
	"github.com/dbsmedya/importguard/internal/failure"
	"github.com/dbsmedya/importguard/internal/lock"
	"github.com/dbsmedya/importguard/internal/logger"
	"github.com/dbsmedya/importguard/internal/matching"
	"github.com/dbsmedya/importguard/internal/metrics"
	"github.com/dbsmedya/importguard/internal/probe"
	"github.com/dbsmedya/importguard/internal/remote"
	"github.com/dbsmedya/importguard/internal/retry"
	"github.com/dbsmedya/importguard/internal/types"
	"github.com/dbsmedya/importguard/internal/verifier"
)

// SessionState is the terminal state of an import session.
type SessionState string

const (
	SessionDone       SessionState = "done"
	SessionRolledBack SessionState = "rolled-back"
	SessionAborted    SessionState = "aborted"
)

// SessionConfig is the resolved configuration of one session.
type SessionConfig struct {
	Job            string
	Table          string
	MatchingColumn string // preferred; auto-detected when empty
	Mode           remote.Mode
	Import         config.ImportConfig
	Verification   config.VerificationConfig
	Tolerance      int64
	Policy         retry.Policy
}

// SessionResult is everything a session learned. On abort, CommittedRows is
// the number of rows the destination confirmed, trial rows included.
type SessionResult struct {
	SessionID     string           `json:"sessionId"`
	Job           string           `json:"job,omitempty"`
	Table         string           `json:"table"`
	State         SessionState     `json:"state"`
	TotalRows     int              `json:"totalRows"`
	CommittedRows int              `json:"committedRows"`
	Matching      matching.Result  `json:"matching"`
	Warnings      []string         `json:"warnings,omitempty"`
	StartRowID    int64            `json:"startRowId"`
	TrialRowID    int64            `json:"trialRowId"`
	Trial         *ImportResult    `json:"trial,omitempty"`
	Verification  *verifier.Result `json:"verification,omitempty"`
	Rollback      *RollbackResult  `json:"rollback,omitempty"`
	Import        *ImportResult    `json:"import,omitempty"`
	ErrorMessage  string           `json:"errorMessage,omitempty"`
	StartedAt     time.Time        `json:"startedAt"`
	CompletedAt   time.Time        `json:"completedAt"`
	Duration      time.Duration    `json:"duration"`
}

// Verified reports whether a trial verification ran and passed.
func (r *SessionResult) Verified() bool {
	return r.Verification != nil && r.Verification.Performed && r.Verification.Success
}

// Session drives one import of a file into one destination table: matching
// column selection, boundary resolution, trial import, verification,
// rollback on failure, and the chunked import of the remainder.
type Session struct {
	id         string
	cfg        SessionConfig
	dest       remote.Destination
	cursors    cursor.Store
	lease      lock.Lease
	prober     *probe.Prober
	verifier   *verifier.Verifier
	rollback   *RollbackExecutor
	onProgress ProgressFunc
	metrics    *metrics.Recorder
	logger     *logger.Logger
}

// NewSession wires a session. lease may be nil, in which case the table is
// not guarded against concurrent sessions.
func NewSession(cfg SessionConfig, dest remote.Destination, cursors cursor.Store, lease lock.Lease, rec *metrics.Recorder, log *logger.Logger) (*Session, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("session table is empty")
	}
	if dest == nil {
		return nil, fmt.Errorf("destination is nil")
	}
	if cursors == nil {
		return nil, fmt.Errorf("cursor store is nil")
	}
	if cfg.Mode == "" {
		cfg.Mode = remote.ModeInsert
	}
	if log == nil {
		log = logger.NewDefault()
	}

	id := uuid.NewString()
	log = log.WithSession(id)
	if cfg.Job != "" {
		log = log.WithJob(cfg.Job)
	}
	log = log.WithTable(cfg.Table)

	prober, err := probe.NewProber(dest, cfg.Tolerance, cfg.Policy, rec, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create prober: %w", err)
	}

	v, err := verifier.NewVerifier(verifier.Thresholds{
		TruncationChars: cfg.Verification.TruncationThreshold,
		MaxDateShift:    cfg.Verification.MaxDateShift(),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}
	v.SetChunkSize(cfg.Verification.FetchChunkSize)

	rb, err := NewRollbackExecutor(dest, rec, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create rollback executor: %w", err)
	}

	return &Session{
		id:       id,
		cfg:      cfg,
		dest:     dest,
		cursors:  cursors,
		lease:    lease,
		prober:   prober,
		verifier: v,
		rollback: rb,
		metrics:  rec,
		logger:   log,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// SetProgressFunc registers an observer for chunk progress.
func (s *Session) SetProgressFunc(fn ProgressFunc) {
	s.onProgress = fn
}

// SelectColumn scores the destination's columns against a sample of rows.
func (s *Session) SelectColumn(ctx context.Context, rows []types.SentRow) (matching.Result, error) {
	remoteCols, err := s.dest.DescribeColumns(ctx, s.cfg.Table)
	if err != nil {
		return matching.Result{}, fmt.Errorf("failed to describe destination table: %w", err)
	}

	n := s.cfg.Import.SampleSize
	if n <= 0 || n > len(rows) {
		n = len(rows)
	}
	res := matching.Select(types.Rows(rows[:n]), remoteCols, s.cfg.MatchingColumn)

	for _, w := range res.Warnings {
		s.logger.Warn(w)
	}
	if res.HasColumn() {
		s.logger.Infof("Matching column: %s (%.0f%% unique, auto-detected: %v)", res.Selected, res.Confidence*100, res.AutoDetected)
	}
	return res, nil
}

// Run executes the session. It returns a result whenever the session got
// past its preconditions; on abort the error is returned alongside it.
// A trial that fails verification and is rolled back cleanly ends in
// SessionRolledBack with a nil error.
func (s *Session) Run(ctx context.Context, rows []types.SentRow) (*SessionResult, error) {
	if len(rows) == 0 {
		return nil, failure.Preconditionf("no rows to import")
	}

	result := &SessionResult{
		SessionID:  s.id,
		Job:        s.cfg.Job,
		Table:      s.cfg.Table,
		TotalRows:  len(rows),
		StartRowID: cursor.UnknownRowID,
		TrialRowID: cursor.UnknownRowID,
		StartedAt:  time.Now(),
	}

	sel, err := s.SelectColumn(ctx, rows)
	if err != nil {
		return nil, err
	}
	result.Matching = sel
	result.Warnings = append(result.Warnings, sel.Warnings...)
	if !sel.HasColumn() && s.cfg.Verification.RequireMatchingColumn {
		return nil, failure.Preconditionf("no matching column for %s and one is required", s.cfg.Table)
	}

	run := func() error { return s.run(ctx, rows, result) }
	if s.lease != nil {
		err = lock.WithLease(ctx, s.lease, run)
	} else {
		s.logger.Warn("Running without a table lease")
		err = run()
	}

	if err != nil {
		result.State = SessionAborted
		result.ErrorMessage = err.Error()
	}
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	s.metrics.SessionFinished(s.cfg.Table, string(result.State))

	s.logger.Infof("Session %s: %d of %d rows committed, duration: %s",
		result.State, result.CommittedRows, result.TotalRows, result.Duration)
	return result, err
}

func (s *Session) run(ctx context.Context, rows []types.SentRow, result *SessionResult) error {
	start, err := s.resolveStart(ctx)
	if err != nil {
		return err
	}
	result.StartRowID = start

	column := result.Matching.Selected
	if s.cfg.Verification.SkipVerification || column == "" {
		if s.cfg.Verification.SkipVerification {
			result.Warnings = append(result.Warnings, "verification skipped by configuration")
		}
		s.logger.Warn("Importing without trial verification")
		res, err := s.importRows(ctx, "import", types.Rows(rows), start, column)
		result.Import = res
		if res != nil {
			result.CommittedRows = res.CommittedRows
		}
		if err != nil {
			return err
		}
		result.State = SessionDone
		return nil
	}

	trial, rest := s.splitTrial(rows, column)
	if len(trial) == 0 {
		return failure.Preconditionf("no row has a %s value to run a trial with", column)
	}
	if _, unkeyed := verifier.SplitKeyed(rows, column); len(unkeyed) > 0 {
		w := fmt.Sprintf("%d rows have an empty %s value; they are imported after the trial and cannot be verified or rolled back", len(unkeyed), column)
		result.Warnings = append(result.Warnings, w)
		s.logger.Warn(w)
	}

	keys := verifier.SentKeys(trial, column)
	var overwritten []string
	if s.cfg.Mode == remote.ModeUpsert {
		overwritten, err = s.existingKeys(ctx, column, keys)
		if err != nil {
			return fmt.Errorf("failed to read existing trial rows: %w", err)
		}
		if len(overwritten) > 0 {
			s.logger.Warnf("Trial will update %d existing rows in place; those updates cannot be rolled back", len(overwritten))
		}
	}

	trialRes, err := s.importRows(ctx, "trial", types.Rows(trial), start, column)
	result.Trial = trialRes
	if trialRes != nil {
		result.CommittedRows = trialRes.CommittedRows
	}
	if err != nil {
		return fmt.Errorf("trial import failed: %w", err)
	}

	// An upsert may land on rows older than the boundary.
	after := start
	if s.cfg.Mode == remote.ModeUpsert {
		after = remote.NoRowBound
	}
	vres, err := s.verifyTrial(ctx, trial, column, after)
	if err != nil {
		return fmt.Errorf("trial verification failed to run, %d trial rows are committed: %w", trialRes.CommittedRows, err)
	}
	result.Verification = vres

	// Updated rows keep their row ids, so only inserts move the estimate.
	// The ids the trial rows were read back with are issued for certain,
	// which holds even if an earlier rollback left a hole below them.
	inserted := trialRes.CommittedRows - len(overwritten)
	if inserted < 0 {
		inserted = 0
	}
	floor := start
	if seen := vres.MaxRowID(); seen > floor {
		floor = seen
	}
	boundary, probeErr := s.probeAndRecord(ctx, start+int64(inserted), floor)
	if probeErr == nil {
		result.TrialRowID = boundary
	}

	if !vres.Success {
		s.logger.Warnf("Trial verification found %d critical anomalies, rolling back", vres.Summary.Critical)
		rb, err := s.rollbackTrial(ctx, column, keys, overwritten, start)
		result.Rollback = rb
		if err != nil {
			if rb != nil {
				result.CommittedRows = trialRes.CommittedRows - int(rb.DeletedRows)
			}
			return failure.Ambiguousf("trial verification failed and rollback did not complete; check %s manually: %v", s.cfg.Table, err)
		}
		if probeErr != nil {
			w := fmt.Sprintf("row id boundary after the trial was not recorded: %v", probeErr)
			result.Warnings = append(result.Warnings, w)
			s.logger.Warn(w)
		}
		result.CommittedRows = 0
		result.State = SessionRolledBack
		return nil
	}
	if probeErr != nil {
		return probeErr
	}

	if len(rest) > 0 {
		res, err := s.importRows(ctx, "import", types.Rows(rest), boundary, column)
		result.Import = res
		if res != nil {
			result.CommittedRows += res.CommittedRows
		}
		if err != nil {
			return err
		}
	}

	result.State = SessionDone
	return nil
}

// splitTrial takes the first trial-size rows that carry a matching value as
// the trial. Rows without one can be neither verified nor rolled back, so
// they go with the remainder, which keeps file order.
func (s *Session) splitTrial(rows []types.SentRow, column string) (trial, rest []types.SentRow) {
	size := s.cfg.Import.TrialSize
	if size <= 0 || size > len(rows) {
		size = len(rows)
	}
	for _, sr := range rows {
		if len(trial) < size {
			val, _ := sr.Row.Lookup(column)
			if matching.Key(val) != "" {
				trial = append(trial, sr)
				continue
			}
		}
		rest = append(rest, sr)
	}
	return trial, rest
}

// existingKeys returns the keys that already have a row anywhere in the table.
func (s *Session) existingKeys(ctx context.Context, column string, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := s.dest.FetchRows(ctx, s.cfg.Table, remote.In(column, keys))
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(rows))
	for _, rr := range rows {
		val, _ := rr.Row.Lookup(column)
		present[matching.Key(val)] = true
	}
	var out []string
	for _, k := range keys {
		if present[k] {
			out = append(out, k)
		}
	}
	return out, nil
}

// rollbackTrial deletes the rows the trial inserted. Rows it updated in
// place cannot be restored by a delete; they are reported as remaining and
// the rollback is incomplete.
func (s *Session) rollbackTrial(ctx context.Context, column string, keys, overwritten []string, start int64) (*RollbackResult, error) {
	skip := make(map[string]bool, len(overwritten))
	for _, k := range overwritten {
		skip[k] = true
	}
	var inserted []string
	for _, k := range keys {
		if !skip[k] {
			inserted = append(inserted, k)
		}
	}

	rb := &RollbackResult{Success: true}
	var err error
	if len(inserted) > 0 {
		rb, err = s.rollback.Rollback(ctx, s.cfg.Table, column, inserted, start)
		if rb == nil {
			rb = &RollbackResult{RemainingValues: inserted}
		}
	}
	if len(overwritten) == 0 {
		return rb, err
	}

	rb.Success = false
	rb.RemainingValues = append(rb.RemainingValues, overwritten...)
	msg := fmt.Sprintf("%d rows were updated in place by the trial and cannot be restored", len(overwritten))
	if rb.ErrorMessage != "" {
		msg = rb.ErrorMessage + "; " + msg
	}
	rb.ErrorMessage = msg
	if err != nil {
		return rb, err
	}
	return rb, failure.Ambiguousf("%s", msg)
}

// resolveStart finds the table's row id boundary before anything is written
// and records it as probed. A probed or exact cursor also bounds the search
// from below, since those ids were issued even if their rows are gone.
func (s *Session) resolveStart(ctx context.Context) (int64, error) {
	next, err := s.cursors.EstimateStart(ctx, s.cfg.Table)
	if err != nil {
		return 0, fmt.Errorf("failed to read row cursor: %w", err)
	}
	if next == cursor.UnknownRowID {
		s.logger.Info("No row cursor recorded, probing from the start of the table")
		return s.probeAndRecord(ctx, 0, 0)
	}

	c, err := s.cursors.Get(ctx, s.cfg.Table)
	if err != nil {
		return 0, fmt.Errorf("failed to read row cursor: %w", err)
	}
	return s.probeAndRecord(ctx, next-1, c.IssuedFloor())
}

func (s *Session) probeAndRecord(ctx context.Context, estimate, floor int64) (int64, error) {
	res, err := s.prober.ProbeAbove(ctx, s.cfg.Table, estimate, floor)
	if err != nil {
		return 0, fmt.Errorf("failed to probe row id boundary: %w", err)
	}
	if !res.WithinTolerance {
		return 0, failure.Ambiguousf(
			"row id boundary of %s is more than %d ids from estimate %d; set it with 'importguard cursor resync'",
			s.cfg.Table, s.prober.Tolerance(), estimate)
	}
	if _, err := s.cursors.RecordAfterImport(ctx, s.cfg.Table, res.ResolvedRowID, cursor.ConfidenceProbed); err != nil {
		return 0, fmt.Errorf("failed to record row cursor: %w", err)
	}
	s.logger.Debugf("Row id boundary resolved to %d in %d checks", res.ResolvedRowID, res.Checks)
	return res.ResolvedRowID, nil
}

func (s *Session) importRows(ctx context.Context, phase string, rows []*types.Row, baseline int64, column string) (*ImportResult, error) {
	orch, err := NewChunkOrchestrator(s.cfg.Table, s.cfg.Policy, s.cursors, s.metrics, s.logger)
	if err != nil {
		return nil, err
	}
	orch.SetPhase(phase)
	orch.SetCursorBaseline(baseline)
	orch.SetCallTimeout(s.cfg.Import.CallTimeout())
	orch.SetProgressFunc(s.onProgress)

	var keys []string
	if column != "" {
		keys = []string{column}
	}
	return orch.Run(ctx, rows, s.cfg.Import.ChunkSize, func(ctx context.Context, chunk []*types.Row) (*remote.ImportOutcome, error) {
		return s.dest.ImportRows(ctx, s.cfg.Table, chunk, s.cfg.Mode, keys)
	})
}

func (s *Session) verifyTrial(ctx context.Context, sent []types.SentRow, column string, after int64) (*verifier.Result, error) {
	res, err := s.verifier.Verify(ctx, verifier.Request{
		Table:          s.cfg.Table,
		SentRows:       sent,
		MatchingColumn: column,
		Fetch:          s.fetcher(column),
		AfterRowID:     after,
	})
	if err != nil {
		return nil, err
	}
	for _, a := range res.Anomalies {
		s.metrics.Anomaly(s.cfg.Table, string(a.Type), string(a.Level))
	}
	return res, nil
}

func (s *Session) fetcher(column string) verifier.FetchFunc {
	return func(ctx context.Context, keys []string, afterRowID int64) ([]types.ReceivedRow, error) {
		return s.dest.FetchRows(ctx, s.cfg.Table, remote.Filter{Column: column, Values: keys, AfterRowID: afterRowID})
	}
}

// VerifyExisting compares rows against what the destination already holds,
// without importing anything. The whole table is searched.
func (s *Session) VerifyExisting(ctx context.Context, rows []types.SentRow) (*verifier.Result, matching.Result, error) {
	if len(rows) == 0 {
		return nil, matching.Result{}, failure.Preconditionf("no rows to verify")
	}
	sel, err := s.SelectColumn(ctx, rows)
	if err != nil {
		return nil, sel, err
	}
	res, err := s.verifyTrial(ctx, rows, sel.Selected, remote.NoRowBound)
	return res, sel, err
}

// RollbackExisting deletes the destination rows whose matching value appears
// in rows. A matching column is required.
func (s *Session) RollbackExisting(ctx context.Context, rows []types.SentRow) (*RollbackResult, matching.Result, error) {
	if len(rows) == 0 {
		return nil, matching.Result{}, failure.Preconditionf("no rows to roll back")
	}
	sel, err := s.SelectColumn(ctx, rows)
	if err != nil {
		return nil, sel, err
	}
	if !sel.HasColumn() {
		return nil, sel, failure.Preconditionf("no matching column for %s; rollback is unavailable", s.cfg.Table)
	}

	var res *RollbackResult
	op := func() error {
		var err error
		res, err = s.rollback.Rollback(ctx, s.cfg.Table, sel.Selected, verifier.SentKeys(rows, sel.Selected), remote.NoRowBound)
		return err
	}
	if s.lease != nil {
		err = lock.WithLease(ctx, s.lease, op)
	} else {
		err = op()
	}
	if err != nil || res == nil {
		return res, sel, err
	}

	// Rows without a key may or may not be in the table; nothing here can tell.
	if _, unkeyed := verifier.SplitKeyed(rows, sel.Selected); len(unkeyed) > 0 {
		for _, sr := range unkeyed {
			res.Unkeyed = append(res.Unkeyed, sr.Position)
		}
		res.Success = false
		res.ErrorMessage = fmt.Sprintf("%d rows have an empty %s value and could not be deleted by key", len(unkeyed), sel.Selected)
		s.logger.Warn(res.ErrorMessage)
		return res, sel, failure.Ambiguousf("rollback of %s incomplete: %s", s.cfg.Table, res.ErrorMessage)
	}
	return res, sel, nil
}
