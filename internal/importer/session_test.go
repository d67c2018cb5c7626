package importer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/importguard/internal/config"
	"github.com/dbsmedya/importguard/internal/cursor"
	"github.com/dbsmedya/importguard/internal/failure"
	"github.com/dbsmedya/importguard/internal/lock"
	"github.com/dbsmedya/importguard/internal/logger"
	"github.com/dbsmedya/importguard/internal/metrics"
	"github.com/dbsmedya/importguard/internal/remote"
	"github.com/dbsmedya/importguard/internal/types"
	"github.com/dbsmedya/importguard/internal/verifier"
)

func testSessionConfig() SessionConfig {
	return SessionConfig{
		Job:            "contacts",
		Table:          "contacts",
		MatchingColumn: "Email",
		Mode:           remote.ModeInsert,
		Import: config.ImportConfig{
			ChunkSize:  2,
			TrialSize:  2,
			SampleSize: 100,
		},
		Verification: config.VerificationConfig{
			TruncationThreshold: 5,
			MaxDateShiftHours:   24,
			FetchChunkSize:      100,
		},
		Tolerance: 10,
		Policy:    testPolicy(),
	}
}

func newTestSession(t *testing.T, cfg SessionConfig, dest remote.Destination, store cursor.Store, lease lock.Lease) *Session {
	t.Helper()
	s, err := NewSession(cfg, dest, store, lease, metrics.New(), logger.NewNop())
	require.NoError(t, err)
	return s
}

func truncateNames(r *types.Row) {
	v, _ := r.Get("Name")
	r.Set("Name", types.Text(v.String()[:2]))
}

func TestNewSession_Validation(t *testing.T) {
	dest := newFakeDestination(contactHeader...)
	store := cursor.NewMemoryStore()

	cfg := testSessionConfig()
	cfg.Table = ""
	_, err := NewSession(cfg, dest, store, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewSession(testSessionConfig(), nil, store, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewSession(testSessionConfig(), dest, nil, nil, nil, nil)
	assert.Error(t, err)

	cfg = testSessionConfig()
	cfg.Tolerance = 0
	_, err = NewSession(cfg, dest, store, nil, nil, nil)
	assert.Error(t, err)

	s, err := NewSession(testSessionConfig(), dest, store, nil, nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
}

func TestSession_Run_VerifiedImport(t *testing.T) {
	dest := newFakeDestination(contactHeader...)
	store := cursor.NewMemoryStore()
	reg := lock.NewRegistry()
	s := newTestSession(t, testSessionConfig(), dest, store, lock.NewMemoryLease(reg, "contacts", 0))

	var phases []string
	s.SetProgressFunc(func(p ChunkProgress) {
		if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
			phases = append(phases, p.Phase)
		}
	})

	res, err := s.Run(context.Background(), contacts(5))
	require.NoError(t, err)

	assert.Equal(t, SessionDone, res.State)
	assert.Equal(t, s.ID(), res.SessionID)
	assert.Equal(t, 5, res.TotalRows)
	assert.Equal(t, 5, res.CommittedRows)
	assert.Equal(t, "Email", res.Matching.Selected)
	assert.Equal(t, int64(0), res.StartRowID)
	assert.Equal(t, int64(2), res.TrialRowID)
	assert.True(t, res.Verified())
	assert.Equal(t, 2, res.Verification.CheckedRows)
	assert.Equal(t, 2, res.Trial.CommittedRows)
	assert.Equal(t, 3, res.Import.CommittedRows)
	assert.Nil(t, res.Rollback)
	assert.Equal(t, []string{"trial", "import"}, phases)

	assert.Equal(t, 5, dest.count())
	assert.False(t, reg.Held(lock.TableLockName("contacts")), "lease released")

	c, err := store.Get(context.Background(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.EstimatedMaxRowID)
}

func TestSession_Run_AutoDetectsColumn(t *testing.T) {
	dest := newFakeDestination(contactHeader...)
	cfg := testSessionConfig()
	cfg.MatchingColumn = ""
	s := newTestSession(t, cfg, dest, cursor.NewMemoryStore(), nil)

	res, err := s.Run(context.Background(), contacts(3))
	require.NoError(t, err)
	assert.Equal(t, "Email", res.Matching.Selected)
	assert.True(t, res.Matching.AutoDetected)
	assert.True(t, res.Verified())
}

func TestSession_Run_RollsBackFailedTrial(t *testing.T) {
	dest := newFakeDestination(contactHeader...)
	dest.mutate = truncateNames
	store := cursor.NewMemoryStore()
	s := newTestSession(t, testSessionConfig(), dest, store, nil)

	res, err := s.Run(context.Background(), contacts(6))
	require.NoError(t, err)

	assert.Equal(t, SessionRolledBack, res.State)
	assert.Equal(t, 0, res.CommittedRows)
	require.NotNil(t, res.Verification)
	assert.False(t, res.Verification.Success)
	assert.Equal(t, 2, res.Verification.Summary.Critical)
	for _, a := range res.Verification.Anomalies {
		assert.Equal(t, verifier.AnomalyTruncation, a.Type)
	}
	require.NotNil(t, res.Rollback)
	assert.True(t, res.Rollback.Success)
	assert.Equal(t, int64(2), res.Rollback.DeletedRows)
	assert.Nil(t, res.Import, "the remainder is never sent")
	assert.Equal(t, 1, dest.importCalls)
	assert.Equal(t, 0, dest.count())
}

func TestSession_Run_PreexistingRowsAreOutsideTheTrial(t *testing.T) {
	sent := contacts(2)
	dest := newFakeDestination(contactHeader...)
	dest.seed(sent[0].Row, contacts(4)[3].Row, contacts(5)[4].Row) // ids 1..3
	dest.mutate = truncateNames
	s := newTestSession(t, testSessionConfig(), dest, cursor.NewMemoryStore(), nil)

	res, err := s.Run(context.Background(), sent)
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.StartRowID)
	assert.Equal(t, SessionRolledBack, res.State)
	for _, a := range res.Verification.Anomalies {
		assert.NotEqual(t, verifier.AnomalyExtraRow, a.Type, "rows before the trial are not fetched")
	}
	assert.Equal(t, int64(3), dest.lastDelete.AfterRowID)
	assert.Equal(t, 3, dest.count(), "only trial rows are deleted")
}

func TestSession_Run_FailedRollbackIsAmbiguous(t *testing.T) {
	dest := newFakeDestination(contactHeader...)
	dest.mutate = truncateNames
	dest.deleteErr = failure.Transient(errors.New("timeout"))
	s := newTestSession(t, testSessionConfig(), dest, cursor.NewMemoryStore(), nil)

	res, err := s.Run(context.Background(), contacts(4))
	require.Error(t, err)
	assert.Equal(t, failure.KindAmbiguous, failure.KindOf(err))
	assert.Equal(t, SessionAborted, res.State)
	assert.Equal(t, 2, res.CommittedRows, "trial rows are still committed")
	require.NotNil(t, res.Rollback)
	assert.Len(t, res.Rollback.RemainingValues, 2)
}

func TestSession_Run_NoMatchingColumn(t *testing.T) {
	rows := []types.SentRow{
		{Row: types.RowFromStrings(contactHeader, []string{"same@x.io", "Same"}), Position: 1},
		{Row: types.RowFromStrings(contactHeader, []string{"same@x.io", "Same"}), Position: 2},
		{Row: types.RowFromStrings(contactHeader, []string{"same@x.io", "Same"}), Position: 3},
	}

	t.Run("required", func(t *testing.T) {
		dest := newFakeDestination(contactHeader...)
		cfg := testSessionConfig()
		cfg.MatchingColumn = ""
		cfg.Verification.RequireMatchingColumn = true
		s := newTestSession(t, cfg, dest, cursor.NewMemoryStore(), nil)

		res, err := s.Run(context.Background(), rows)
		require.Error(t, err)
		assert.Nil(t, res)
		assert.Equal(t, failure.KindPrecondition, failure.KindOf(err))
		assert.Equal(t, 0, dest.importCalls)
	})

	t.Run("degraded", func(t *testing.T) {
		dest := newFakeDestination(contactHeader...)
		cfg := testSessionConfig()
		cfg.MatchingColumn = ""
		s := newTestSession(t, cfg, dest, cursor.NewMemoryStore(), nil)

		res, err := s.Run(context.Background(), rows)
		require.NoError(t, err)
		assert.Equal(t, SessionDone, res.State)
		assert.Equal(t, 3, res.CommittedRows)
		assert.Nil(t, res.Verification)
		assert.False(t, res.Verified())
		assert.NotEmpty(t, res.Warnings)
		assert.Equal(t, 0, dest.fetchCalls)
	})
}

func TestSession_Run_SkipVerification(t *testing.T) {
	dest := newFakeDestination(contactHeader...)
	dest.mutate = truncateNames
	cfg := testSessionConfig()
	cfg.Verification.SkipVerification = true
	s := newTestSession(t, cfg, dest, cursor.NewMemoryStore(), nil)

	res, err := s.Run(context.Background(), contacts(3))
	require.NoError(t, err)
	assert.Equal(t, SessionDone, res.State)
	assert.Equal(t, 3, res.CommittedRows)
	assert.Contains(t, res.Warnings, "verification skipped by configuration")
	assert.Equal(t, 0, dest.fetchCalls)
}

func TestSession_Run_ProbeOutsideTolerance(t *testing.T) {
	dest := newFakeDestination(contactHeader...)
	dest.seed(types.Rows(contacts(3))...)
	store := cursor.NewMemoryStore()
	_, err := store.RecordAfterImport(context.Background(), "contacts", 100, cursor.ConfidenceEstimated)
	require.NoError(t, err)

	s := newTestSession(t, testSessionConfig(), dest, store, nil)
	res, err := s.Run(context.Background(), contacts(2))
	require.Error(t, err)
	assert.Equal(t, failure.KindAmbiguous, failure.KindOf(err))
	assert.Contains(t, err.Error(), "cursor resync")
	assert.Equal(t, SessionAborted, res.State)
	assert.Equal(t, 0, dest.importCalls)
}

func TestSession_Run_LeaseHeld(t *testing.T) {
	dest := newFakeDestination(contactHeader...)
	reg := lock.NewRegistry()
	other := lock.NewMemoryLease(reg, "contacts", 0)
	require.NoError(t, other.Acquire(context.Background()))
	defer func() { _ = other.Release(context.Background()) }()

	s := newTestSession(t, testSessionConfig(), dest, cursor.NewMemoryStore(), lock.NewMemoryLease(reg, "contacts", 0))
	res, err := s.Run(context.Background(), contacts(2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, lock.ErrLeaseHeld))
	assert.Equal(t, SessionAborted, res.State)
	assert.Equal(t, 0, dest.importCalls)
}

func TestSession_Run_TrialRejected(t *testing.T) {
	dest := newFakeDestination(contactHeader...)
	dest.reject = true
	s := newTestSession(t, testSessionConfig(), dest, cursor.NewMemoryStore(), nil)

	res, err := s.Run(context.Background(), contacts(4))
	require.Error(t, err)
	assert.Equal(t, failure.KindRejected, failure.KindOf(err))
	assert.Equal(t, SessionAborted, res.State)
	assert.Equal(t, 0, res.CommittedRows)
	assert.Contains(t, res.ErrorMessage, "trial import failed")
}

func TestSession_Run_EmptyRows(t *testing.T) {
	s := newTestSession(t, testSessionConfig(), newFakeDestination(contactHeader...), cursor.NewMemoryStore(), nil)
	_, err := s.Run(context.Background(), nil)
	assert.Equal(t, failure.KindPrecondition, failure.KindOf(err))
}

func TestSession_VerifyExisting(t *testing.T) {
	sent := contacts(3)
	dest := newFakeDestination(contactHeader...)
	dest.seed(sent[0].Row, sent[1].Row)
	s := newTestSession(t, testSessionConfig(), dest, cursor.NewMemoryStore(), nil)

	res, sel, err := s.VerifyExisting(context.Background(), sent)
	require.NoError(t, err)
	assert.Equal(t, "Email", sel.Selected)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.MatchedRows)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, verifier.AnomalyMissingRow, res.Anomalies[0].Type)
	assert.Equal(t, 3, res.Anomalies[0].RowIndex)
	assert.Equal(t, 0, dest.importCalls)
}

func TestSession_RollbackExisting(t *testing.T) {
	sent := contacts(3)
	dest := newFakeDestination(contactHeader...)
	dest.seed(types.Rows(sent)...)
	reg := lock.NewRegistry()
	s := newTestSession(t, testSessionConfig(), dest, cursor.NewMemoryStore(), lock.NewMemoryLease(reg, "contacts", 0))

	res, sel, err := s.RollbackExisting(context.Background(), sent)
	require.NoError(t, err)
	assert.Equal(t, "Email", sel.Selected)
	assert.True(t, res.Success)
	assert.Equal(t, int64(3), res.DeletedRows)
	assert.Equal(t, remote.NoRowBound, dest.lastDelete.AfterRowID)
	assert.Equal(t, 0, dest.count())
	assert.False(t, reg.Held(lock.TableLockName("contacts")))
}

func TestSession_Run_AfterRolledBackTrial(t *testing.T) {
	dest := newFakeDestination(contactHeader...)
	dest.seed(types.Rows(contacts(9)[7:])...) // ids 1..2
	dest.mutate = truncateNames
	store := cursor.NewMemoryStore()
	cfg := testSessionConfig()
	cfg.Import.TrialSize = 3

	first, err := newTestSession(t, cfg, dest, store, nil).Run(context.Background(), contacts(5))
	require.NoError(t, err)
	require.Equal(t, SessionRolledBack, first.State)
	assert.Equal(t, int64(2), first.StartRowID)
	assert.Equal(t, int64(5), first.TrialRowID)
	assert.Equal(t, 2, dest.count())

	// Ids 3..5 are gone but were issued; the next rows get 6 onwards.
	dest.mutate = nil
	second, err := newTestSession(t, cfg, dest, store, nil).Run(context.Background(), contacts(5))
	require.NoError(t, err)
	assert.Equal(t, SessionDone, second.State)
	assert.Equal(t, int64(5), second.StartRowID)
	assert.Equal(t, int64(8), second.TrialRowID)
	assert.Equal(t, 5, second.CommittedRows)
	assert.True(t, second.Verified())
	assert.Equal(t, 7, dest.count())

	c, err := store.Get(context.Background(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, int64(10), c.EstimatedMaxRowID)
}

func contactsWithoutEmail(n int, positions ...int) []types.SentRow {
	rows := contacts(n)
	for _, pos := range positions {
		rows[pos-1].Row.Set("Email", types.Text(""))
	}
	return rows
}

func TestSession_Run_UnkeyedRowsStayOutOfTheTrial(t *testing.T) {
	t.Run("rolled back", func(t *testing.T) {
		dest := newFakeDestination(contactHeader...)
		dest.mutate = truncateNames
		s := newTestSession(t, testSessionConfig(), dest, cursor.NewMemoryStore(), nil)

		res, err := s.Run(context.Background(), contactsWithoutEmail(6, 2))
		require.NoError(t, err)
		assert.Equal(t, SessionRolledBack, res.State)
		assert.Equal(t, 0, res.CommittedRows)
		assert.Equal(t, 0, dest.count(), "nothing unreachable was sent")
		require.Len(t, res.Verification.ComparedRows, 2)
		assert.Equal(t, 1, res.Verification.ComparedRows[0].Position)
		assert.Equal(t, 3, res.Verification.ComparedRows[1].Position)
		assert.True(t, res.Rollback.Success)
		assert.Contains(t, res.Warnings, "1 rows have an empty Email value; they are imported after the trial and cannot be verified or rolled back")
	})

	t.Run("imported with the remainder", func(t *testing.T) {
		dest := newFakeDestination(contactHeader...)
		s := newTestSession(t, testSessionConfig(), dest, cursor.NewMemoryStore(), nil)

		res, err := s.Run(context.Background(), contactsWithoutEmail(6, 2))
		require.NoError(t, err)
		assert.Equal(t, SessionDone, res.State)
		assert.Equal(t, 2, res.Trial.CommittedRows)
		assert.Equal(t, 4, res.Import.CommittedRows)
		assert.Equal(t, 6, res.CommittedRows)
		assert.Equal(t, 6, dest.count())
	})
}

func upsertConfig() SessionConfig {
	cfg := testSessionConfig()
	cfg.Mode = remote.ModeUpsert
	return cfg
}

func withName(rows []types.SentRow, name string) []*types.Row {
	out := make([]*types.Row, len(rows))
	for i, sr := range rows {
		out[i] = cloneRow(sr.Row)
		out[i].Set("Name", types.Text(name))
	}
	return out
}

func TestSession_Run_UpsertVerifiesUpdatedRows(t *testing.T) {
	dest := newFakeDestination(contactHeader...)
	dest.seed(withName(contacts(2), "Old Name")...)
	s := newTestSession(t, upsertConfig(), dest, cursor.NewMemoryStore(), nil)

	res, err := s.Run(context.Background(), contacts(4))
	require.NoError(t, err)
	assert.Equal(t, SessionDone, res.State)
	assert.True(t, res.Verified())
	assert.Equal(t, 2, res.Verification.MatchedRows)
	assert.Empty(t, res.Verification.Anomalies)
	assert.Equal(t, int64(2), res.TrialRowID, "updates do not move the boundary")
	assert.Equal(t, 4, dest.count())
	assert.Equal(t, []string{"Ada Lovelace", "Grace Hopper", "Alan Turing", "Edsger Dijkstra"}, dest.values("Name"))
}

func TestSession_Run_UpsertOverwritesCannotBeRolledBack(t *testing.T) {
	dest := newFakeDestination(contactHeader...)
	dest.seed(withName(contacts(4), "Old Name")...)
	dest.mutate = truncateNames
	s := newTestSession(t, upsertConfig(), dest, cursor.NewMemoryStore(), nil)

	res, err := s.Run(context.Background(), contacts(4))
	require.Error(t, err)
	assert.Equal(t, failure.KindAmbiguous, failure.KindOf(err))
	assert.Equal(t, SessionAborted, res.State)
	assert.Equal(t, 2, res.CommittedRows, "updated rows stay changed")

	for _, a := range res.Verification.Anomalies {
		assert.Equal(t, verifier.AnomalyTruncation, a.Type, "updated rows are found, not missing")
	}
	require.NotNil(t, res.Rollback)
	assert.False(t, res.Rollback.Success)
	assert.Equal(t, verifier.SentKeys(contacts(2), "Email"), res.Rollback.RemainingValues)
	assert.Contains(t, res.Rollback.ErrorMessage, "updated in place")
	assert.Equal(t, 0, dest.deleteCalls)
	assert.Nil(t, res.Import)
}

func TestSession_Run_UpsertRollbackDeletesOnlyInserts(t *testing.T) {
	sent := contacts(3)
	dest := newFakeDestination(contactHeader...)
	dest.seed(withName(sent[:1], "Old Name")...) // id 1
	dest.mutate = truncateNames
	s := newTestSession(t, upsertConfig(), dest, cursor.NewMemoryStore(), nil)

	res, err := s.Run(context.Background(), sent)
	require.Error(t, err)
	assert.Equal(t, failure.KindAmbiguous, failure.KindOf(err))
	require.NotNil(t, res.Rollback)
	assert.Equal(t, int64(1), res.Rollback.DeletedRows)
	assert.Equal(t, []string{"lovelacea@x.io"}, res.Rollback.RemainingValues)
	assert.Equal(t, []string{"hopperb@x.io"}, dest.lastDelete.Values)
	assert.Equal(t, int64(1), dest.lastDelete.AfterRowID)
	assert.Equal(t, 1, res.CommittedRows)
	assert.Equal(t, 1, dest.count())
}

func TestSession_RollbackExisting_UnkeyedRowsAreReported(t *testing.T) {
	sent := contactsWithoutEmail(4, 3)
	dest := newFakeDestination(contactHeader...)
	dest.seed(types.Rows(sent)...)
	s := newTestSession(t, testSessionConfig(), dest, cursor.NewMemoryStore(), nil)

	res, _, err := s.RollbackExisting(context.Background(), sent)
	require.Error(t, err)
	assert.Equal(t, failure.KindAmbiguous, failure.KindOf(err))
	assert.False(t, res.Success)
	assert.Equal(t, int64(3), res.DeletedRows)
	assert.Equal(t, []int{3}, res.Unkeyed)
	assert.Equal(t, 1, dest.count(), "the row without an email is still there")
}
