// Package importer drives an import session: chunked sending, cursor
// upkeep, trial verification and rollback.
package importer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dbsmedya/importguard/internal/cursor"
	"github.com/dbsmedya/importguard/internal/failure"
	"github.com/dbsmedya/importguard/internal/logger"
	"github.com/dbsmedya/importguard/internal/metrics"
	"github.com/dbsmedya/importguard/internal/remote"
	"github.com/dbsmedya/importguard/internal/retry"
	"github.com/dbsmedya/importguard/internal/types"
)

// State is the orchestrator's position in the chunk state machine.
type State string

const (
	StateIdle         State = "idle"
	StateChunkSending State = "chunk-sending"
	StateChunkSuccess State = "chunk-success"
	StateChunkFailed  State = "chunk-failed"
	StateDone         State = "done"
	StateAborted      State = "aborted"
)

// ChunkPosition is the 1-based index of the chunk in flight.
type ChunkPosition struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// ChunkProgress is published after every state change. Current counts rows
// confirmed by the destination and never decreases.
type ChunkProgress struct {
	Phase      string         `json:"phase"`
	Current    int            `json:"current"`
	Total      int            `json:"total"`
	Chunk      *ChunkPosition `json:"chunk,omitempty"`
	Percentage float64        `json:"percentage"`
}

// ProgressFunc receives progress snapshots. It runs on the orchestrator's
// goroutine and must not block.
type ProgressFunc func(ChunkProgress)

// ImportFunc sends one chunk as a single remote call.
type ImportFunc func(ctx context.Context, chunk []*types.Row) (*remote.ImportOutcome, error)

// RowRange is an inclusive 1-based range of rows within the run.
type RowRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// ImportResult reports a run. On abort, CommittedRows is exactly the number
// of rows the destination confirmed before the failure.
type ImportResult struct {
	State           State         `json:"state"`
	TotalRows       int           `json:"totalRows"`
	CommittedRows   int           `json:"committedRows"`
	ChunksTotal     int           `json:"chunksTotal"`
	ChunksSucceeded int           `json:"chunksSucceeded"`
	FailedChunk     int           `json:"failedChunk,omitempty"`
	FailedRange     *RowRange     `json:"failedRange,omitempty"`
	Attempts        int           `json:"attempts"`
	ErrorKind       string        `json:"errorKind,omitempty"`
	ErrorMessage    string        `json:"errorMessage,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// ChunkOrchestrator sends rows to one destination table in fixed-size
// chunks, strictly in order.
type ChunkOrchestrator struct {
	table       string
	policy      retry.Policy
	callTimeout time.Duration
	cursors     cursor.Store
	baseline    int64
	phase       string
	onProgress  ProgressFunc
	metrics     *metrics.Recorder
	logger      *logger.Logger

	mu       sync.Mutex
	state    State
	progress ChunkProgress
}

// NewChunkOrchestrator creates an orchestrator for table. cursors may be nil,
// in which case no cursor is advanced.
func NewChunkOrchestrator(table string, policy retry.Policy, cursors cursor.Store, rec *metrics.Recorder, log *logger.Logger) (*ChunkOrchestrator, error) {
	if table == "" {
		return nil, fmt.Errorf("table is empty")
	}
	if err := policy.Verify(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if log == nil {
		log = logger.NewDefault()
	}

	return &ChunkOrchestrator{
		table:    table,
		policy:   policy,
		cursors:  cursors,
		baseline: cursor.UnknownRowID,
		phase:    "import",
		metrics:  rec,
		logger:   log.WithTable(table),
		state:    StateIdle,
	}, nil
}

// SetCallTimeout bounds each remote import call. Zero means no bound.
func (o *ChunkOrchestrator) SetCallTimeout(d time.Duration) {
	o.callTimeout = d
}

// SetCursorBaseline sets the resolved row id boundary before the run. After
// each chunk the cursor is advanced to baseline plus committed rows with
// estimated confidence. A negative baseline disables cursor updates.
func (o *ChunkOrchestrator) SetCursorBaseline(rowID int64) {
	o.baseline = rowID
}

// SetPhase labels progress snapshots.
func (o *ChunkOrchestrator) SetPhase(phase string) {
	o.phase = phase
}

// SetProgressFunc registers a progress observer.
func (o *ChunkOrchestrator) SetProgressFunc(fn ProgressFunc) {
	o.onProgress = fn
}

// Progress returns the latest progress snapshot.
func (o *ChunkOrchestrator) Progress() ChunkProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.progress
	if p.Chunk != nil {
		c := *p.Chunk
		p.Chunk = &c
	}
	return p
}

// State returns the current state.
func (o *ChunkOrchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *ChunkOrchestrator) publish(state State, processed, total int, chunk *ChunkPosition) {
	pct := 0.0
	if total > 0 {
		pct = float64(processed) * 100 / float64(total)
	}

	o.mu.Lock()
	o.state = state
	o.progress = ChunkProgress{
		Phase:      o.phase,
		Current:    processed,
		Total:      total,
		Chunk:      chunk,
		Percentage: pct,
	}
	snapshot := o.progress
	o.mu.Unlock()

	if o.onProgress != nil {
		o.onProgress(snapshot)
	}
}

// Run sends rows in chunks of chunkSize. Transient chunk failures are
// retried under the policy; any other failure, or exhausted retries, aborts
// the run. Cancellation is honored between chunks: the chunk in flight
// always completes. On abort both a result and an error are returned.
func (o *ChunkOrchestrator) Run(ctx context.Context, rows []*types.Row, chunkSize int, importFn ImportFunc) (*ImportResult, error) {
	if chunkSize <= 0 {
		return nil, failure.Preconditionf("chunk size must be > 0, got %d", chunkSize)
	}
	if len(rows) == 0 {
		return nil, failure.Preconditionf("no rows to import")
	}
	if importFn == nil {
		return nil, failure.Preconditionf("import function is nil")
	}

	start := time.Now()
	total := len(rows)
	chunks := (total + chunkSize - 1) / chunkSize
	res := &ImportResult{TotalRows: total, ChunksTotal: chunks}

	o.logger.Infof("Importing %d rows in %d chunks of %d (%s)", total, chunks, chunkSize, o.phase)
	o.publish(StateIdle, 0, total, nil)

	for i := 0; i < chunks; i++ {
		first := i * chunkSize
		last := first + chunkSize
		if last > total {
			last = total
		}
		pos := &ChunkPosition{Current: i + 1, Total: chunks}
		chunkLog := o.logger.WithChunk(i+1, chunks)

		if err := ctx.Err(); err != nil {
			chunkLog.Warnf("Import interrupted before chunk %d: %d rows committed", i+1, res.CommittedRows)
			return o.abort(res, start, i+1, first, last, fmt.Errorf("import interrupted after %d committed rows: %w", res.CommittedRows, err))
		}

		o.publish(StateChunkSending, res.CommittedRows, total, pos)
		chunk := rows[first:last]

		attempts, err := o.send(ctx, chunkLog, chunk, importFn)
		res.Attempts += attempts
		if err != nil {
			o.publish(StateChunkFailed, res.CommittedRows, total, pos)
			o.metrics.ChunkSent(o.table, "failed")
			chunkLog.Errorf("Chunk %d (rows %d-%d) failed after %d attempts: %v", i+1, first+1, last, attempts, err)
			return o.abort(res, start, i+1, first, last,
				fmt.Errorf("chunk %d (rows %d-%d) failed, %d rows committed: %w", i+1, first+1, last, res.CommittedRows, err))
		}

		res.CommittedRows += len(chunk)
		res.ChunksSucceeded++
		o.metrics.ChunkSent(o.table, "success")
		o.metrics.RowsCommitted(o.table, len(chunk))
		o.publish(StateChunkSuccess, res.CommittedRows, total, pos)
		chunkLog.Debugf("Chunk %d committed %d rows (%d/%d)", i+1, len(chunk), res.CommittedRows, total)

		o.advanceCursor(ctx, res.CommittedRows)
	}

	res.State = StateDone
	res.Duration = time.Since(start)
	o.publish(StateDone, res.CommittedRows, total, nil)
	o.logger.Infof("Import complete: %d rows in %d chunks, duration: %s", res.CommittedRows, res.ChunksSucceeded, res.Duration)
	return res, nil
}

// send performs one chunk call with retries. The call itself runs detached
// from ctx so a cancellation cannot interrupt a write already in progress;
// ctx still stops further retries.
func (o *ChunkOrchestrator) send(ctx context.Context, log *logger.Logger, chunk []*types.Row, importFn ImportFunc) (int, error) {
	return o.policy.Do(ctx, func(ctx context.Context) error {
		callCtx := context.WithoutCancel(ctx)
		if o.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, o.callTimeout)
			defer cancel()
		}

		out, err := importFn(callCtx, chunk)
		if err != nil {
			return err
		}
		return remote.CheckOutcome(out, len(chunk))
	}, func(attempt int, err error, wait time.Duration) {
		o.metrics.ChunkRetried(o.table)
		log.Warnf("Chunk attempt %d failed: %v, retrying in %s", attempt, err, wait)
	})
}

func (o *ChunkOrchestrator) abort(res *ImportResult, start time.Time, chunk, first, last int, err error) (*ImportResult, error) {
	res.State = StateAborted
	res.FailedChunk = chunk
	res.FailedRange = &RowRange{First: first + 1, Last: last}
	res.ErrorKind = failure.KindOf(err).String()
	res.ErrorMessage = err.Error()
	res.Duration = time.Since(start)
	o.publish(StateAborted, res.CommittedRows, res.TotalRows, nil)
	return res, err
}

func (o *ChunkOrchestrator) advanceCursor(ctx context.Context, committed int) {
	if o.cursors == nil || o.baseline < 0 {
		return
	}
	// The rows are already committed; a cursor write failure only costs a
	// wider probe next time.
	writeCtx := context.WithoutCancel(ctx)
	if _, err := o.cursors.RecordAfterImport(writeCtx, o.table, o.baseline+int64(committed), cursor.ConfidenceEstimated); err != nil {
		o.logger.Warnf("Failed to advance row cursor: %v", err)
	}
}
