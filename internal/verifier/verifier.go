// Package verifier reconciles the rows sent to a destination with the rows
// read back from it and classifies every discrepancy.
package verifier

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dbsmedya/importguard/internal/logger"
	"github.com/dbsmedya/importguard/internal/matching"
	"github.com/dbsmedya/importguard/internal/types"
)

// AnomalyType names the kind of discrepancy found.
type AnomalyType string

const (
	AnomalyMissingRow    AnomalyType = "missing-row"
	AnomalyValueMismatch AnomalyType = "value-mismatch"
	AnomalyTypeCoercion  AnomalyType = "type-coercion"
	AnomalyTruncation    AnomalyType = "truncation"
	AnomalyDateShift     AnomalyType = "date-shift"
	AnomalyExtraRow      AnomalyType = "extra-row"
	AnomalyUnkeyedRow    AnomalyType = "unkeyed-row"
)

// Level is the severity of an anomaly. Only critical anomalies fail a verification.
type Level string

const (
	LevelCritical Level = "critical"
	LevelWarning  Level = "warning"
)

// DefaultChunkSize is the number of matching keys requested per fetch.
const DefaultChunkSize = 500

// Anomaly is one detected discrepancy. RowIndex is the 1-based position of
// the sent row in the source file, or 0 for extra rows.
type Anomaly struct {
	RowIndex      int         `json:"rowIndex"`
	Column        string      `json:"column"`
	SentValue     string      `json:"sentValue"`
	ReceivedValue string      `json:"receivedValue"`
	Type          AnomalyType `json:"type"`
	Level         Level       `json:"level"`
}

// ComparedColumn is the per-column outcome for a compared row.
type ComparedColumn struct {
	Name          string `json:"name"`
	SentValue     string `json:"sentValue"`
	ReceivedValue string `json:"receivedValue"`
	Match         bool   `json:"match"`
}

// ComparedRow joins one sent row to the received row paired with it, if any.
type ComparedRow struct {
	Position int              `json:"position"`
	Key      string           `json:"key"`
	Found    bool             `json:"found"`
	RowID    int64            `json:"rowId,omitempty"`
	Columns  []ComparedColumn `json:"columns"`
}

// Summary counts anomalies by level.
type Summary struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
}

// Result is the aggregate verification outcome.
type Result struct {
	Performed    bool          `json:"performed"`
	Success      bool          `json:"success"`
	CheckedRows  int           `json:"checkedRows"`
	MatchedRows  int           `json:"matchedRows"`
	Anomalies    []Anomaly     `json:"anomalies"`
	ComparedRows []ComparedRow `json:"comparedRows"`
	Summary      Summary       `json:"summary"`
	// Unkeyed lists positions of sent rows with an empty matching value;
	// they cannot be located remotely and are not checked.
	Unkeyed  []int         `json:"unkeyed,omitempty"`
	Duration time.Duration `json:"duration"`
}

// FetchFunc reads back the destination rows whose matching column holds one
// of keys. afterRowID bounds the read to rows with a greater row id; a
// negative value means no bound.
type FetchFunc func(ctx context.Context, keys []string, afterRowID int64) ([]types.ReceivedRow, error)

// Request describes one verification.
type Request struct {
	Table          string
	SentRows       []types.SentRow
	MatchingColumn string
	Fetch          FetchFunc
	AfterRowID     int64
}

// Verifier compares sent and received rows.
type Verifier struct {
	thresholds Thresholds
	chunkSize  int
	logger     *logger.Logger
}

// NewVerifier creates a verifier with the given severity thresholds.
func NewVerifier(th Thresholds, log *logger.Logger) (*Verifier, error) {
	if th.TruncationChars < 0 {
		return nil, fmt.Errorf("truncation threshold must be >= 0, got %d", th.TruncationChars)
	}
	if th.MaxDateShift < 0 {
		return nil, fmt.Errorf("max date shift must be >= 0, got %s", th.MaxDateShift)
	}
	if log == nil {
		log = logger.NewDefault()
	}

	return &Verifier{
		thresholds: th,
		chunkSize:  DefaultChunkSize,
		logger:     log,
	}, nil
}

// SetChunkSize sets the number of keys requested per fetch.
func (v *Verifier) SetChunkSize(size int) {
	if size > 0 {
		v.chunkSize = size
	}
}

// GetChunkSize returns the current fetch chunk size.
func (v *Verifier) GetChunkSize() int {
	return v.chunkSize
}

// SetLogger sets the logger.
func (v *Verifier) SetLogger(log *logger.Logger) {
	v.logger = log
}

// Verify fetches the received rows for every sent key and compares them.
// Without a matching column nothing can be located and the result reports
// Performed=false; that is not an error.
func (v *Verifier) Verify(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	log := v.logger.WithTable(req.Table)

	if req.MatchingColumn == "" {
		log.Warn("Verification not performed: no matching column")
		return &Result{Duration: time.Since(start)}, nil
	}
	if req.Fetch == nil {
		return nil, fmt.Errorf("fetch function is nil")
	}

	keyed, keys, unkeyed := v.extractKeys(req)
	if len(unkeyed) > 0 {
		log.Warnf("%d sent rows have an empty %s value and cannot be verified", len(unkeyed), req.MatchingColumn)
	}

	received, err := v.fetchAll(ctx, req, keys)
	if err != nil {
		return nil, err
	}

	res := v.reconcile(req.MatchingColumn, keyed, received)
	res.Unkeyed = unkeyed
	for _, pos := range unkeyed {
		res.add(Anomaly{RowIndex: pos, Column: req.MatchingColumn, Type: AnomalyUnkeyedRow, Level: LevelWarning})
	}
	res.Duration = time.Since(start)

	log.Infof("Verification of %d rows: %d matched, %d critical, %d warnings",
		res.CheckedRows, res.MatchedRows, res.Summary.Critical, res.Summary.Warning)
	return res, nil
}

type keyedRow struct {
	sent types.SentRow
	key  string
}

// extractKeys returns the keyed rows in position order, the distinct keys in
// first-seen order, and the positions of rows without a key.
func (v *Verifier) extractKeys(req Request) ([]keyedRow, []string, []int) {
	rows := make([]types.SentRow, len(req.SentRows))
	copy(rows, req.SentRows)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })

	var keyed []keyedRow
	var keys []string
	var unkeyed []int
	seen := make(map[string]bool)

	for _, sr := range rows {
		val, _ := sr.Row.Lookup(req.MatchingColumn)
		key := matching.Key(val)
		if key == "" {
			unkeyed = append(unkeyed, sr.Position)
			continue
		}
		keyed = append(keyed, keyedRow{sent: sr, key: key})
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keyed, keys, unkeyed
}

func (v *Verifier) fetchAll(ctx context.Context, req Request, keys []string) ([]types.ReceivedRow, error) {
	var all []types.ReceivedRow
	for start := 0; start < len(keys); start += v.chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("verification interrupted: %w", err)
		}

		end := start + v.chunkSize
		if end > len(keys) {
			end = len(keys)
		}

		rows, err := req.Fetch(ctx, keys[start:end], req.AfterRowID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch received rows for %s: %w", req.Table, err)
		}
		v.logger.Debugf("Fetched %d received rows for keys %d-%d of %d", len(rows), start+1, end, len(keys))
		all = append(all, rows...)
	}
	return all, nil
}

// reconcile pairs keyed rows with received rows. Several sent rows with the
// same key pair with received rows of that key in row id order.
func (v *Verifier) reconcile(column string, keyed []keyedRow, received []types.ReceivedRow) *Result {
	ordered := make([]types.ReceivedRow, len(received))
	copy(ordered, received)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].RowID < ordered[j].RowID })

	queues := make(map[string][]int)
	for i, rr := range ordered {
		val, _ := rr.Row.Lookup(column)
		key := matching.Key(val)
		queues[key] = append(queues[key], i)
	}
	used := make([]bool, len(ordered))

	res := &Result{
		Performed:    true,
		Anomalies:    []Anomaly{},
		ComparedRows: make([]ComparedRow, 0, len(keyed)),
	}

	for _, kr := range keyed {
		res.CheckedRows++
		queue := queues[kr.key]
		if len(queue) == 0 {
			res.ComparedRows = append(res.ComparedRows, v.missing(kr))
			res.add(Anomaly{
				RowIndex:  kr.sent.Position,
				Column:    column,
				SentValue: kr.key,
				Type:      AnomalyMissingRow,
				Level:     LevelCritical,
			})
			continue
		}

		idx := queue[0]
		queues[kr.key] = queue[1:]
		used[idx] = true
		res.MatchedRows++

		cr, anomalies := v.compareRow(kr, ordered[idx])
		res.ComparedRows = append(res.ComparedRows, cr)
		for _, a := range anomalies {
			res.add(a)
		}
	}

	for i, rr := range ordered {
		if used[i] {
			continue
		}
		val, _ := rr.Row.Lookup(column)
		res.add(Anomaly{
			Column:        column,
			ReceivedValue: val.String(),
			Type:          AnomalyExtraRow,
			Level:         LevelWarning,
		})
	}

	res.Success = res.Summary.Critical == 0
	return res
}

func (v *Verifier) missing(kr keyedRow) ComparedRow {
	cr := ComparedRow{Position: kr.sent.Position, Key: kr.key}
	for _, col := range kr.sent.Row.Columns() {
		sv, _ := kr.sent.Row.Get(col)
		cr.Columns = append(cr.Columns, ComparedColumn{Name: col, SentValue: sv.String()})
	}
	return cr
}

// compareRow compares every sent column. A column absent from the received
// row counts as null.
func (v *Verifier) compareRow(kr keyedRow, rr types.ReceivedRow) (ComparedRow, []Anomaly) {
	cr := ComparedRow{Position: kr.sent.Position, Key: kr.key, Found: true, RowID: rr.RowID}
	var anomalies []Anomaly

	for _, col := range kr.sent.Row.Columns() {
		sv, _ := kr.sent.Row.Get(col)
		rv, _ := rr.Row.Lookup(col)

		out := classify(sv, rv, v.thresholds)
		cr.Columns = append(cr.Columns, ComparedColumn{
			Name:          col,
			SentValue:     sv.String(),
			ReceivedValue: rv.String(),
			Match:         out.match,
		})
		if out.match {
			continue
		}
		anomalies = append(anomalies, Anomaly{
			RowIndex:      kr.sent.Position,
			Column:        col,
			SentValue:     sv.String(),
			ReceivedValue: rv.String(),
			Type:          out.typ,
			Level:         out.level,
		})
	}
	return cr, anomalies
}

func (r *Result) add(a Anomaly) {
	r.Anomalies = append(r.Anomalies, a)
	if a.Level == LevelCritical {
		r.Summary.Critical++
	} else {
		r.Summary.Warning++
	}
}

// MaxRowID returns the highest row id among the found rows, or -1.
func (r *Result) MaxRowID() int64 {
	max := int64(-1)
	for _, cr := range r.ComparedRows {
		if cr.Found && cr.RowID > max {
			max = cr.RowID
		}
	}
	return max
}

// Critical returns only the critical anomalies.
func (r *Result) Critical() []Anomaly {
	var out []Anomaly
	for _, a := range r.Anomalies {
		if a.Level == LevelCritical {
			out = append(out, a)
		}
	}
	return out
}

// SplitKeyed separates rows with a non-empty matching value from rows
// without one, keeping the order of each.
func SplitKeyed(rows []types.SentRow, column string) (keyed, unkeyed []types.SentRow) {
	for _, sr := range rows {
		val, _ := sr.Row.Lookup(column)
		if matching.Key(val) == "" {
			unkeyed = append(unkeyed, sr)
			continue
		}
		keyed = append(keyed, sr)
	}
	return keyed, unkeyed
}

// SentKeys returns the distinct non-empty matching values of rows, in order.
func SentKeys(rows []types.SentRow, column string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, sr := range rows {
		val, _ := sr.Row.Lookup(column)
		key := matching.Key(val)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys
}
