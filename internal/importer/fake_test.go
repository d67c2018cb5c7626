package importer

import (
	"context"
	"strings"
	"sync"

	"github.com/dbsmedya/importguard/internal/matching"
	"github.com/dbsmedya/importguard/internal/remote"
	"github.com/dbsmedya/importguard/internal/types"
)

// fakeDestination is an in-memory table with an auto-increment row id.
type fakeDestination struct {
	mu sync.Mutex

	columns []string
	rows    []types.ReceivedRow
	nextID  int64

	importErrs []error
	reject     bool
	mutate     func(*types.Row)
	deleteErr  error
	deleteCap  int
	fetchErr   error

	importCalls int
	deleteCalls int
	fetchCalls  int
	lastDelete  remote.Filter
}

func newFakeDestination(columns ...string) *fakeDestination {
	return &fakeDestination{columns: columns}
}

func cloneRow(r *types.Row) *types.Row {
	out := types.NewRow()
	for _, col := range r.Columns() {
		v, _ := r.Get(col)
		out.Set(col, v)
	}
	return out
}

// seed stores rows as if imported by someone else.
func (f *fakeDestination) seed(rows ...*types.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.nextID++
		f.rows = append(f.rows, types.ReceivedRow{Row: cloneRow(r), RowID: f.nextID})
	}
}

func (f *fakeDestination) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeDestination) ImportRows(ctx context.Context, table string, rows []*types.Row, mode remote.Mode, matchingColumns []string) (*remote.ImportOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.importCalls++
	if len(f.importErrs) > 0 {
		err := f.importErrs[0]
		f.importErrs = f.importErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.reject {
		return &remote.ImportOutcome{Status: remote.StatusRejected, Errors: []string{"schema mismatch"}}, nil
	}

	for _, r := range rows {
		stored := cloneRow(r)
		if f.mutate != nil {
			f.mutate(stored)
		}
		if mode == remote.ModeUpsert && len(matchingColumns) > 0 {
			if i := f.indexOf(matchingColumns[0], stored); i >= 0 {
				f.rows[i].Row = stored
				continue
			}
		}
		f.nextID++
		f.rows = append(f.rows, types.ReceivedRow{Row: stored, RowID: f.nextID})
	}
	return &remote.ImportOutcome{Status: remote.StatusSuccess, ImportedCount: len(rows)}, nil
}

// indexOf finds the stored row with the same column value as r.
func (f *fakeDestination) indexOf(column string, r *types.Row) int {
	v, _ := r.Lookup(column)
	want := matching.Key(v)
	for i, rr := range f.rows {
		got, _ := rr.Row.Lookup(column)
		if matching.Key(got) == want {
			return i
		}
	}
	return -1
}

func (f *fakeDestination) matches(rr types.ReceivedRow, flt remote.Filter) bool {
	if flt.Bounded() && rr.RowID <= flt.AfterRowID {
		return false
	}
	v, _ := rr.Row.Lookup(flt.Column)
	key := matching.Key(v)
	for _, want := range flt.Values {
		if key == want {
			return true
		}
	}
	return false
}

func (f *fakeDestination) FetchRows(ctx context.Context, table string, flt remote.Filter) ([]types.ReceivedRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []types.ReceivedRow
	for _, rr := range f.rows {
		if f.matches(rr, flt) {
			out = append(out, rr)
		}
	}
	return out, nil
}

func (f *fakeDestination) DeleteRows(ctx context.Context, table string, flt remote.Filter) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleteCalls++
	f.lastDelete = flt
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}

	var kept []types.ReceivedRow
	var deleted int64
	for _, rr := range f.rows {
		if f.matches(rr, flt) && (f.deleteCap == 0 || deleted < int64(f.deleteCap)) {
			deleted++
			continue
		}
		kept = append(kept, rr)
	}
	f.rows = kept
	return deleted, nil
}

func (f *fakeDestination) RowExists(ctx context.Context, table string, rowID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rr := range f.rows {
		if rr.RowID == rowID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDestination) DescribeColumns(ctx context.Context, table string) ([]matching.ColumnMeta, error) {
	cols := []matching.ColumnMeta{{Name: "_row_id", DataType: "bigint", IsRowID: true}}
	for _, c := range f.columns {
		cols = append(cols, matching.ColumnMeta{Name: c, DataType: "varchar"})
	}
	return cols, nil
}

func (f *fakeDestination) Close() error { return nil }

func (f *fakeDestination) values(column string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, rr := range f.rows {
		v, _ := rr.Row.Lookup(column)
		out = append(out, v.String())
	}
	return out
}

var contactHeader = []string{"Email", "Name"}

// contacts builds n sent rows with distinct emails at positions 1..n.
func contacts(n int) []types.SentRow {
	names := []string{"Ada Lovelace", "Grace Hopper", "Alan Turing", "Edsger Dijkstra", "Barbara Liskov", "Donald Knuth", "Frances Allen"}
	out := make([]types.SentRow, n)
	for i := 0; i < n; i++ {
		name := names[i%len(names)]
		email := strings.ToLower(strings.Fields(name)[1]) + string(rune('a'+i)) + "@x.io"
		out[i] = types.SentRow{Row: types.RowFromStrings(contactHeader, []string{email, name}), Position: i + 1}
	}
	return out
}
