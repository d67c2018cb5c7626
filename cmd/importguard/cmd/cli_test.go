package cmd

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/importguard/internal/remote"
)

// fakeTable is a REST analytics destination holding one table, contacts,
// with an auto-increment _row_id.
type fakeTable struct {
	mu       sync.Mutex
	columns  []string
	rows     []fakeRow
	nextID   int64
	truncate string
	jobs     map[string]remote.Filter
	imports  int
	deletes  int
}

type fakeRow struct {
	id     int64
	values map[string]string
}

func newFakeTable(columns ...string) *fakeTable {
	return &fakeTable{columns: columns, nextID: 1, jobs: map[string]remote.Filter{}}
}

func (f *fakeTable) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeTable) matches(r fakeRow, flt remote.Filter) bool {
	if r.id <= flt.AfterRowID {
		return false
	}
	for _, v := range flt.Values {
		if r.values[flt.Column] == v {
			return true
		}
	}
	return false
}

func (f *fakeTable) handler() http.Handler {
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, code int, body interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}

	mux.HandleFunc("/tables/contacts/columns", func(w http.ResponseWriter, r *http.Request) {
		cols := []map[string]string{{"name": "_row_id", "type": "bigint"}}
		for _, c := range f.columns {
			cols = append(cols, map[string]string{"name": c, "type": "text"})
		}
		writeJSON(w, http.StatusOK, cols)
	})

	mux.HandleFunc("/tables/contacts/rows/", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/tables/contacts/rows/"), 10, 64)
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, row := range f.rows {
			if row.id == id {
				writeJSON(w, http.StatusOK, map[string]int64{"_row_id": id})
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})

	mux.HandleFunc("/tables/contacts/import", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Rows []map[string]interface{} `json:"rows"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		f.imports++
		for _, in := range req.Rows {
			row := fakeRow{id: f.nextID, values: map[string]string{}}
			f.nextID++
			for col, v := range in {
				s := ""
				if v != nil {
					s = fmt.Sprint(v)
				}
				if col == f.truncate && len(s) > 2 {
					s = s[:2]
				}
				row.values[col] = s
			}
			f.rows = append(f.rows, row)
		}
		writeJSON(w, http.StatusOK, remote.ImportOutcome{Status: remote.StatusSuccess, ImportedCount: len(req.Rows)})
	})

	mux.HandleFunc("/tables/contacts/exports", func(w http.ResponseWriter, r *http.Request) {
		var flt remote.Filter
		_ = json.NewDecoder(r.Body).Decode(&flt)
		f.mu.Lock()
		id := fmt.Sprintf("job-%d", len(f.jobs)+1)
		f.jobs[id] = flt
		f.mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id, "status": "pending"})
	})

	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/jobs/")
		id := strings.TrimSuffix(path, "/result")

		f.mu.Lock()
		defer f.mu.Unlock()
		flt, ok := f.jobs[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such job"})
			return
		}
		if !strings.HasSuffix(path, "/result") {
			writeJSON(w, http.StatusOK, map[string]string{"jobId": id, "status": "completed"})
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		cw := csv.NewWriter(w)
		_ = cw.Write(append([]string{"_row_id"}, f.columns...))
		for _, row := range f.rows {
			if !f.matches(row, flt) {
				continue
			}
			record := []string{strconv.FormatInt(row.id, 10)}
			for _, c := range f.columns {
				record = append(record, row.values[c])
			}
			_ = cw.Write(record)
		}
		cw.Flush()
	})

	mux.HandleFunc("/tables/contacts/delete", func(w http.ResponseWriter, r *http.Request) {
		var flt remote.Filter
		_ = json.NewDecoder(r.Body).Decode(&flt)

		f.mu.Lock()
		defer f.mu.Unlock()
		f.deletes++
		kept := f.rows[:0]
		deleted := 0
		for _, row := range f.rows {
			if f.matches(row, flt) {
				deleted++
				continue
			}
			kept = append(kept, row)
		}
		f.rows = kept
		writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
	})

	return mux
}

const contactsCSV = "Email,Name\n" +
	"ada@x.io,Ada Lovelace\n" +
	"grace@x.io,Grace Hopper\n" +
	"alan@x.io,Alan Turing\n" +
	"edsger@x.io,Edsger Dijkstra\n" +
	"barbara@x.io,Barbara Liskov\n"

// testSetup writes a config pointing at an httptest server backed by table,
// plus the contacts CSV, and returns the config path.
func testSetup(t *testing.T, table *fakeTable) (string, string) {
	t.Helper()
	srv := httptest.NewServer(table.handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "contacts.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(contactsCSV), 0o600))
	metricsPath := filepath.Join(dir, "importguard.prom")

	config := fmt.Sprintf(`destination:
  driver: http
  row_id_column: _row_id
  http:
    base_url: %s
    timeout_seconds: 5
    requests_per_second: 0

store:
  driver: memory

jobs:
  contacts:
    file: %s
    table: contacts

import:
  chunk_size: 2
  trial_size: 2

retry:
  max_attempts: 2
  delay_seconds: 0.01
  max_delay_seconds: 0.01

lease:
  timeout_seconds: 0

metrics:
  textfile: %s

logging:
  level: error
  format: text
  output: stderr
`, srv.URL, csvPath, metricsPath)

	cfgPath := filepath.Join(dir, "importguard.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(config), 0o600))
	return cfgPath, metricsPath
}

func resetFlags() {
	cfgFile = "importguard.yaml"
	logLevel, logFormat = "", ""
	chunkSize, trialSize = 0, 0
	skipVerify, noColor = false, false

	importJob, importFile, importForce, importDryRun = "", "", false, false
	verifyJob, verifyFile = "", ""
	rollbackJob, rollbackFile, rollbackForce = "", "", false
	candidatesJob, candidatesFile = "", ""
	cursorJob, cursorTable, cursorRowID, cursorRecord, cursorForce = "", "", -1, false, false
	validateForce = false
}

// run executes the CLI with args and returns its combined output.
func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(append([]string{"--config", cfgPath, "--no-color"}, args...))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return buf.String(), err
}

func TestImport_VerifiedEndToEnd(t *testing.T) {
	table := newFakeTable("Email", "Name")
	cfgPath, metricsPath := testSetup(t, table)

	out, err := run(t, cfgPath, "import", "--job", "contacts")
	require.NoError(t, err, out)

	assert.Contains(t, out, ": done")
	assert.Contains(t, out, "Rows committed: 5 of 5")
	assert.Contains(t, out, "Trial row id:   2")
	assert.Contains(t, out, "Verification: PASSED")
	assert.Equal(t, 5, table.count())
	assert.Equal(t, 3, table.imports, "trial chunk plus two remainder chunks")

	metrics, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "rows_committed_total")

	out, err = run(t, cfgPath, "verify", "--job", "contacts")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Matching column: Email (auto-detected, 100% unique)")
	assert.Contains(t, out, "Checked rows:  5")

	out, err = run(t, cfgPath, "rollback", "--job", "contacts")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Rollback: complete")
	assert.Contains(t, out, "Deleted rows: 5")
	assert.Equal(t, 0, table.count())
}

func TestImport_TrialRolledBack(t *testing.T) {
	table := newFakeTable("Email", "Name")
	table.truncate = "Name"
	cfgPath, _ := testSetup(t, table)

	out, err := run(t, cfgPath, "import", "--job", "contacts")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trial rows were rolled back")

	assert.Contains(t, out, ": rolled-back")
	assert.Contains(t, out, "Verification: FAILED")
	assert.Contains(t, out, "truncation")
	assert.Contains(t, out, "Rollback: complete")
	assert.Equal(t, 0, table.count())
	assert.Equal(t, 1, table.imports, "only the trial chunk is sent")
}

func TestImport_AfterRolledBackTrial(t *testing.T) {
	table := newFakeTable("Email", "Name")
	table.truncate = "Name"
	cfgPath, _ := testSetup(t, table)

	_, err := run(t, cfgPath, "import", "--job", "contacts")
	require.Error(t, err)
	require.Equal(t, 0, table.count())

	table.mu.Lock()
	table.truncate = ""
	table.mu.Unlock()

	// Ids 1 and 2 went to the rolled back trial and are not reused; the
	// in-memory cursor store starts empty, so the second trial lands on 3-4.
	out, err := run(t, cfgPath, "import", "--job", "contacts")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Start row id:   0")
	assert.Contains(t, out, "Trial row id:   4")
	assert.Contains(t, out, "Verification: PASSED")
	assert.Equal(t, 5, table.count())
}

func TestImport_SkipVerify(t *testing.T) {
	table := newFakeTable("Email", "Name")
	table.truncate = "Name"
	cfgPath, _ := testSetup(t, table)

	out, err := run(t, cfgPath, "--skip-verify", "--chunk-size", "10", "import", "--job", "contacts")
	require.NoError(t, err, out)
	assert.Contains(t, out, "verification skipped by configuration")
	assert.Equal(t, 5, table.count())
	assert.Equal(t, 1, table.imports)
}

func TestImport_DryRunWritesNothing(t *testing.T) {
	table := newFakeTable("Email", "Name")
	cfgPath, _ := testSetup(t, table)

	out, err := run(t, cfgPath, "import", "--job", "contacts", "--dry-run")
	require.NoError(t, err, out)

	assert.Contains(t, out, "=== Import Plan (dry run) ===")
	assert.Contains(t, out, "Rows:       5")
	assert.Contains(t, out, "Trial rows: 2")
	assert.Contains(t, out, "Chunks:     2 of up to 2 rows")
	assert.Contains(t, out, "Cursor contacts: not recorded")
	assert.Contains(t, out, "Probe contacts: boundary 0")
	assert.Equal(t, 0, table.imports)
}

func TestImport_UnknownJob(t *testing.T) {
	cfgPath, _ := testSetup(t, newFakeTable("Email", "Name"))

	_, err := run(t, cfgPath, "import", "--job", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `job "missing" not found`)
}

func TestCandidates(t *testing.T) {
	cfgPath, _ := testSetup(t, newFakeTable("Email", "Name"))

	out, err := run(t, cfgPath, "candidates", "--job", "contacts")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Matching column: Email")
	assert.Contains(t, out, "*  Email")
	assert.Contains(t, out, "Name")
}

func TestCursorCommands(t *testing.T) {
	table := newFakeTable("Email", "Name")
	cfgPath, _ := testSetup(t, table)

	out, err := run(t, cfgPath, "cursor", "show", "--table", "contacts")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Cursor contacts: not recorded")

	out, err = run(t, cfgPath, "cursor", "resync", "--job", "contacts", "--row-id", "41")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Max row id:    41")
	assert.Contains(t, out, "Confidence:    exact")

	_, err = run(t, cfgPath, "cursor", "resync", "--table", "contacts", "--row-id", "-5")
	require.Error(t, err)

	_, err = run(t, cfgPath, "cursor", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either --table or --job is required")
}

func TestCursorProbe_Record(t *testing.T) {
	table := newFakeTable("Email", "Name")
	cfgPath, _ := testSetup(t, table)

	_, err := run(t, cfgPath, "--skip-verify", "import", "--job", "contacts")
	require.NoError(t, err)

	out, err := run(t, cfgPath, "cursor", "probe", "--table", "contacts", "--record")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Probe contacts: boundary 5")
	assert.Contains(t, out, "Confidence:    probed")
}

func TestListJobs(t *testing.T) {
	cfgPath, _ := testSetup(t, newFakeTable("Email", "Name"))

	out, err := run(t, cfgPath, "list-jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "1. contacts")
	assert.Contains(t, out, "Table:         contacts")
	assert.Contains(t, out, "Matching:      (auto-detect)")
	assert.Contains(t, out, "Total: 1 job(s)")

	_, err = run(t, filepath.Join(t.TempDir(), "missing.yaml"), "list-jobs")
	require.Error(t, err)
}

func TestValidate_HTTPDestination(t *testing.T) {
	cfgPath, _ := testSetup(t, newFakeTable("Email", "Name"))

	out, err := run(t, cfgPath, "validate")
	require.NoError(t, err, out)
	assert.Contains(t, out, "--- Job: contacts ---")
	assert.Contains(t, out, "OK   All checks passed")
	assert.Contains(t, out, "All jobs validated successfully")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "unused.yaml", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "importguard version "+Version)
	assert.Contains(t, out, "Go version:")
}
