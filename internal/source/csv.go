// Package source reads the local file of an import job into sent rows.
package source

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dbsmedya/importguard/internal/failure"
	"github.com/dbsmedya/importguard/internal/types"
)

const bom = "\ufeff"

// candidates for delimiter detection, in order of preference on ties.
var delimiters = []rune{',', ';', '\t', '|'}

// Options controls CSV reading.
type Options struct {
	// Delimiter is detected from the header line when zero.
	Delimiter rune
	// MaxRows stops reading after this many data rows; zero reads all.
	MaxRows int
}

// File is a loaded source file.
type File struct {
	Path      string
	Header    []string
	Delimiter rune
	Rows      []types.SentRow
}

// Load reads a CSV file with a header row.
func Load(path string, opts Options) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	file, err := Read(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.Path = path
	return file, nil
}

// Read parses CSV from r. The first record is the header; data rows get
// 1-based positions in file order. Rows whose fields are all empty are
// skipped but still counted. A row with more fields than the header is an
// error; missing trailing fields are null.
func Read(r io.Reader, opts Options) (*File, error) {
	br := bufio.NewReader(r)

	delim := opts.Delimiter
	if delim == 0 {
		line, err := br.Peek(4096)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, fmt.Errorf("failed to read header: %w", err)
		}
		delim = detectDelimiter(line)
	}

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, failure.Preconditionf("source file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	header, err = cleanHeader(header)
	if err != nil {
		return nil, err
	}

	file := &File{Header: header, Delimiter: delim}
	position := 0
	for {
		if opts.MaxRows > 0 && len(file.Rows) >= opts.MaxRows {
			break
		}
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", position+1, err)
		}
		position++

		if blank(record) {
			continue
		}
		if len(record) > len(header) {
			line, _ := cr.FieldPos(0)
			return nil, failure.Preconditionf("row %d (line %d) has %d fields, header has %d", position, line, len(record), len(header))
		}
		file.Rows = append(file.Rows, types.SentRow{
			Row:      types.RowFromStrings(header, record),
			Position: position,
		})
	}

	if len(file.Rows) == 0 {
		return nil, failure.Preconditionf("source file has a header but no rows")
	}
	return file, nil
}

func cleanHeader(header []string) ([]string, error) {
	out := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, bom)
		}
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, failure.Preconditionf("header column %d is empty", i+1)
		}
		key := strings.ToLower(h)
		if seen[key] {
			return nil, failure.Preconditionf("duplicate header column %q", h)
		}
		seen[key] = true
		out[i] = h
	}
	return out, nil
}

// detectDelimiter picks the candidate occurring most often in the first line.
func detectDelimiter(peek []byte) rune {
	if i := bytes.IndexByte(peek, '\n'); i >= 0 {
		peek = peek[:i]
	}
	best, bestCount := ',', 0
	for _, d := range delimiters {
		if n := bytes.Count(peek, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
