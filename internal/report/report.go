// Package report renders session, verification and cursor results for the
// terminal.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/mattn/go-runewidth"

	"github.com/dbsmedya/importguard/internal/cursor"
	"github.com/dbsmedya/importguard/internal/importer"
	"github.com/dbsmedya/importguard/internal/matching"
	"github.com/dbsmedya/importguard/internal/probe"
	"github.com/dbsmedya/importguard/internal/verifier"
)

// maxCellWidth caps value columns so long cells do not wrap the table.
const maxCellWidth = 32

// Printer writes human-readable reports.
type Printer struct {
	w       io.Writer
	colored bool
}

// New creates a printer. colored enables ANSI colors.
func New(w io.Writer, colored bool) *Printer {
	return &Printer{w: w, colored: colored}
}

func (p *Printer) paint(c color.Color, s string) string {
	if !p.colored {
		return s
	}
	return c.Sprint(s)
}

func (p *Printer) level(l verifier.Level) string {
	if l == verifier.LevelCritical {
		return p.paint(color.FgRed, string(l))
	}
	return p.paint(color.FgYellow, string(l))
}

func (p *Printer) printf(format string, args ...interface{}) {
	fmt.Fprintf(p.w, format, args...)
}

// Verification prints the verdict, counts and every anomaly.
func (p *Printer) Verification(res *verifier.Result) {
	if res == nil {
		return
	}
	if !res.Performed {
		p.printf("Verification: %s (no matching column)\n", p.paint(color.FgYellow, "not performed"))
		return
	}

	verdict := p.paint(color.FgGreen, "PASSED")
	if !res.Success {
		verdict = p.paint(color.FgRed, "FAILED")
	}
	p.printf("Verification: %s\n", verdict)
	p.printf("  Checked rows:  %d\n", res.CheckedRows)
	p.printf("  Matched rows:  %d\n", res.MatchedRows)
	p.printf("  Critical:      %d\n", res.Summary.Critical)
	p.printf("  Warnings:      %d\n", res.Summary.Warning)
	if len(res.Unkeyed) > 0 {
		p.printf("  Unkeyed rows:  %v\n", res.Unkeyed)
	}
	p.printf("  Duration:      %s\n", res.Duration.Round(time.Millisecond))

	if len(res.Anomalies) == 0 {
		return
	}
	p.printf("\n")

	rows := make([][]string, 0, len(res.Anomalies))
	levels := make([]verifier.Level, 0, len(res.Anomalies))
	for _, a := range res.Anomalies {
		row := "-"
		if a.RowIndex > 0 {
			row = fmt.Sprintf("%d", a.RowIndex)
		}
		rows = append(rows, []string{row, a.Column, string(a.Type), string(a.Level), a.SentValue, a.ReceivedValue})
		levels = append(levels, a.Level)
	}
	p.table([]string{"ROW", "COLUMN", "TYPE", "LEVEL", "SENT", "RECEIVED"}, rows, func(r, c int, cell string) string {
		if c == 3 {
			return p.level(levels[r])
		}
		return cell
	})
}

// Candidates prints the ranked matching column candidates.
func (p *Printer) Candidates(sel matching.Result) {
	if sel.HasColumn() {
		how := "preferred"
		if sel.AutoDetected {
			how = "auto-detected"
		}
		p.printf("Matching column: %s (%s, %.0f%% unique)\n", p.paint(color.FgGreen, sel.Selected), how, sel.Confidence*100)
	} else {
		p.printf("Matching column: %s\n", p.paint(color.FgRed, "none"))
	}
	for _, w := range sel.Warnings {
		p.printf("  %s %s\n", p.paint(color.FgYellow, "warning:"), w)
	}
	if len(sel.Candidates) == 0 {
		return
	}
	p.printf("\n")

	rows := make([][]string, 0, len(sel.Candidates))
	for _, c := range sel.Candidates {
		mark := ""
		if c.Name == sel.Selected {
			mark = "*"
		}
		rec := "no"
		if c.IsRecommended {
			rec = "yes"
		}
		rows = append(rows, []string{
			mark,
			c.Name,
			fmt.Sprintf("%.1f%%", c.UniquePercentage),
			fmt.Sprintf("%d/%d", c.NonEmptyCount, c.TotalCount),
			rec,
			c.Reason,
		})
	}
	p.table([]string{"", "COLUMN", "UNIQUE", "FILLED", "RECOMMENDED", "REASON"}, rows, nil)
}

// Session prints a full session summary.
func (p *Printer) Session(res *importer.SessionResult) {
	if res == nil {
		return
	}

	state := string(res.State)
	switch res.State {
	case importer.SessionDone:
		state = p.paint(color.FgGreen, state)
	case importer.SessionRolledBack:
		state = p.paint(color.FgYellow, state)
	default:
		state = p.paint(color.FgRed, state)
	}

	p.printf("Session %s: %s\n", res.SessionID, state)
	p.printf("  Table:          %s\n", res.Table)
	p.printf("  Rows committed: %d of %d\n", res.CommittedRows, res.TotalRows)
	if res.StartRowID >= 0 {
		p.printf("  Start row id:   %d\n", res.StartRowID)
	}
	if res.TrialRowID >= 0 {
		p.printf("  Trial row id:   %d\n", res.TrialRowID)
	}
	p.printf("  Duration:       %s\n", res.Duration.Round(time.Millisecond))
	for _, w := range res.Warnings {
		p.printf("  %s %s\n", p.paint(color.FgYellow, "warning:"), w)
	}
	if res.ErrorMessage != "" {
		p.printf("  %s %s\n", p.paint(color.FgRed, "error:"), res.ErrorMessage)
	}
	if res.Import != nil && res.Import.FailedRange != nil {
		p.printf("  Failed chunk:   %d (rows %d-%d)\n", res.Import.FailedChunk, res.Import.FailedRange.First, res.Import.FailedRange.Last)
	}

	if res.Verification != nil {
		p.printf("\n")
		p.Verification(res.Verification)
	}
	if res.Rollback != nil {
		p.printf("\n")
		p.Rollback(res.Rollback)
	}
}

// Rollback prints a rollback result and any values left for manual cleanup.
func (p *Printer) Rollback(res *importer.RollbackResult) {
	if res == nil {
		return
	}
	verdict := p.paint(color.FgGreen, "complete")
	if !res.Success {
		verdict = p.paint(color.FgRed, "incomplete")
	}
	p.printf("Rollback: %s\n", verdict)
	p.printf("  Deleted rows: %d\n", res.DeletedRows)
	p.printf("  Duration:     %s\n", res.Duration.Round(time.Millisecond))
	if res.ErrorMessage != "" {
		p.printf("  %s %s\n", p.paint(color.FgRed, "error:"), res.ErrorMessage)
	}
	if len(res.RemainingValues) > 0 {
		p.printf("  Remaining values (%d), delete manually:\n", len(res.RemainingValues))
		for _, v := range res.RemainingValues {
			p.printf("    %s\n", v)
		}
	}
	if len(res.Unkeyed) > 0 {
		p.printf("  Rows without a matching value, check manually: %v\n", res.Unkeyed)
	}
}

// Cursor prints a stored table cursor.
func (p *Printer) Cursor(table string, c *cursor.TableRowCursor) {
	if c == nil {
		p.printf("Cursor %s: %s\n", table, p.paint(color.FgYellow, "not recorded"))
		return
	}
	verified := "never"
	if !c.LastVerifiedAt.IsZero() {
		verified = c.LastVerifiedAt.UTC().Format(time.RFC3339)
	}
	p.printf("Cursor %s\n", table)
	p.printf("  Max row id:    %d\n", c.EstimatedMaxRowID)
	p.printf("  Next start:    %d\n", c.NextStart())
	p.printf("  Confidence:    %s\n", c.Confidence)
	p.printf("  Last verified: %s\n", verified)
}

// Probe prints a probe result.
func (p *Printer) Probe(table string, res *probe.Result, tolerance int64) {
	if res.WithinTolerance {
		p.printf("Probe %s: boundary %d (estimate %d, %d checks)\n", table, res.ResolvedRowID, res.Estimate, res.Checks)
		return
	}
	p.printf("Probe %s: %s within %d ids of estimate %d (%d checks); run 'importguard cursor resync'\n",
		table, p.paint(color.FgRed, "boundary not found"), tolerance, res.Estimate, res.Checks)
}

// Progress renders one progress line, without a trailing newline.
func (p *Printer) Progress(pr importer.ChunkProgress) string {
	const barWidth = 30
	filled := int(pr.Percentage / 100 * barWidth)
	if filled > barWidth {
		filled = barWidth
	}
	bar := strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled)

	chunk := ""
	if pr.Chunk != nil {
		chunk = fmt.Sprintf(" chunk %d/%d", pr.Chunk.Current, pr.Chunk.Total)
	}
	return fmt.Sprintf("%-6s [%s] %5.1f%% %d/%d%s", pr.Phase, bar, pr.Percentage, pr.Current, pr.Total, chunk)
}

// table prints rows aligned by display width. style, when set, decorates a
// cell after padding is computed.
func (p *Printer) table(header []string, rows [][]string, style func(r, c int, cell string) string) {
	widths := make([]int, len(header))
	clip := func(s string) string {
		return runewidth.Truncate(strings.ReplaceAll(s, "\n", " "), maxCellWidth, "...")
	}
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(clip(cell)); w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, r int) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			cell = clip(cell)
			pad := strings.Repeat(" ", widths[i]-runewidth.StringWidth(cell))
			if style != nil && r >= 0 {
				cell = style(r, i, cell)
			}
			parts[i] = cell + pad
		}
		p.printf("%s\n", strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(header, -1)
	for r, row := range rows {
		line(row, r)
	}
}
