// Package matching picks the column used to re-identify sent rows in the
// destination for verification and rollback.
package matching

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dbsmedya/importguard/internal/types"
)

const (
	// MinUniquePercentage is the bar below which a column is never auto-selected.
	MinUniquePercentage = 50.0
	// RecommendedUniquePercentage is the uniqueness required for a recommendation.
	RecommendedUniquePercentage = 95.0
	// AcceptableUniquePercentage selects with a warning rather than a stronger caution.
	AcceptableUniquePercentage = 90.0
	// RecommendedFillRatio is the share of sample rows that must carry a value.
	RecommendedFillRatio = 0.9
)

// ColumnMeta describes a destination column.
type ColumnMeta struct {
	Name     string
	DataType string
	IsRowID  bool
}

// ColumnCandidate is one scored column.
type ColumnCandidate struct {
	Name             string
	TotalCount       int
	NonEmptyCount    int
	UniquePercentage float64
	IsRecommended    bool
	Reason           string
}

// Eligible reports whether the candidate can serve as a match key at all.
func (c ColumnCandidate) Eligible() bool {
	return c.NonEmptyCount > 0
}

// Result is the selection outcome. An empty Selected is a valid result.
type Result struct {
	Selected     string
	Confidence   float64
	AutoDetected bool
	Candidates   []ColumnCandidate
	Warnings     []string
}

// HasColumn reports whether a matching column was chosen.
func (r Result) HasColumn() bool {
	return r.Selected != ""
}

// Candidate returns the scored candidate for name, if any.
func (r Result) Candidate(name string) (ColumnCandidate, bool) {
	for _, c := range r.Candidates {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnCandidate{}, false
}

// Select scores every destination column present in the sample and picks a
// match key. preferred, when non-empty and present in the sample, is selected
// regardless of its rank.
func Select(sample []*types.Row, remote []ColumnMeta, preferred string) Result {
	var result Result

	for _, col := range remote {
		if col.IsRowID || !presentInSample(sample, col.Name) {
			continue
		}
		result.Candidates = append(result.Candidates, score(sample, col.Name))
	}

	// Stable sort keeps destination column order for ties.
	sort.SliceStable(result.Candidates, func(i, j int) bool {
		a, b := result.Candidates[i], result.Candidates[j]
		if a.UniquePercentage != b.UniquePercentage {
			return a.UniquePercentage > b.UniquePercentage
		}
		return a.NonEmptyCount > b.NonEmptyCount
	})

	if preferred != "" {
		if c, ok := result.findFold(preferred); ok && c.Eligible() {
			result.choose(c, false)
			return result
		}
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("preferred matching column %q has no values in the sample; auto-detecting instead", preferred))
	}

	if c, ok := result.best(); ok {
		result.choose(c, true)
		return result
	}

	result.Warnings = append(result.Warnings,
		"no column is unique enough to identify rows; verification and rollback are unavailable for this session")
	return result
}

func (r *Result) findFold(name string) (ColumnCandidate, bool) {
	if c, ok := r.Candidate(name); ok {
		return c, true
	}
	for _, c := range r.Candidates {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnCandidate{}, false
}

// best prefers the highest-ranked recommended candidate, then the
// highest-ranked one clearing the minimum bar.
func (r *Result) best() (ColumnCandidate, bool) {
	for _, c := range r.Candidates {
		if c.IsRecommended {
			return c, true
		}
	}
	for _, c := range r.Candidates {
		if c.Eligible() && c.UniquePercentage >= MinUniquePercentage {
			return c, true
		}
	}
	return ColumnCandidate{}, false
}

func (r *Result) choose(c ColumnCandidate, auto bool) {
	r.Selected = c.Name
	r.Confidence = c.UniquePercentage / 100
	r.AutoDetected = auto

	switch {
	case c.UniquePercentage >= 100:
	case c.UniquePercentage >= AcceptableUniquePercentage:
		r.Warnings = append(r.Warnings, fmt.Sprintf(
			"matching column %q is %.1f%% unique; duplicate keys are paired in file order", c.Name, c.UniquePercentage))
	default:
		r.Warnings = append(r.Warnings, fmt.Sprintf(
			"matching column %q is only %.1f%% unique; verification may pair the wrong rows", c.Name, c.UniquePercentage))
	}

	if c.NonEmptyCount < c.TotalCount {
		r.Warnings = append(r.Warnings, fmt.Sprintf(
			"matching column %q is empty in %d of %d sample rows; those rows cannot be verified or rolled back",
			c.Name, c.TotalCount-c.NonEmptyCount, c.TotalCount))
	}
}

func presentInSample(sample []*types.Row, column string) bool {
	for _, row := range sample {
		if _, ok := row.Lookup(column); ok {
			return true
		}
	}
	return false
}

func score(sample []*types.Row, column string) ColumnCandidate {
	c := ColumnCandidate{Name: column, TotalCount: len(sample)}
	seen := make(map[string]struct{}, len(sample))

	for _, row := range sample {
		v, _ := row.Lookup(column)
		key := Key(v)
		if key == "" {
			continue
		}
		c.NonEmptyCount++
		seen[key] = struct{}{}
	}

	if c.NonEmptyCount == 0 {
		c.Reason = "no values in sample"
		return c
	}

	c.UniquePercentage = float64(len(seen)*100) / float64(c.NonEmptyCount)

	minFilled := RecommendedFillRatio * float64(c.TotalCount)
	if minFilled < 1 {
		minFilled = 1
	}
	populated := float64(c.NonEmptyCount) >= minFilled

	switch {
	case c.UniquePercentage >= RecommendedUniquePercentage && populated:
		c.IsRecommended = true
		c.Reason = fmt.Sprintf("%.1f%% unique, populated in %d of %d rows", c.UniquePercentage, c.NonEmptyCount, c.TotalCount)
	case !populated:
		c.Reason = fmt.Sprintf("sparse: populated in only %d of %d rows", c.NonEmptyCount, c.TotalCount)
	case c.UniquePercentage < MinUniquePercentage:
		c.Reason = fmt.Sprintf("too many duplicates (%.1f%% unique)", c.UniquePercentage)
	default:
		c.Reason = fmt.Sprintf("%.1f%% unique", c.UniquePercentage)
	}
	return c
}

// Key renders a value as a matching key: trimmed text, empty for null.
func Key(v types.Value) string {
	return strings.TrimSpace(v.String())
}
