package verifier

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/cockroachdb/apd/v3"

	"github.com/dbsmedya/importguard/internal/types"
)

// valueClass is the shape a normalized cell takes for type comparison.
type valueClass int

const (
	classEmpty valueClass = iota
	classNumber
	classBool
	classDate
	classText
)

// outcome is the classification of one sent/received cell pair.
type outcome struct {
	match bool
	typ   AnomalyType
	level Level
}

var matched = outcome{match: true}

// Thresholds bound the tolerated drift for truncation and date-shift.
type Thresholds struct {
	// TruncationChars is the number of lost characters above which a
	// truncation is critical.
	TruncationChars int
	// MaxDateShift is the largest date drift still reported as a warning.
	MaxDateShift time.Duration
}

// classify compares a sent cell to the received cell. The checks run in a
// fixed order: equal, numeric-equal, truncation, date-shift, type-coercion,
// then value-mismatch.
func classify(sent, received types.Value, th Thresholds) outcome {
	s := normalizeSpace(sent.String())
	r := normalizeSpace(received.String())

	if s == r {
		return matched
	}
	if sb, ok := parseBool(s); ok {
		if rb, ok := parseBool(r); ok && sb == rb {
			return matched
		}
	}

	sn, sNum := parseNumeric(s)
	rn, rNum := parseNumeric(r)
	if sNum && rNum && sn.Cmp(rn) == 0 {
		return matched
	}

	if s != "" && r == "" {
		return outcome{typ: AnomalyTypeCoercion, level: LevelCritical}
	}

	// A numeric prefix is a different number, not a cut value.
	if lost, ok := truncatedBy(s, r); ok && !(sNum && rNum) {
		if lost > th.TruncationChars {
			return outcome{typ: AnomalyTruncation, level: LevelCritical}
		}
		return outcome{typ: AnomalyTruncation, level: LevelWarning}
	}

	if sd := parseDate(s); len(sd) > 0 {
		if rd := parseDate(r); len(rd) > 0 {
			if dateShiftTolerated(sd, rd, th.MaxDateShift) {
				return outcome{typ: AnomalyDateShift, level: LevelWarning}
			}
			return outcome{typ: AnomalyDateShift, level: LevelCritical}
		}
	}

	if classOf(s) != classOf(r) {
		return outcome{typ: AnomalyTypeCoercion, level: LevelCritical}
	}
	return outcome{typ: AnomalyValueMismatch, level: LevelCritical}
}

// normalizeSpace trims the value and collapses internal whitespace runs.
func normalizeSpace(s string) string {
	if s == "" {
		return s
	}
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// truncatedBy reports how many characters were cut when r is a strict,
// non-empty prefix of s.
func truncatedBy(s, r string) (int, bool) {
	if r == "" || len(r) >= len(s) || !strings.HasPrefix(s, r) {
		return 0, false
	}
	return utf8.RuneCountInString(s) - utf8.RuneCountInString(r), true
}

// parseNumeric reads a finite decimal, accepting a comma decimal separator
// and thousands grouping. "1,50", "1.5" and "1.500" are all equal.
func parseNumeric(s string) (*apd.Decimal, bool) {
	if s == "" {
		return nil, false
	}
	s = strings.ReplaceAll(s, " ", "")

	dot := strings.LastIndex(s, ".")
	comma := strings.LastIndex(s, ",")
	switch {
	case dot >= 0 && comma >= 0:
		if comma > dot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case comma >= 0:
		if strings.Count(s, ",") == 1 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}

	for _, r := range s {
		if !(r >= '0' && r <= '9') && r != '.' && r != '-' && r != '+' && r != 'e' && r != 'E' {
			return nil, false
		}
	}

	d, _, err := apd.NewFromString(s)
	if err != nil || d.Form != apd.Finite {
		return nil, false
	}
	return d, true
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

func classOf(s string) valueClass {
	if s == "" {
		return classEmpty
	}
	if _, ok := parseNumeric(s); ok {
		return classNumber
	}
	if _, ok := parseBool(s); ok {
		return classBool
	}
	if len(parseDate(s)) > 0 {
		return classDate
	}
	return classText
}

// unambiguousLayouts never confuse day and month.
var unambiguousLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006/01/02",
	"2006/01/02 15:04:05",
	"2.1.2006",
	"2.1.2006 15:04",
	"02 Jan 2006",
	"Jan 2, 2006",
}

// slashLayouts are read both ways when day and month are both <= 12.
var slashLayouts = [][2]string{
	{"2/1/2006", "1/2/2006"},
	{"2/1/2006 15:04", "1/2/2006 15:04"},
	{"2/1/2006 15:04:05", "1/2/2006 15:04:05"},
	{"2-1-2006", "1-2-2006"},
}

// parseDate returns every plausible reading of s. Values without a zone
// are read as UTC.
func parseDate(s string) []time.Time {
	if len(s) < 8 {
		return nil
	}
	for _, layout := range unambiguousLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return []time.Time{t}
		}
	}

	var out []time.Time
	for _, pair := range slashLayouts {
		for _, layout := range pair {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				out = appendUnique(out, t)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func appendUnique(ts []time.Time, t time.Time) []time.Time {
	for _, existing := range ts {
		if existing.Equal(t) {
			return ts
		}
	}
	return append(ts, t)
}

// dateShiftTolerated reports whether some reading of the two values puts
// them within limit of each other.
func dateShiftTolerated(sent, received []time.Time, limit time.Duration) bool {
	for _, s := range sent {
		for _, r := range received {
			d := s.Sub(r)
			if d < 0 {
				d = -d
			}
			if d <= limit {
				return true
			}
		}
	}
	return false
}
