package lexicon

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var csvHeader = []string{"original", "replacement", "is_regex"}

// SampleCSV is a small import file showing each supported column.
const SampleCSV = `original,replacement,is_regex
Dr.,Doctor,false
API,A.P.I.,false
cat|dog,pet,true
`

// ImportCSV reads rules from CSV with the columns original, replacement and
// an optional is_regex. A header row is recognised and skipped. Imported
// rules get the given scope and book id.
func ImportCSV(r io.Reader, scope Scope, bookID string) ([]Rule, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var rules []Rule
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("unable to read csv: %w", err)
		}
		line++
		if line == 1 && len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), csvHeader[0]) {
			continue
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("%w: line %d has %d columns", ErrInvalidRule, line, len(rec))
		}

		rule := Rule{
			Pattern:     rec[0],
			Replacement: rec[1],
			Scope:       scope,
			BookID:      bookID,
		}
		if len(rec) > 2 && strings.TrimSpace(rec[2]) != "" {
			isRegex, err := strconv.ParseBool(strings.TrimSpace(rec[2]))
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: is_regex %q", ErrInvalidRule, line, rec[2])
			}
			rule.IsRegex = isRegex
		}
		if rule.Pattern == "" {
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ExportCSV writes rules in the format ImportCSV reads.
func ExportCSV(w io.Writer, rules []Rule) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rules {
		if err := cw.Write([]string{r.Pattern, r.Replacement, strconv.FormatBool(r.IsRegex)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
