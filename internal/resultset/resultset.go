// Package resultset turns the tab-separated text printed by a batch SQL
// client into records that tests can query.
package resultset

import (
	"bytes"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Record maps a column name to its value in one row.
type Record map[string]string

// FormatError reports a row whose field count differs from the header.
type FormatError struct {
	// Line is 1-based and counts the header as line 1.
	Line int
	Want int
	Got  int
	Text string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("line %d has %d fields, header has %d: %q", e.Line, e.Got, e.Want, e.Text)
}

// ResultSet is an ordered list of records sharing one header.
//
// The zero value and the result of parsing output with fewer than two lines
// are empty: they have no columns at all, which is different from a set
// whose header is known but whose rows are missing.
type ResultSet struct {
	columns   []string
	columnSet sets.Set[string]
	rows      [][]string
	records   []Record
}

// Empty returns a result set with no header and no records.
func Empty() *ResultSet {
	return &ResultSet{columnSet: sets.New[string]()}
}

// Parse converts raw client output into a ResultSet.
//
// The first line holds tab-separated column names, every following line one
// row. Output with zero or one line yields an empty set. A row with a
// different number of fields than the header fails the whole parse. When a
// header repeats a column name the record keeps the value of the last
// occurrence.
func Parse(raw []byte) (*ResultSet, error) {
	lines := splitLines(raw)
	if len(lines) < 2 {
		return Empty(), nil
	}

	columns := strings.Split(lines[0], "\t")
	rs := &ResultSet{
		columns:   columns,
		columnSet: sets.New(columns...),
		rows:      make([][]string, 0, len(lines)-1),
		records:   make([]Record, 0, len(lines)-1),
	}

	for i, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		if len(fields) != len(columns) {
			return nil, &FormatError{Line: i + 2, Want: len(columns), Got: len(fields), Text: line}
		}
		rec := make(Record, len(columns))
		for j, col := range columns {
			rec[col] = fields[j]
		}
		rs.rows = append(rs.rows, fields)
		rs.records = append(rs.records, rec)
	}
	return rs, nil
}

// MustParse is Parse for literals in tests and examples.
func MustParse(raw string) *ResultSet {
	rs, err := Parse([]byte(raw))
	if err != nil {
		panic(err)
	}
	return rs
}

// splitLines splits on \n, \r\n and \r without producing a trailing empty
// element for a final line terminator.
func splitLines(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	text := string(bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n")))
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}

// Columns returns the header in output order.
func (rs *ResultSet) Columns() []string {
	if rs == nil {
		return nil
	}
	return append([]string(nil), rs.columns...)
}

// Len is the number of records.
func (rs *ResultSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.records)
}

// IsEmpty reports whether the set has no header.
func (rs *ResultSet) IsEmpty() bool {
	return rs == nil || len(rs.columns) == 0
}

// Records returns the records in row order.
func (rs *ResultSet) Records() []Record {
	if rs == nil {
		return nil
	}
	return rs.records
}

// Rows returns the raw fields of every row in header order.
func (rs *ResultSet) Rows() [][]string {
	if rs == nil {
		return nil
	}
	return rs.rows
}

// Record returns the i-th record.
func (rs *ResultSet) Record(i int) (Record, bool) {
	if rs == nil || i < 0 || i >= len(rs.records) {
		return nil, false
	}
	return rs.records[i], true
}

// HasColumn reports whether name appears in the header. An empty set has
// no columns.
func (rs *ResultSet) HasColumn(name string) bool {
	if rs == nil || rs.columnSet == nil {
		return false
	}
	return rs.columnSet.Has(name)
}

// FirstRecordWhere returns the first record, in row order, whose column
// equals value. It returns false when the column is unknown or no record
// matches.
func (rs *ResultSet) FirstRecordWhere(column, value string) (Record, bool) {
	if !rs.HasColumn(column) {
		return nil, false
	}
	for _, rec := range rs.records {
		if rec[column] == value {
			return rec, true
		}
	}
	return nil, false
}

// Values returns the column's value for every record.
func (rs *ResultSet) Values(column string) []string {
	if !rs.HasColumn(column) {
		return nil
	}
	out := make([]string, 0, len(rs.records))
	for _, rec := range rs.records {
		out = append(out, rec[column])
	}
	return out
}

func (rs *ResultSet) String() string {
	if rs.IsEmpty() {
		return "(empty result)"
	}
	return fmt.Sprintf("%d rows of [%s]", rs.Len(), strings.Join(rs.columns, ", "))
}
