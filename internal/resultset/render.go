package resultset

import (
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Format selects how Render prints a result set.
type Format string

const (
	FormatTable Format = "table"
	FormatTSV   Format = "tsv"
	FormatJSON  Format = "json"
)

// ParseFormat validates a user supplied format name.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(name)); f {
	case FormatTable, FormatTSV, FormatJSON:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, tsv or json)", name)
	}
}

// Render writes rs to w in the given format.
func Render(w io.Writer, rs *ResultSet, format Format) error {
	switch format {
	case FormatTable, "":
		return renderTable(w, rs)
	case FormatTSV:
		return renderTSV(w, rs)
	case FormatJSON:
		return renderJSON(w, rs)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func renderTable(w io.Writer, rs *ResultSet) error {
	if rs.IsEmpty() {
		_, err := fmt.Fprintln(w, "(empty result)")
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	header := make(table.Row, len(rs.columns))
	for i, col := range rs.columns {
		header[i] = col
	}
	t.AppendHeader(header)

	for _, fields := range rs.rows {
		row := make(table.Row, len(fields))
		for i, v := range fields {
			row[i] = v
		}
		t.AppendRow(row)
	}

	t.Render()
	_, err := fmt.Fprintf(w, "(%d rows)\n", rs.Len())
	return err
}

func renderTSV(w io.Writer, rs *ResultSet) error {
	if rs.IsEmpty() {
		return nil
	}
	var b strings.Builder
	b.WriteString(strings.Join(rs.columns, "\t"))
	b.WriteByte('\n')
	for _, fields := range rs.rows {
		b.WriteString(strings.Join(fields, "\t"))
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func renderJSON(w io.Writer, rs *ResultSet) error {
	records := rs.Records()
	if records == nil {
		records = []Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}
