package resultset

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantEmpty   bool
		wantColumns []string
		wantRecords []Record
	}{
		{
			name:      "no output",
			raw:       "",
			wantEmpty: true,
		},
		{
			name:      "header only",
			raw:       "status\terror\n",
			wantEmpty: true,
		},
		{
			name:        "status and error",
			raw:         "status\terror\ncomplete\t\n",
			wantColumns: []string{"status", "error"},
			wantRecords: []Record{{"status": "complete", "error": ""}},
		},
		{
			name:        "no trailing newline",
			raw:         "name\nPOSTGRES",
			wantColumns: []string{"name"},
			wantRecords: []Record{{"name": "POSTGRES"}},
		},
		{
			name:        "crlf line endings",
			raw:         "a\tb\r\n1\t2\r\n3\t4\r\n",
			wantColumns: []string{"a", "b"},
			wantRecords: []Record{{"a": "1", "b": "2"}, {"a": "3", "b": "4"}},
		},
		{
			name:        "duplicate column keeps last value",
			raw:         "x\tx\n1\t2\n",
			wantColumns: []string{"x", "x"},
			wantRecords: []Record{{"x": "2"}},
		},
		{
			name:        "single column with empty value",
			raw:         "Tables_in_files\n\nfrom_files\n",
			wantColumns: []string{"Tables_in_files"},
			wantRecords: []Record{{"Tables_in_files": ""}, {"Tables_in_files": "from_files"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := Parse([]byte(tt.raw))
			require.NoError(t, err)
			require.NotNil(t, rs)

			assert.Equal(t, tt.wantEmpty, rs.IsEmpty())
			if tt.wantEmpty {
				assert.Equal(t, 0, rs.Len())
				assert.Empty(t, rs.Columns())
				return
			}
			assert.Equal(t, tt.wantColumns, rs.Columns())
			assert.Equal(t, tt.wantRecords, rs.Records())
		})
	}
}

func TestParse_FieldCountMismatch(t *testing.T) {
	_, err := Parse([]byte("a\tb\n1\t2\n3\n"))
	require.Error(t, err)

	var formatErr *FormatError
	require.True(t, errors.As(err, &formatErr))
	assert.Equal(t, 3, formatErr.Line)
	assert.Equal(t, 2, formatErr.Want)
	assert.Equal(t, 1, formatErr.Got)

	_, err = Parse([]byte("a\n1\t2\n"))
	require.True(t, errors.As(err, &formatErr))
	assert.Equal(t, 2, formatErr.Line)
}

func TestEmptyIsNotZeroColumnRecord(t *testing.T) {
	empty := Empty()
	assert.True(t, empty.IsEmpty())
	assert.False(t, empty.HasColumn("status"))

	_, ok := empty.FirstRecordWhere("status", "complete")
	assert.False(t, ok)

	rs := MustParse("status\n")
	assert.True(t, rs.IsEmpty())

	var nilSet *ResultSet
	assert.True(t, nilSet.IsEmpty())
	assert.Equal(t, 0, nilSet.Len())
	assert.False(t, nilSet.HasColumn("x"))
}

func TestFirstRecordWhere(t *testing.T) {
	rs := MustParse("name\tengine\tid\nPOSTGRES\tpostgres\t1\nMYSQL\tmysql\t2\nPOSTGRES\tpostgres\t3\n")

	rec, ok := rs.FirstRecordWhere("name", "POSTGRES")
	require.True(t, ok)
	assert.Equal(t, "1", rec["id"])

	rec, ok = rs.FirstRecordWhere("engine", "mysql")
	require.True(t, ok)
	assert.Equal(t, "MYSQL", rec["name"])

	_, ok = rs.FirstRecordWhere("name", "MARIADB")
	assert.False(t, ok)

	_, ok = rs.FirstRecordWhere("missing", "POSTGRES")
	assert.False(t, ok)

	assert.True(t, rs.HasColumn("engine"))
	assert.False(t, rs.HasColumn("Engine"))
	assert.Equal(t, []string{"1", "2", "3"}, rs.Values("id"))
	assert.Nil(t, rs.Values("missing"))

	first, ok := rs.Record(0)
	require.True(t, ok)
	assert.Equal(t, "POSTGRES", first["name"])
	_, ok = rs.Record(3)
	assert.False(t, ok)
}

func TestPredictorStatusRoundTrip(t *testing.T) {
	rs := MustParse("status\terror\nerror\tout of memory\n")

	_, complete := rs.FirstRecordWhere("status", "complete")
	assert.False(t, complete)

	rec, failed := rs.FirstRecordWhere("status", "error")
	require.True(t, failed)
	assert.Equal(t, "out of memory", rec["error"])
}

func TestRender(t *testing.T) {
	rs := MustParse("name\tengine\nPOSTGRES\tpostgres\n")

	var tsv bytes.Buffer
	require.NoError(t, Render(&tsv, rs, FormatTSV))
	assert.Equal(t, "name\tengine\nPOSTGRES\tpostgres\n", tsv.String())

	reparsed, err := Parse(tsv.Bytes())
	require.NoError(t, err)
	assert.Equal(t, rs.Records(), reparsed.Records())

	var js bytes.Buffer
	require.NoError(t, Render(&js, rs, FormatJSON))
	assert.JSONEq(t, `[{"name":"POSTGRES","engine":"postgres"}]`, js.String())

	var tbl bytes.Buffer
	require.NoError(t, Render(&tbl, rs, FormatTable))
	assert.Contains(t, tbl.String(), "POSTGRES")
	assert.Contains(t, tbl.String(), "(1 rows)")

	var empty bytes.Buffer
	require.NoError(t, Render(&empty, Empty(), FormatJSON))
	assert.JSONEq(t, `[]`, empty.String())
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatTable, f)

	f, err = ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
