package query

import (
	"context"
	"errors"
	"testing"

	"flowtest/internal/resultset"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockExecutor(t *testing.T) (*DirectExecutor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewDirectExecutor(db), mock
}

func TestDirectExecutor_BatchFormatting(t *testing.T) {
	exec, mock := newMockExecutor(t)

	q := "SELECT status, error FROM predictors WHERE name='home_rentals';"
	mock.ExpectQuery(q).WillReturnRows(
		sqlmock.NewRows([]string{"status", "error"}).
			AddRow("error", "line1\nline2\twith tab \\ slash").
			AddRow("complete", nil),
	)

	out, err := exec.Execute(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, "status\terror\nerror\tline1\\nline2\\twith tab \\\\ slash\ncomplete\tNULL\n", string(out))

	rs, err := resultset.Parse(out)
	require.NoError(t, err)
	rec, ok := rs.FirstRecordWhere("status", "complete")
	require.True(t, ok)
	assert.Equal(t, "NULL", rec["error"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectExecutor_MultipleStatements(t *testing.T) {
	exec, mock := newMockExecutor(t)

	q := "USE files; SHOW tables;"
	mock.ExpectQuery(q).WillReturnRows(
		sqlmock.NewRows(nil),
		sqlmock.NewRows([]string{"Tables_in_files"}).AddRow("from_files"),
	)

	out, err := exec.Execute(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, "Tables_in_files\nfrom_files\n", string(out))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectExecutor_ServerError(t *testing.T) {
	exec, mock := newMockExecutor(t)

	q := "CREATE DATASOURCE BROKEN WITH ENGINE = 'nope', PARAMETERS = {};"
	mock.ExpectQuery(q).WillReturnError(&mysql.MySQLError{
		Number:   1149,
		SQLState: [5]byte{'4', '2', '0', '0', '0'},
		Message:  "unknown engine",
	})

	_, err := exec.Execute(context.Background(), q)
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 1, execErr.ExitCode)
	assert.Equal(t, "ERROR 1149 (42000): unknown engine", execErr.Stderr)
	assert.Equal(t, q, execErr.Query)
}

func TestDirectExecutor_ConnectionError(t *testing.T) {
	exec, mock := newMockExecutor(t)
	mock.ExpectQuery("SELECT 1;").WillReturnError(errors.New("connection refused"))

	_, err := exec.Execute(context.Background(), "SELECT 1;")
	require.Error(t, err)
	var execErr *ExecutionError
	assert.False(t, errors.As(err, &execErr))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestEscapeBatch(t *testing.T) {
	assert.Equal(t, "plain", escapeBatch("plain"))
	assert.Equal(t, `a\tb\nc\\d\0`, escapeBatch("a\tb\nc\\d\x00"))
}
