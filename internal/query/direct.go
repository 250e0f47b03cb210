package query

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// DirectExecutor speaks the MySQL wire protocol itself instead of starting
// a client container. Its output is formatted like `mysql --batch` so the
// same parser applies.
type DirectExecutor struct {
	db *sql.DB
}

// OpenDirect connects to target. Every Execute uses a fresh connection so
// statements such as USE do not leak between queries.
func OpenDirect(target Target) (*DirectExecutor, error) {
	cfg := mysql.NewConfig()
	cfg.User = target.User
	cfg.Passwd = target.Password
	cfg.Net = "tcp"
	cfg.Addr = target.Address()
	cfg.DBName = target.Database
	cfg.MultiStatements = true
	cfg.Timeout = 10 * time.Second
	cfg.AllowNativePasswords = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	db.SetMaxIdleConns(0)
	return NewDirectExecutor(db), nil
}

// NewDirectExecutor wraps an open database handle.
func NewDirectExecutor(db *sql.DB) *DirectExecutor {
	return &DirectExecutor{db: db}
}

// Close closes the database handle.
func (e *DirectExecutor) Close() error {
	return e.db.Close()
}

func (e *DirectExecutor) Execute(ctx context.Context, q string) (RawOutput, error) {
	rows, err := e.db.QueryContext(ctx, q)
	if err != nil {
		return nil, e.executionError(q, err)
	}
	defer rows.Close()

	var out bytes.Buffer
	for {
		if err := writeResultSet(&out, rows); err != nil {
			return nil, e.executionError(q, err)
		}
		if !rows.NextResultSet() {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, e.executionError(q, err)
	}
	return out.Bytes(), nil
}

func writeResultSet(out *bytes.Buffer, rows *sql.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		// statements without a result set print nothing
		for rows.Next() {
		}
		return rows.Err()
	}

	escaped := make([]string, len(cols))
	for i, c := range cols {
		escaped[i] = escapeBatch(c)
	}
	out.WriteString(strings.Join(escaped, "\t"))
	out.WriteByte('\n')

	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	fields := make([]string, len(cols))
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		for i, v := range values {
			if !v.Valid {
				fields[i] = "NULL"
				continue
			}
			fields[i] = escapeBatch(v.String)
		}
		out.WriteString(strings.Join(fields, "\t"))
		out.WriteByte('\n')
	}
	return rows.Err()
}

// escapeBatch applies the escaping the mysql client uses in batch mode.
func escapeBatch(s string) string {
	if !strings.ContainsAny(s, "\\\t\n\x00") {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case 0:
			b.WriteString(`\0`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (e *DirectExecutor) executionError(q string, err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		stderr := fmt.Sprintf("ERROR %d: %s", myErr.Number, myErr.Message)
		if myErr.SQLState != [5]byte{} {
			stderr = fmt.Sprintf("ERROR %d (%s): %s", myErr.Number, string(myErr.SQLState[:]), myErr.Message)
		}
		return &ExecutionError{Query: q, ExitCode: 1, Stderr: stderr}
	}
	return fmt.Errorf("query %q failed: %w", q, err)
}
