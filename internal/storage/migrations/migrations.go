package migrations

import (
	"context"
	"io/fs"
	"net/url"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresExecer runs a multi-statement SQL script. *pgxpool.Pool satisfies it.
type PostgresExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ClickhouseExecer runs a single statement. clickhouse driver.Conn satisfies it.
type ClickhouseExecer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// files returns the .sql files of dir in lexical order.
func files(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read embedded %s migrations", dir)
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// RunPostgres applies all embedded PostgreSQL files in lexical order.
// Migrations are expected to be idempotent.
func RunPostgres(ctx context.Context, db PostgresExecer) error {
	names, err := files(PostgresFS, "postgres")
	if err != nil {
		return err
	}
	for _, name := range names {
		data, err := fs.ReadFile(PostgresFS, "postgres/"+name)
		if err != nil {
			return errors.Wrapf(err, "read migration %s", name)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if _, err := db.Exec(ctx, string(data)); err != nil {
			return errors.Wrapf(err, "apply migration %s", name)
		}
	}
	return nil
}

// RunClickhouse applies all embedded ClickHouse files in lexical order, one
// statement at a time: the driver does not accept multi-statement Exec.
func RunClickhouse(ctx context.Context, db ClickhouseExecer) error {
	names, err := files(ClickhouseFS, "clickhouse")
	if err != nil {
		return err
	}
	for _, name := range names {
		data, err := fs.ReadFile(ClickhouseFS, "clickhouse/"+name)
		if err != nil {
			return errors.Wrapf(err, "read migration %s", name)
		}
		if err := ValidateNoSemicolonInStrings(string(data)); err != nil {
			return errors.Wrapf(err, "validate migration %s", name)
		}
		for _, stmt := range SplitStatements(string(data)) {
			if err := db.Exec(ctx, stmt); err != nil {
				return errors.Wrapf(err, "apply migration %s", name)
			}
		}
	}
	return nil
}

// SplitStatements splits SQL content into statements by semicolon after
// dropping blank lines and "--" comment lines.
//
// The splitter does not understand semicolons inside string literals or
// block comments. ValidateNoSemicolonInStrings rejects the first case.
func SplitStatements(input string) []string {
	var filtered []string
	for _, line := range strings.Split(input, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		filtered = append(filtered, line)
	}
	joined := strings.Join(filtered, "\n")

	var stmts []string
	for _, part := range strings.Split(joined, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// ValidateNoSemicolonInStrings fails when a single-quoted literal contains a
// semicolon.
func ValidateNoSemicolonInStrings(sql string) error {
	inString := false
	for i := 0; i < len(sql); i++ {
		switch ch := sql[i]; {
		case ch == '\'':
			if i+1 < len(sql) && sql[i+1] == '\'' {
				i++
				continue
			}
			inString = !inString
		case ch == ';' && inString:
			return errors.New("semicolon inside string literal breaks the statement splitter")
		}
	}
	return nil
}

// DatabaseFromDSN returns the database name of a clickhouse:// DSN.
func DatabaseFromDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse clickhouse dsn")
	}
	db := strings.TrimPrefix(u.Path, "/")
	if db == "" {
		return "", errors.New("clickhouse dsn missing database")
	}
	return db, nil
}
