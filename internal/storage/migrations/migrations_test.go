package migrations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	sql := `
-- leading comment
CREATE TABLE a (x UInt8) ENGINE = Memory;

-- between
CREATE TABLE b (y String) ENGINE = Memory;
`
	stmts := SplitStatements(sql)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x UInt8) ENGINE = Memory", stmts[0])
	assert.Equal(t, "CREATE TABLE b (y String) ENGINE = Memory", stmts[1])
}

func TestValidateNoSemicolonInStrings(t *testing.T) {
	assert.NoError(t, ValidateNoSemicolonInStrings(`SELECT 'it''s fine';`))
	assert.Error(t, ValidateNoSemicolonInStrings(`SELECT 'a;b';`))
}

func TestDatabaseFromDSN(t *testing.T) {
	db, err := DatabaseFromDSN("clickhouse://default:@localhost:9000/dustsweep")
	require.NoError(t, err)
	assert.Equal(t, "dustsweep", db)

	_, err = DatabaseFromDSN("clickhouse://localhost:9000")
	assert.Error(t, err)
}

type recordingExecer struct{ stmts []string }

func (r *recordingExecer) Exec(_ context.Context, query string, _ ...any) error {
	r.stmts = append(r.stmts, query)
	return nil
}

func TestRunClickhouse_AppliesEmbeddedStatements(t *testing.T) {
	rec := &recordingExecer{}
	require.NoError(t, RunClickhouse(context.Background(), rec))
	require.NotEmpty(t, rec.stmts)
	assert.Contains(t, rec.stmts[0], "CREATE TABLE IF NOT EXISTS risk_assessments")
	for _, s := range rec.stmts {
		assert.NotContains(t, s, ";")
	}
}

func TestEmbeddedPostgresSchema(t *testing.T) {
	names, err := files(PostgresFS, "postgres")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_consolidations.sql"}, names)
}
