package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:        "source_state",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:        "source_state",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:   "source_state",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"public.source_state", `"public"."source_state"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "value"})
	assert.Equal(t, `"id", "name", "value"`, result)
}

func TestUpsertStatement(t *testing.T) {
	cfg := UpsertConfig{
		Table:        "source_state",
		Columns:      []string{"name", "enabled", "updated_at"},
		ConflictKeys: []string{"name"},
	}
	base := `INSERT INTO "source_state" ("name", "enabled", "updated_at") SELECT "name", "enabled", "updated_at" FROM "_tmp" ` +
		`ON CONFLICT ("name") DO UPDATE SET "enabled" = EXCLUDED."enabled", "updated_at" = EXCLUDED."updated_at"`

	assert.Equal(t, base, upsertStatement(cfg, []string{"enabled", "updated_at"}, "_tmp"))

	cfg.ChangedCols = []string{"enabled"}
	assert.Equal(t, base+` WHERE ("source_state"."enabled") IS DISTINCT FROM (EXCLUDED."enabled")`,
		upsertStatement(cfg, []string{"enabled", "updated_at"}, "_tmp"))
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_source_state"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_source_state"}, []string{"name", "enabled"}).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "source_state"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "source_state",
		Columns:      []string{"name", "enabled"},
		ConflictKeys: []string{"name"},
	}, [][]any{{"fmp", true}, {"newsapi", false}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_InsertFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_source_state"}, []string{"name", "enabled"}).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO`).WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "source_state",
		Columns:      []string{"name", "enabled"},
		ConflictKeys: []string{"name"},
	}, [][]any{{"fmp", true}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSERT ON CONFLICT for source_state")
	assert.NoError(t, mock.ExpectationsWereMet())
}
