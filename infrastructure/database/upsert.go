package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// UpsertSpec describes a single-statement bulk "ON CONFLICT ... DO UPDATE"
// upsert: a table, its ordered column list, its conflict (key) columns, and
// the columns the conflicting update must exclude (partitioning/key columns
// and columns owned by a different writer, e.g. alarm dispatch timestamps).
type UpsertSpec struct {
	Table          string
	Columns        []string
	ConflictCols   []string
	ExcludeOnConflict map[string]bool
}

// BulkUpsert builds and executes a single multi-row
// "INSERT ... ON CONFLICT (...) DO UPDATE SET col = EXCLUDED.col, ..."
// statement over rows, where each row is a slice of values aligned to
// spec.Columns. It returns the number of rows affected.
//
// This is the batch-flush primitive C1 uses: N rows are upserted atomically
// in one statement (spec.md §4.1, §5 ordering guarantee #2).
func BulkUpsert(ctx context.Context, db *sql.DB, spec UpsertSpec, rows [][]interface{}) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	numCols := len(spec.Columns)
	var valuesSQL strings.Builder
	args := make([]interface{}, 0, len(rows)*numCols)

	for r, row := range rows {
		if len(row) != numCols {
			return 0, fmt.Errorf("database: row %d has %d values, want %d", r, len(row), numCols)
		}
		if r > 0 {
			valuesSQL.WriteString(", ")
		}
		valuesSQL.WriteString("(")
		for c := range row {
			if c > 0 {
				valuesSQL.WriteString(", ")
			}
			args = append(args, row[c])
			fmt.Fprintf(&valuesSQL, "$%d", len(args))
		}
		valuesSQL.WriteString(")")
	}

	updateSet := buildUpdateSet(spec)

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO UPDATE SET %s",
		spec.Table,
		strings.Join(spec.Columns, ", "),
		valuesSQL.String(),
		strings.Join(spec.ConflictCols, ", "),
		updateSet,
	)

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("database: bulk upsert %s: %w", spec.Table, err)
	}
	return result.RowsAffected()
}

// buildUpdateSet renders the `col = EXCLUDED.col` list for every column
// that is neither a conflict key nor excluded (dispatcher-owned /
// created_at).
func buildUpdateSet(spec UpsertSpec) string {
	isKey := make(map[string]bool, len(spec.ConflictCols))
	for _, c := range spec.ConflictCols {
		isKey[c] = true
	}

	var parts []string
	for _, col := range spec.Columns {
		if isKey[col] || spec.ExcludeOnConflict[col] || col == "created_at" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	if len(parts) == 0 {
		// nothing to update; make the statement a no-op update of the key itself
		return fmt.Sprintf("%s = EXCLUDED.%s", spec.ConflictCols[0], spec.ConflictCols[0])
	}
	return strings.Join(parts, ", ")
}

// UpsertReturningIDs behaves like BulkUpsert but appends RETURNING id and
// returns the id of each affected row in insertion order — used by C1 to
// obtain the alarm id needed for the alarm_exchange notification publish
// (spec.md §4.1 step 7: "only fire when an id is available").
func UpsertReturningIDs(ctx context.Context, db *sql.DB, spec UpsertSpec, rows [][]interface{}, idColumn string) ([]int64, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	numCols := len(spec.Columns)
	var valuesSQL strings.Builder
	args := make([]interface{}, 0, len(rows)*numCols)

	for r, row := range rows {
		if len(row) != numCols {
			return nil, fmt.Errorf("database: row %d has %d values, want %d", r, len(row), numCols)
		}
		if r > 0 {
			valuesSQL.WriteString(", ")
		}
		valuesSQL.WriteString("(")
		for c := range row {
			if c > 0 {
				valuesSQL.WriteString(", ")
			}
			args = append(args, row[c])
			fmt.Fprintf(&valuesSQL, "$%d", len(args))
		}
		valuesSQL.WriteString(")")
	}

	updateSet := buildUpdateSet(spec)

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO UPDATE SET %s RETURNING %s",
		spec.Table,
		strings.Join(spec.Columns, ", "),
		valuesSQL.String(),
		strings.Join(spec.ConflictCols, ", "),
		updateSet,
		idColumn,
	)

	rowsResult, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database: upsert returning %s: %w", spec.Table, err)
	}
	defer rowsResult.Close()

	var ids []int64
	for rowsResult.Next() {
		var id int64
		if err := rowsResult.Scan(&id); err != nil {
			return nil, fmt.Errorf("database: scan returned id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rowsResult.Err()
}

// MarkProcessed inserts a ProcessedMessage row with ON CONFLICT DO NOTHING,
// tolerating concurrent workers racing to dedup the same message_id
// (spec.md §5 shared-resource policy).
func MarkProcessed(ctx context.Context, db *sql.DB, table, messageID string, processedAt interface{}) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (message_id, processed_at) VALUES ($1, $2) ON CONFLICT (message_id) DO NOTHING",
		table,
	)
	_, err := db.ExecContext(ctx, query, messageID, processedAt)
	if err != nil {
		return fmt.Errorf("database: mark processed in %s: %w", table, err)
	}
	return nil
}

// IsProcessed checks whether a message_id is already present in the
// table's dedup row set (the L2 tier of the two-tier deduplicator).
func IsProcessed(ctx context.Context, db *sql.DB, table, messageID string) (bool, error) {
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE message_id = $1", table)
	var dummy int
	err := db.QueryRowContext(ctx, query, messageID).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("database: check processed in %s: %w", table, err)
	}
	return true, nil
}
