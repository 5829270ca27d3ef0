package lexical

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Index is an inverted token index stored in SQLite FTS5. Documents are the
// pre-tokenized text of a record, so FTS5 only ever sees lowercase tokens
// with stop words already removed, and matching is exact per token.
type Index struct {
	db *sql.DB
}

// ftsTokenizer keeps snake_case identifiers whole and diacritics significant,
// so "cafe" and "café" are different tokens as they are to Tokenize.
const ftsTokenizer = `unicode61 remove_diacritics 0 tokenchars '_'`

// New creates the index tables in db if needed. A token table created with
// an older tokenizer is rebuilt in place from its stored tokens.
func New(ctx context.Context, db *sql.DB) (*Index, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS lexical_docs (
			doc       INTEGER PRIMARY KEY AUTOINCREMENT,
			record_id TEXT    NOT NULL UNIQUE,
			kind      TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_lex_kind ON lexical_docs(kind);
	`)
	if err != nil {
		return nil, fmt.Errorf("lexical: create tables: %w", err)
	}

	var schema string
	err = db.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'lexical_fts'`).Scan(&schema)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.ExecContext(ctx, createFTS("lexical_fts")); err != nil {
			return nil, fmt.Errorf("lexical: create tables: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("lexical: inspect schema: %w", err)
	case !strings.Contains(schema, ftsTokenizer):
		if err := migrateFTS(ctx, db); err != nil {
			return nil, err
		}
	}
	return &Index{db: db}, nil
}

func createFTS(name string) string {
	return `CREATE VIRTUAL TABLE ` + name + ` USING fts5(tokens, tokenize = "` + ftsTokenizer + `")`
}

// migrateFTS copies the stored tokens into a table with the current
// tokenizer and swaps it in under the same name. Row ids are kept, so
// lexical_docs stays valid.
func migrateFTS(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lexical: migrate tokenizer: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DROP TABLE IF EXISTS lexical_fts_next`,
		createFTS("lexical_fts_next"),
		`INSERT INTO lexical_fts_next (rowid, tokens) SELECT rowid, tokens FROM lexical_fts`,
		`DROP TABLE lexical_fts`,
		`ALTER TABLE lexical_fts_next RENAME TO lexical_fts`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("lexical: migrate tokenizer: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lexical: migrate tokenizer commit: %w", err)
	}
	return nil
}

// Upsert (re)indexes the tokens of text under record id.
func (ix *Index) Upsert(ctx context.Context, id, kind, text string) error {
	tokens := strings.Join(Tokenize(text), " ")

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lexical: upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var doc int64
	err = tx.QueryRowContext(ctx, `SELECT doc FROM lexical_docs WHERE record_id = ?`, id).Scan(&doc)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `DELETE FROM lexical_fts WHERE rowid = ?`, doc); err != nil {
			return fmt.Errorf("lexical: upsert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE lexical_docs SET kind = ? WHERE doc = ?`, kind, doc); err != nil {
			return fmt.Errorf("lexical: upsert: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `INSERT INTO lexical_docs (record_id, kind) VALUES (?, ?)`, id, kind)
		if err != nil {
			return fmt.Errorf("lexical: upsert: %w", err)
		}
		if doc, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("lexical: upsert: %w", err)
		}
	default:
		return fmt.Errorf("lexical: upsert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO lexical_fts (rowid, tokens) VALUES (?, ?)`, doc, tokens); err != nil {
		return fmt.Errorf("lexical: upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lexical: upsert commit: %w", err)
	}
	return nil
}

// Delete removes a record from the index. Deleting an absent id is a no-op.
func (ix *Index) Delete(ctx context.Context, id string) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lexical: delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var doc int64
	err = tx.QueryRowContext(ctx, `SELECT doc FROM lexical_docs WHERE record_id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lexical: delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM lexical_fts WHERE rowid = ?`, doc); err != nil {
		return fmt.Errorf("lexical: delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM lexical_docs WHERE doc = ?`, doc); err != nil {
		return fmt.Errorf("lexical: delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lexical: delete commit: %w", err)
	}
	return nil
}

// Query returns ids of records containing any of keywords as an exact token,
// best BM25 rank first, then by id. kinds restricts the result when given.
func (ix *Index) Query(ctx context.Context, keywords []string, limit int, kinds ...string) ([]string, error) {
	match := matchExpression(keywords)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}

	sqlStr := `
		SELECT d.record_id
		FROM lexical_fts
		JOIN lexical_docs d ON d.doc = lexical_fts.rowid
		WHERE lexical_fts MATCH ?
	`
	args := []any{match}
	if len(kinds) > 0 {
		sqlStr += ` AND d.kind IN (` + strings.TrimSuffix(strings.Repeat("?,", len(kinds)), ",") + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	sqlStr += ` ORDER BY lexical_fts.rank, d.record_id LIMIT ?`
	args = append(args, limit)

	rows, err := ix.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("lexical: query: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IDs returns every indexed record id.
func (ix *Index) IDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT record_id FROM lexical_docs`)
	if err != nil {
		return nil, fmt.Errorf("lexical: ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("lexical: ids: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// Count returns the number of indexed records.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lexical_docs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("lexical: count: %w", err)
	}
	return n, nil
}

// Reset empties the index.
func (ix *Index) Reset(ctx context.Context) error {
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM lexical_fts; DELETE FROM lexical_docs;`); err != nil {
		return fmt.Errorf("lexical: reset: %w", err)
	}
	return nil
}

// matchExpression ORs the distinct keyword tokens as quoted FTS5 terms.
// Keywords are re-tokenized so operators and quotes never reach FTS5.
// ["fix", "auth"] → `"fix" OR "auth"`
func matchExpression(keywords []string) string {
	seen := make(map[string]struct{}, len(keywords))
	var terms []string
	for _, k := range keywords {
		for _, tok := range Tokenize(k) {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			terms = append(terms, `"`+tok+`"`)
		}
	}
	return strings.Join(terms, " OR ")
}
