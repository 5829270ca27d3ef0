// Package memory implements the durable record log behind the retrieval
// engine.
//
// It uses SQLite (WAL) to keep one append-only log of records per scope,
// together with the vector artifacts of each embedder version and a small
// key/value meta table. Records are never deleted or edited: corrections
// append a new record and tombstone the old one through superseded_by.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds record store configuration.
type Config struct {
	DataDir       string
	Scope         string
	MaxTextLength int
}

// DefaultConfig returns the default configuration for the record store.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:       filepath.Join(home, ".recall"),
		Scope:         "default",
		MaxTextLength: 8000,
	}
}

// ─── Types ───────────────────────────────────────────────────────────────────

// Stats holds aggregate record statistics.
type Stats struct {
	Scope      string       `json:"scope"`
	Total      int          `json:"total"`
	Live       int          `json:"live"`
	Superseded int          `json:"superseded"`
	Unindexed  int          `json:"unindexed"`
	Unembedded int          `json:"unembedded"`
	PerKind    map[Kind]int `json:"per_kind"`
}

// IndexState is the slice of a record the consistency check needs.
type IndexState struct {
	Kind             Kind
	EmbeddingVersion string
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the append-only record log of one scope.
type Store struct {
	db    *sql.DB
	cfg   Config
	path  string
	hooks storeHooks
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type storeHooks struct {
	exec  func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error)
	query func(ctx context.Context, db queryer, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) execHook(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(ctx, db, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

func (s *Store) queryHook(ctx context.Context, db queryer, query string, args ...any) (*sql.Rows, error) {
	if s.hooks.query != nil {
		return s.hooks.query(ctx, db, query, args...)
	}
	return db.QueryContext(ctx, query, args...)
}

// New opens (or creates) the store for cfg.Scope under cfg.DataDir, verifies
// the file is intact and runs migrations.
func New(cfg Config) (*Store, error) {
	scope, err := SanitizeScope(cfg.Scope)
	if err != nil {
		return nil, err
	}
	cfg.Scope = scope
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultConfig().MaxTextLength
	}

	dir := filepath.Join(cfg.DataDir, scope)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("memory: create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "recall.db")
	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"
	db, err := openDB("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}

	s := &Store{db: db, cfg: cfg, path: dbPath}
	if err := s.verify(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: migration: %w", s.classify(err))
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Scope returns the scope identifier this store serves.
func (s *Store) Scope() string { return s.cfg.Scope }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// DB exposes the connection so sibling artifacts (the lexical index) live
// in the same file as the log they are derived from.
func (s *Store) DB() *sql.DB { return s.db }

// MaxTextLength is the longest text the store accepts.
func (s *Store) MaxTextLength() int { return s.cfg.MaxTextLength }

func (s *Store) verify() error {
	var result string
	if err := s.db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		if isCorruptErr(err) {
			return &CorruptionError{Scope: s.cfg.Scope, Err: err}
		}
		return fmt.Errorf("memory: integrity check: %w", err)
	}
	if result != "ok" {
		return &CorruptionError{Scope: s.cfg.Scope, Err: errors.New(result)}
	}
	return nil
}

// classify upgrades SQLite corruption errors to a CorruptionError carrying
// the scope so callers can surface it.
func (s *Store) classify(err error) error {
	if err == nil || IsCorruption(err) {
		return err
	}
	if isCorruptErr(err) {
		return &CorruptionError{Scope: s.cfg.Scope, Err: err}
	}
	return err
}

func (s *Store) fail(op string, err error) error {
	return fmt.Errorf("memory: %s: %w", op, s.classify(err))
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	ctx := context.Background()
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			seq               INTEGER PRIMARY KEY AUTOINCREMENT,
			id                TEXT    NOT NULL UNIQUE,
			kind              TEXT    NOT NULL,
			text              TEXT    NOT NULL,
			normalized_hash   TEXT    NOT NULL,
			importance        REAL    NOT NULL,
			source_ref        TEXT,
			created_at        TEXT    NOT NULL,
			last_seen_at      TEXT,
			superseded_by     TEXT,
			embedding_version TEXT,
			indexed           INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_rec_kind    ON records(kind);
		CREATE INDEX IF NOT EXISTS idx_rec_source  ON records(source_ref);
		CREATE INDEX IF NOT EXISTS idx_rec_pending ON records(indexed) WHERE indexed = 0;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_rec_live_hash
			ON records(kind, normalized_hash) WHERE superseded_by IS NULL;

		CREATE TABLE IF NOT EXISTS vectors (
			record_id TEXT    NOT NULL,
			version   TEXT    NOT NULL,
			dims      INTEGER NOT NULL,
			vec       BLOB    NOT NULL,
			PRIMARY KEY (record_id, version)
		);

		CREATE INDEX IF NOT EXISTS idx_vec_version ON vectors(version);

		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := s.execHook(ctx, s.db, schema); err != nil {
		return err
	}

	// The log is append-only: content columns are write-once and rows are
	// never deleted.
	_, err := s.execHook(ctx, s.db, `
		CREATE TRIGGER IF NOT EXISTS records_write_once
		BEFORE UPDATE OF id, kind, text, normalized_hash, importance, created_at ON records
		BEGIN
			SELECT RAISE(ABORT, 'records are append-only');
		END;

		CREATE TRIGGER IF NOT EXISTS records_no_delete
		BEFORE DELETE ON records
		BEGIN
			SELECT RAISE(ABORT, 'records are append-only');
		END;
	`)
	return err
}

// ─── Records ─────────────────────────────────────────────────────────────────

const recordColumns = `seq, id, kind, text, importance, source_ref, created_at,
	last_seen_at, superseded_by, embedding_version, indexed`

// Append writes a new, not yet indexed record. The caller assigns ID and
// CreatedAt; Text is stored as given.
func (s *Store) Append(ctx context.Context, r Record) error {
	if r.ID == "" {
		return errors.New("memory: append: empty id")
	}
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	if r.Importance < 0 || r.Importance > 1 || math.IsNaN(r.Importance) {
		return fmt.Errorf("memory: append: importance %v out of [0,1]", r.Importance)
	}
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("memory: append: empty text")
	}
	if r.CreatedAt.IsZero() {
		return errors.New("memory: append: zero created_at")
	}

	_, err := s.execHook(ctx, s.db,
		`INSERT INTO records (id, kind, text, normalized_hash, importance, source_ref, created_at, embedding_version, indexed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, 0)`,
		r.ID, string(r.Kind), r.Text, HashNormalized(r.Text), r.Importance,
		nullableString(r.SourceRef), formatTime(r.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) && strings.Contains(err.Error(), "normalized_hash") {
			return ErrDuplicateText
		}
		return s.fail("append", err)
	}
	return nil
}

// Get returns a record by id, superseded or not.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail("get", err)
	}
	return &r, nil
}

// GetMany hydrates the given ids. Missing ids are absent from the result.
func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]Record, error) {
	out := make(map[string]Record, len(ids))
	const batch = 500
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		records, err := s.queryRecords(ctx,
			`SELECT `+recordColumns+` FROM records WHERE id IN (`+placeholders(len(chunk))+`)`,
			args...,
		)
		if err != nil {
			return nil, s.fail("get many", err)
		}
		for _, r := range records {
			out[r.ID] = r
		}
	}
	return out, nil
}

// FindLive returns the live record of kind whose normalized text equals text.
func (s *Store) FindLive(ctx context.Context, kind Kind, text string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE kind = ? AND normalized_hash = ? AND superseded_by IS NULL
		 LIMIT 1`,
		string(kind), HashNormalized(text),
	)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail("find live", err)
	}
	return &r, nil
}

// MarkIndexed makes a record visible to retrieval. embeddingVersion is empty
// when the record was indexed lexically only.
func (s *Store) MarkIndexed(ctx context.Context, id, embeddingVersion string) error {
	res, err := s.execHook(ctx, s.db,
		`UPDATE records SET indexed = 1, embedding_version = ? WHERE id = ?`,
		nullableString(embeddingVersion), id,
	)
	if err != nil {
		return s.fail("mark indexed", err)
	}
	return requireOneRow(res)
}

// SetEmbeddingVersion records which embedder produced the record's vector.
func (s *Store) SetEmbeddingVersion(ctx context.Context, id, version string) error {
	if _, err := s.execHook(ctx, s.db,
		`UPDATE records SET embedding_version = ? WHERE id = ?`,
		nullableString(version), id,
	); err != nil {
		return s.fail("set embedding version", err)
	}
	return nil
}

// Supersede tombstones oldID in favour of newID. A record is superseded at
// most once.
func (s *Store) Supersede(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return errors.New("memory: supersede: record cannot supersede itself")
	}
	if _, err := s.Get(ctx, newID); err != nil {
		return fmt.Errorf("memory: supersede: replacement %s: %w", newID, err)
	}
	res, err := s.execHook(ctx, s.db,
		`UPDATE records SET superseded_by = ? WHERE id = ? AND superseded_by IS NULL`,
		newID, oldID,
	)
	if err != nil {
		return s.fail("supersede", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		old, err := s.Get(ctx, oldID)
		if err != nil {
			return err
		}
		return fmt.Errorf("memory: supersede: %s already superseded by %s", oldID, *old.SupersededBy)
	}
	return nil
}

// Touch advances last_seen_at for the given records. An older timestamp
// never overwrites a newer one.
func (s *Store) Touch(ctx context.Context, seen map[string]time.Time) error {
	if len(seen) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("touch", err)
	}
	defer func() { _ = tx.Rollback() }()

	for id, at := range seen {
		ts := formatTime(at)
		if _, err := s.execHook(ctx, tx,
			`UPDATE records SET last_seen_at = ?
			 WHERE id = ? AND (last_seen_at IS NULL OR last_seen_at < ?)`,
			ts, id, ts,
		); err != nil {
			return s.fail("touch", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.fail("touch commit", err)
	}
	return nil
}

// LiveAfter returns live, indexed records with seq > afterSeq in append order.
func (s *Store) LiveAfter(ctx context.Context, afterSeq int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	records, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE seq > ? AND superseded_by IS NULL AND indexed = 1
		 ORDER BY seq LIMIT ?`,
		afterSeq, limit,
	)
	if err != nil {
		return nil, s.fail("live after", err)
	}
	return records, nil
}

// Unindexed returns live records whose index insertion has not completed.
func (s *Store) Unindexed(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	records, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE indexed = 0 AND superseded_by IS NULL
		 ORDER BY seq LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, s.fail("unindexed", err)
	}
	return records, nil
}

// MissingVectors returns live, indexed records with no stored vector for
// version. These are the records flagged for re-embedding.
func (s *Store) MissingVectors(ctx context.Context, version string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	records, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records r
		 WHERE r.indexed = 1 AND r.superseded_by IS NULL
		   AND NOT EXISTS (SELECT 1 FROM vectors v WHERE v.record_id = r.id AND v.version = ?)
		 ORDER BY r.seq LIMIT ?`,
		version, limit,
	)
	if err != nil {
		return nil, s.fail("missing vectors", err)
	}
	return records, nil
}

// LiveIndexed returns every live, indexed record id with its index state.
func (s *Store) LiveIndexed(ctx context.Context) (map[string]IndexState, error) {
	rows, err := s.queryHook(ctx, s.db,
		`SELECT id, kind, ifnull(embedding_version, '') FROM records
		 WHERE indexed = 1 AND superseded_by IS NULL`,
	)
	if err != nil {
		return nil, s.fail("live indexed", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]IndexState)
	for rows.Next() {
		var id, kind, version string
		if err := rows.Scan(&id, &kind, &version); err != nil {
			return nil, s.fail("live indexed", err)
		}
		out[id] = IndexState{Kind: Kind(kind), EmbeddingVersion: version}
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("live indexed", err)
	}
	return out, nil
}

// LiveBySource returns live records of the given kinds whose source_ref
// points into path (either "path" or "path:<anything>").
func (s *Store) LiveBySource(ctx context.Context, path string, kinds ...Kind) ([]Record, error) {
	sqlStr := `SELECT ` + recordColumns + ` FROM records
		WHERE superseded_by IS NULL
		  AND (source_ref = ? OR source_ref LIKE ? ESCAPE '\')`
	args := []any{path, escapeLike(path) + ":%"}
	if len(kinds) > 0 {
		sqlStr += ` AND kind IN (` + placeholders(len(kinds)) + `)`
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	sqlStr += ` ORDER BY seq`
	records, err := s.queryRecords(ctx, sqlStr, args...)
	if err != nil {
		return nil, s.fail("live by source", err)
	}
	return records, nil
}

// ─── Vectors ─────────────────────────────────────────────────────────────────

// PutVector stores the vector artifact of a record for an embedder version.
func (s *Store) PutVector(ctx context.Context, id, version string, vec []float32) error {
	if len(vec) == 0 {
		return errors.New("memory: put vector: empty vector")
	}
	if _, err := s.execHook(ctx, s.db,
		`INSERT INTO vectors (record_id, version, dims, vec) VALUES (?, ?, ?, ?)
		 ON CONFLICT(record_id, version) DO UPDATE SET dims = excluded.dims, vec = excluded.vec`,
		id, version, len(vec), encodeVector(vec),
	); err != nil {
		return s.fail("put vector", err)
	}
	return nil
}

// Vector returns the stored vector of a record, or ErrNotFound.
func (s *Store) Vector(ctx context.Context, id, version string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT vec FROM vectors WHERE record_id = ? AND version = ?`, id, version,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail("vector", err)
	}
	return decodeVector(blob)
}

// DeleteVector removes a vector artifact. Used when index insertion is
// rolled back.
func (s *Store) DeleteVector(ctx context.Context, id, version string) error {
	if _, err := s.execHook(ctx, s.db,
		`DELETE FROM vectors WHERE record_id = ? AND version = ?`, id, version,
	); err != nil {
		return s.fail("delete vector", err)
	}
	return nil
}

// ForEachVector streams the vectors of live records for version.
func (s *Store) ForEachVector(ctx context.Context, version string, fn func(id string, kind Kind, vec []float32) error) error {
	rows, err := s.queryHook(ctx, s.db,
		`SELECT v.record_id, r.kind, v.vec FROM vectors v
		 JOIN records r ON r.id = v.record_id
		 WHERE v.version = ? AND r.superseded_by IS NULL AND r.indexed = 1
		 ORDER BY r.seq`,
		version,
	)
	if err != nil {
		return s.fail("for each vector", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, kind string
		var blob []byte
		if err := rows.Scan(&id, &kind, &blob); err != nil {
			return s.fail("for each vector", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return s.fail("for each vector", err)
		}
		if err := fn(id, Kind(kind), vec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return s.fail("for each vector", err)
	}
	return nil
}

// AdoptVersion points every live record's embedding_version at version when
// a vector exists for it, and clears it otherwise (flagging it for
// re-embedding).
func (s *Store) AdoptVersion(ctx context.Context, version string) error {
	if _, err := s.execHook(ctx, s.db,
		`UPDATE records SET embedding_version = CASE
			WHEN EXISTS (SELECT 1 FROM vectors v WHERE v.record_id = records.id AND v.version = ?) THEN ?
			ELSE NULL END
		 WHERE superseded_by IS NULL`,
		version, version,
	); err != nil {
		return s.fail("adopt version", err)
	}
	return nil
}

// DropVectorsExcept deletes vector artifacts of every other version.
func (s *Store) DropVectorsExcept(ctx context.Context, version string) (int64, error) {
	res, err := s.execHook(ctx, s.db, `DELETE FROM vectors WHERE version <> ?`, version)
	if err != nil {
		return 0, s.fail("drop vectors", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ─── Meta ────────────────────────────────────────────────────────────────────

// Meta reads a meta value. ok is false when the key is unset.
func (s *Store) Meta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.fail("meta", err)
	}
	return value, true, nil
}

// SetMeta upserts a meta value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	if _, err := s.execHook(ctx, s.db,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	); err != nil {
		return s.fail("set meta", err)
	}
	return nil
}

// DeleteMeta removes a meta key.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	if _, err := s.execHook(ctx, s.db, `DELETE FROM meta WHERE key = ?`, key); err != nil {
		return s.fail("delete meta", err)
	}
	return nil
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// Stats returns aggregate statistics. Unembedded counts live, indexed records
// with no vector for activeVersion.
func (s *Store) Stats(ctx context.Context, activeVersion string) (*Stats, error) {
	stats := &Stats{Scope: s.cfg.Scope, PerKind: make(map[Kind]int)}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN superseded_by IS NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN superseded_by IS NOT NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN superseded_by IS NULL AND indexed = 0 THEN 1 ELSE 0 END), 0)
		 FROM records`,
	).Scan(&stats.Total, &stats.Live, &stats.Superseded, &stats.Unindexed)
	if err != nil {
		return nil, s.fail("stats", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records r
		 WHERE r.indexed = 1 AND r.superseded_by IS NULL
		   AND NOT EXISTS (SELECT 1 FROM vectors v WHERE v.record_id = r.id AND v.version = ?)`,
		activeVersion,
	).Scan(&stats.Unembedded)
	if err != nil {
		return nil, s.fail("stats", err)
	}

	rows, err := s.queryHook(ctx, s.db,
		`SELECT kind, COUNT(*) FROM records WHERE superseded_by IS NULL GROUP BY kind ORDER BY kind`,
	)
	if err != nil {
		return nil, s.fail("stats", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, s.fail("stats", err)
		}
		stats.PerKind[Kind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("stats", err)
	}
	return stats, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r                                       Record
		kind, created                           string
		sourceRef, lastSeen, superseded, embVer sql.NullString
		indexed                                 int
	)
	if err := sc.Scan(
		&r.Seq, &r.ID, &kind, &r.Text, &r.Importance, &sourceRef, &created,
		&lastSeen, &superseded, &embVer, &indexed,
	); err != nil {
		return r, err
	}

	r.Kind = Kind(kind)
	r.SourceRef = sourceRef.String
	r.EmbeddingVersion = embVer.String
	r.Indexed = indexed == 1

	t, err := parseTime(created)
	if err != nil {
		return r, fmt.Errorf("record %s: created_at: %w", r.ID, err)
	}
	r.CreatedAt = t

	if lastSeen.Valid && lastSeen.String != "" {
		t, err := parseTime(lastSeen.String)
		if err != nil {
			return r, fmt.Errorf("record %s: last_seen_at: %w", r.ID, err)
		}
		r.LastSeenAt = &t
	}
	if superseded.Valid && superseded.String != "" {
		v := superseded.String
		r.SupersededBy = &v
	}
	return r, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.queryHook(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// encodeVector stores float32s little-endian, four bytes each.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// SanitizeScope validates a scope name so it maps to a single directory.
func SanitizeScope(scope string) (string, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return "default", nil
	}
	if scope == "." || scope == ".." || strings.ContainsAny(scope, `/\`) {
		return "", fmt.Errorf("memory: invalid scope %q", scope)
	}
	return scope, nil
}

// Truncate shortens s to at most max bytes on a rune boundary. The result
// ends in "..." when there is room for it.
func Truncate(s string, max int) string {
	const ellipsis = "..."
	if len(s) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return cutRunes(s, max)
	}
	return cutRunes(s, max-len(ellipsis)) + ellipsis
}

func cutRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
