package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcliao/vecmem/internal/model"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements DocumentStore using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ DocumentStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id            TEXT PRIMARY KEY,
		content       TEXT NOT NULL,
		timestamp     TEXT NOT NULL,
		source        TEXT NOT NULL,
		type          TEXT NOT NULL,
		tags          TEXT,
		ext           TEXT,
		importance    REAL NOT NULL,
		expires_at    TEXT,
		compressed    INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		last_decay_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_timestamp ON memories(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
	CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at);

	CREATE TABLE IF NOT EXISTS documents (
		id            TEXT PRIMARY KEY,
		handle        INTEGER UNIQUE,
		source_doc_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		chunk_index   INTEGER NOT NULL,
		total_chunks  INTEGER NOT NULL,
		content       TEXT NOT NULL,
		metadata      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source_doc_id, chunk_index);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) PutMemory(ctx context.Context, e model.MemoryEntry, now time.Time, chunks []model.Chunk) error {
	tagsJSON, err := marshalNullable(e.Metadata.Tags, len(e.Metadata.Tags) > 0)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	extJSON, err := marshalNullable(e.Metadata.Ext, len(e.Metadata.Ext) > 0)
	if err != nil {
		return fmt.Errorf("encode ext: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (id, content, timestamp, source, type, tags, ext, importance, expires_at, compressed, created_at, last_decay_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Content, formatTime(e.Metadata.Timestamp), e.Metadata.Source, e.Metadata.Type,
		tagsJSON, extJSON, e.Importance, formatTimePtr(e.ExpiresAt), e.Compressed,
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	for _, c := range chunks {
		if err := insertChunk(ctx, tx, c); err != nil {
			return err
		}
	}

	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertChunk(ctx context.Context, tx execer, c model.Chunk) error {
	metaJSON, err := marshalNullable(c.Metadata, len(c.Metadata) > 0)
	if err != nil {
		return fmt.Errorf("encode chunk metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, handle, source_doc_id, chunk_index, total_chunks, content, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET handle = excluded.handle, content = excluded.content,
		   chunk_index = excluded.chunk_index, total_chunks = excluded.total_chunks, metadata = excluded.metadata`,
		c.ID, nullableHandle(c.Handle), c.SourceDocID, c.ChunkIndex, c.TotalChunks, c.Content, metaJSON)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

const memoryColumns = `m.id, m.content, m.timestamp, m.source, m.type, m.tags, m.ext, m.importance, m.expires_at, m.compressed,
	(SELECT COUNT(*) FROM documents d WHERE d.source_doc_id = m.id)`

func (s *SQLiteStore) GetMemories(ctx context.Context, ids []string) ([]model.MemoryEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + memoryColumns + ` FROM memories m WHERE m.id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]model.MemoryEntry, len(ids))
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		byID[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.MemoryEntry, 0, len(byID))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

const chunkColumns = `id, handle, source_doc_id, chunk_index, total_chunks, content, metadata`

func (s *SQLiteStore) GetChunkByHandle(ctx context.Context, h int64) (*model.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM documents WHERE handle = ?`, h)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chunk with handle %d", model.ErrNotFound, h)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetChunk inserts or replaces a chunk row.
func (s *SQLiteStore) SetChunk(ctx context.Context, c model.Chunk) error {
	return insertChunk(ctx, s.db, c)
}

func (s *SQLiteStore) DeleteChunk(ctx context.Context, chunkID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, chunkID)
	if err != nil {
		return fmt.Errorf("delete chunk: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: chunk %s", model.ErrNotFound, chunkID)
	}
	return nil
}

func (s *SQLiteStore) ListBySource(ctx context.Context, memoryID string) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM documents WHERE source_doc_id = ? ORDER BY chunk_index`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStore) UpdateImportance(ctx context.Context, updates []ImportanceUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE memories SET importance = ?, last_decay_at = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.Importance, formatTime(u.LastDecayAt), u.ID); err != nil {
			return fmt.Errorf("update importance %s: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteMemories(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	in := placeholders(len(ids))
	args := stringArgs(ids)
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE source_doc_id IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("delete memories: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Clear(ctx context.Context, generation uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{`DELETE FROM documents`, `DELETE FROM memories`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}
	if err := setGeneration(ctx, tx, generation); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row scanner) (model.MemoryEntry, error) {
	var e model.MemoryEntry
	var tagsJSON, extJSON, expiresAt sql.NullString
	var timestamp string

	err := row.Scan(
		&e.ID, &e.Content, &timestamp, &e.Metadata.Source, &e.Metadata.Type,
		&tagsJSON, &extJSON, &e.Importance, &expiresAt, &e.Compressed, &e.ChunkCount,
	)
	if err != nil {
		return e, err
	}

	e.Metadata.Timestamp = parseTime(timestamp)
	if tagsJSON.Valid {
		json.Unmarshal([]byte(tagsJSON.String), &e.Metadata.Tags)
	}
	if extJSON.Valid {
		json.Unmarshal([]byte(extJSON.String), &e.Metadata.Ext)
	}
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		e.ExpiresAt = &t
	}
	return e, nil
}

func scanChunk(row scanner) (model.Chunk, error) {
	var c model.Chunk
	var handle sql.NullInt64
	var metaJSON sql.NullString

	err := row.Scan(&c.ID, &handle, &c.SourceDocID, &c.ChunkIndex, &c.TotalChunks, &c.Content, &metaJSON)
	if err != nil {
		return c, err
	}
	if handle.Valid {
		h := handle.Int64
		c.Handle = &h
	}
	if metaJSON.Valid {
		json.Unmarshal([]byte(metaJSON.String), &c.Metadata)
	}
	return c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func marshalNullable(v any, present bool) (*string, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullableHandle(h *int64) any {
	if h == nil {
		return nil
	}
	return *h
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

func int64Args(hs []int64) []any {
	args := make([]any, len(hs))
	for i, h := range hs {
		args[i] = h
	}
	return args
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
