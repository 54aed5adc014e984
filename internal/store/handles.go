package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const generationKey = "index_generation"

// LoadLedger returns every memory's mutable state, with chunk handles in
// chunk order.
func (s *SQLiteStore) LoadLedger(ctx context.Context) ([]LedgerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, source, type, tags, ext, importance, expires_at, last_decay_at
		 FROM memories ORDER BY timestamp, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []LedgerRecord
	byID := make(map[string]int)
	for rows.Next() {
		var r LedgerRecord
		var timestamp, lastDecay string
		var tagsJSON, extJSON, expiresAt sql.NullString
		if err := rows.Scan(&r.ID, &timestamp, &r.Metadata.Source, &r.Metadata.Type, &tagsJSON, &extJSON,
			&r.Importance, &expiresAt, &lastDecay); err != nil {
			return nil, err
		}
		r.Metadata.Timestamp = parseTime(timestamp)
		r.LastDecayAt = parseTime(lastDecay)
		if tagsJSON.Valid {
			json.Unmarshal([]byte(tagsJSON.String), &r.Metadata.Tags)
		}
		if extJSON.Valid {
			json.Unmarshal([]byte(extJSON.String), &r.Metadata.Ext)
		}
		if expiresAt.Valid {
			t := parseTime(expiresAt.String)
			r.ExpiresAt = &t
		}
		byID[r.ID] = len(records)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	chunkRows, err := s.db.QueryContext(ctx,
		`SELECT id, source_doc_id, handle FROM documents ORDER BY source_doc_id, chunk_index`)
	if err != nil {
		return nil, err
	}
	defer chunkRows.Close()

	for chunkRows.Next() {
		var chunkID, memoryID string
		var handle sql.NullInt64
		if err := chunkRows.Scan(&chunkID, &memoryID, &handle); err != nil {
			return nil, err
		}
		i, ok := byID[memoryID]
		if !ok {
			continue
		}
		ref := ChunkRef{ChunkID: chunkID}
		if handle.Valid {
			h := handle.Int64
			ref.Handle = &h
		}
		records[i].Chunks = append(records[i].Chunks, ref)
	}
	return records, chunkRows.Err()
}

func (s *SQLiteStore) ClearHandles(ctx context.Context, handles []int64) error {
	if len(handles) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET handle = NULL WHERE handle IN (`+placeholders(len(handles))+`)`,
		int64Args(handles)...)
	if err != nil {
		return fmt.Errorf("clear handles: %w", err)
	}
	return nil
}

// RemapHandles moves handles to their post-compaction slots. Handles are
// first parked at negative values so the UNIQUE constraint never sees two
// rows on the same slot mid-update.
func (s *SQLiteStore) RemapHandles(ctx context.Context, remap map[int64]int64, dropped []int64, generation uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(dropped) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET handle = NULL WHERE handle IN (`+placeholders(len(dropped))+`)`,
			int64Args(dropped)...); err != nil {
			return fmt.Errorf("drop handles: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `UPDATE documents SET handle = ? WHERE handle = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for from, to := range remap {
		if _, err := stmt.ExecContext(ctx, -1-to, from); err != nil {
			return fmt.Errorf("remap handle %d: %w", from, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE documents SET handle = NULL WHERE handle >= 0`); err != nil {
		return fmt.Errorf("drop unmapped handles: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET handle = -1 - handle WHERE handle < 0`); err != nil {
		return fmt.Errorf("settle handles: %w", err)
	}
	if err := setGeneration(ctx, tx, generation); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Generation(ctx context.Context) (uint64, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, generationKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	g, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", generationKey, err)
	}
	return g, nil
}

func (s *SQLiteStore) SetGeneration(ctx context.Context, generation uint64) error {
	return setGeneration(ctx, s.db, generation)
}

func setGeneration(ctx context.Context, tx execer, generation uint64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		generationKey, formatUint(generation))
	if err != nil {
		return fmt.Errorf("set %s: %w", generationKey, err)
	}
	return nil
}
