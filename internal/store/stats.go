package store

import (
	"context"
	"os"
)

// DBStats holds database statistics.
type DBStats struct {
	DBPath        string      `json:"db_path"`
	DBSizeBytes   int64       `json:"db_size_bytes"`
	TotalMemories int         `json:"total_memories"`
	TotalChunks   int         `json:"total_chunks"`
	IndexedChunks int         `json:"indexed_chunks"`
	Generation    uint64      `json:"index_generation"`
	Types         []TypeStats `json:"types"`
}

// TypeStats holds per-type counts.
type TypeStats struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*DBStats, error) {
	st := &DBStats{DBPath: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&st.TotalMemories)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&st.TotalChunks)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE handle IS NOT NULL`).Scan(&st.IndexedChunks)
	st.Generation, _ = s.Generation(ctx)

	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*) as cnt
		FROM memories
		GROUP BY type ORDER BY cnt DESC, type`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var ts TypeStats
		rows.Scan(&ts.Type, &ts.Count)
		st.Types = append(st.Types, ts)
	}
	return st, rows.Err()
}
