package store

import (
	"context"

	"github.com/rcliao/vecmem/internal/model"
)

// ExportAll returns every stored memory, oldest first.
func (s *SQLiteStore) ExportAll(ctx context.Context) ([]model.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories m ORDER BY m.timestamp, m.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.MemoryEntry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
