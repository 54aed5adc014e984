package store

import (
	"context"
	"fmt"
	"strings"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchMemories finds memories whose content contains the query substring.
// Matching is case-insensitive for ASCII.
func (s *SQLiteStore) SearchMemories(ctx context.Context, q KeywordQuery) ([]string, error) {
	where := []string{`m.content LIKE ? ESCAPE '\'`}
	args := []interface{}{"%" + likeEscaper.Replace(q.Query) + "%"}

	if !q.Now.IsZero() {
		where = append(where, "(m.expires_at IS NULL OR m.expires_at > ?)")
		args = append(args, formatTime(q.Now))
	}
	if q.Type != "" {
		where = append(where, "m.type = ?")
		args = append(args, q.Type)
	}
	for _, tag := range q.Tags {
		b, _ := marshalNullable(tag, true)
		where = append(where, `m.tags LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscaper.Replace(*b)+"%")
	}

	query := fmt.Sprintf(`SELECT m.id FROM memories m WHERE %s ORDER BY m.timestamp DESC, m.id DESC`,
		strings.Join(where, " AND "))
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
