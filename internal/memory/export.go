package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/rcliao/vecmem/internal/model"
)

// ExportRecord is the portable form of a memory.
type ExportRecord struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Metadata   model.Metadata `json:"metadata"`
	Importance float64        `json:"importance"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// Export returns every memory, oldest first, with current importance.
// Entries whose insert failed are included.
func (m *Store) Export(ctx context.Context) ([]ExportRecord, error) {
	entries, err := m.docs.ExportAll(ctx)
	if err != nil {
		return nil, ioError("export", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ExportRecord, 0, len(entries))
	for _, e := range entries {
		rec := ExportRecord{
			ID:         e.ID,
			Content:    e.Content,
			Metadata:   e.Metadata,
			Importance: e.Importance,
			ExpiresAt:  e.ExpiresAt,
		}
		if r, ok := m.ledger.get(e.ID); ok {
			rec.Importance = r.importance
		}
		out = append(out, rec)
	}
	if len(m.unsaved) == 0 {
		return out, nil
	}
	for id, u := range m.unsaved {
		r, ok := m.ledger.get(id)
		if !ok {
			continue
		}
		out = append(out, ExportRecord{
			ID:         id,
			Content:    u.entry.Content,
			Metadata:   r.meta,
			Importance: r.importance,
			ExpiresAt:  r.expiresAt,
		})
	}
	slices.SortStableFunc(out, func(a, b ExportRecord) int {
		if c := a.Metadata.Timestamp.Compare(b.Metadata.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Import stores records through Store, keeping their importance and expiry.
// Records get fresh ids. It returns how many were stored before the first
// failure.
func (m *Store) Import(ctx context.Context, records []ExportRecord) (int, error) {
	imported := 0
	for _, r := range records {
		importance := r.Importance
		_, err := m.Store(ctx, r.Content, r.Metadata, StoreOptions{
			Importance: &importance,
			ExpiresAt:  r.ExpiresAt,
			NoExpiry:   r.ExpiresAt == nil,
		})
		if err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}
