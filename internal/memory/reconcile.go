package memory

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rcliao/vecmem/internal/index"
	"github.com/rcliao/vecmem/internal/model"
	"github.com/rcliao/vecmem/internal/store"
)

// load restores the index blob and the ledger and repairs any disagreement
// between them and the document store. Repairs are logged, never fatal.
func (m *Store) load(ctx context.Context) error {
	dbGen, err := m.docs.Generation(ctx)
	if err != nil {
		return ioError("read index generation", err)
	}

	idxOpts := index.Options{
		Dimension:       m.opts.Dimension,
		InitialCapacity: m.opts.InitialCapacity,
		MaxElements:     m.opts.MaxElements,
	}
	idx, loaded, err := m.loadIndex(idxOpts)
	if err != nil {
		return err
	}

	resetHandles := false
	if loaded && idx.Generation() != dbGen {
		m.consistency("index generation does not match database, dropping index",
			"index_generation", idx.Generation(), "db_generation", dbGen)
		idx.Reset()
		resetHandles = true
	}
	idx.SetGeneration(dbGen)

	records, err := m.docs.LoadLedger(ctx)
	if err != nil {
		return ioError("load ledger", err)
	}

	owned := make(map[index.Handle]bool)
	var orphanRows []int64
	for i := range records {
		for j, c := range records[i].Chunks {
			if c.Handle == nil {
				continue
			}
			h := index.Handle(*c.Handle)
			if resetHandles || !idx.IsLive(h) || owned[h] {
				if !resetHandles {
					m.consistency("chunk points at a missing index handle, making it keyword-only",
						"id", records[i].ID, "chunk", c.ChunkID, "handle", h)
				}
				orphanRows = append(orphanRows, *c.Handle)
				records[i].Chunks[j].Handle = nil
				continue
			}
			owned[h] = true
		}
	}

	var orphanHandles int
	for _, h := range idx.LiveHandles() {
		if owned[h] {
			continue
		}
		if err := idx.Delete(h); err == nil {
			orphanHandles++
		}
	}
	if orphanHandles > 0 {
		m.consistency("index handles without a document row, tombstoned", "count", orphanHandles)
	}

	if len(orphanRows) > 0 {
		if err := m.docs.ClearHandles(ctx, orphanRows); err != nil {
			return ioError("clear orphaned handles", err)
		}
	}
	if len(orphanRows) > 0 || orphanHandles > 0 || resetHandles {
		if err := m.persistIndex(idx); err != nil {
			m.log.Warn("persist repaired index failed", "err", err)
		}
	}

	m.idx = idx
	for _, r := range records {
		m.ledger.insert(record{
			id:          r.ID,
			meta:        r.Metadata,
			importance:  r.Importance,
			expiresAt:   r.ExpiresAt,
			lastDecayAt: r.LastDecayAt,
			chunks:      append([]store.ChunkRef(nil), r.Chunks...),
		})
	}
	m.ledger.advance(m.now())

	m.log.Info("memory store loaded",
		"memories", len(records), "vectors", idx.Len(), "generation", dbGen)
	return nil
}

// loadIndex reads the index blob. A missing or unreadable blob yields an
// empty index; loaded reports whether the blob was used.
func (m *Store) loadIndex(opts index.Options) (idx *index.Index, loaded bool, err error) {
	if m.opts.IndexPath != "" {
		idx, err = index.Load(m.opts.IndexPath, opts)
		switch {
		case err == nil:
			return idx, true, nil
		case errors.Is(err, os.ErrNotExist):
		default:
			m.consistency("index blob unreadable, starting empty", "path", m.opts.IndexPath, "err", err)
		}
	}
	idx, err = index.New(opts)
	if err != nil {
		return nil, false, fmt.Errorf("create index: %w", err)
	}
	return idx, false, nil
}

func (m *Store) consistency(msg string, args ...any) {
	m.metrics.consistencyRepair.Add(1)
	m.log.Warn(msg, append(args, "err", model.ErrConsistency)...)
}
