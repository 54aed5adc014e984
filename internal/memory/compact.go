package memory

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rcliao/vecmem/internal/index"
)

// CompactResult reports what a compaction did.
type CompactResult struct {
	Skipped   bool    `json:"skipped"`
	Discarded bool    `json:"discarded,omitempty"`
	Before    int     `json:"before"`
	After     int     `json:"after"`
	Ratio     float64 `json:"tombstone_ratio"`
}

// Compact rebuilds the index without tombstoned, expired and purged chunks
// and swaps it in. Unless force is set it only runs once the tombstone
// ratio exceeds the configured threshold. The rebuild runs outside the
// mutation queue; a Clear in the meantime discards it.
func (m *Store) Compact(ctx context.Context, force bool) (CompactResult, error) {
	if !m.compacting.CompareAndSwap(false, true) {
		return CompactResult{Skipped: true}, nil
	}
	defer m.compacting.Store(false)

	old := m.currentIndex()
	res := CompactResult{Before: old.Size(), Ratio: old.TombstoneRatio()}
	if !force && res.Ratio <= m.opts.TombstoneRatio {
		res.Skipped = true
		return res, nil
	}

	// snapshot
	if err := m.lock(ctx); err != nil {
		return res, err
	}
	now := m.now()
	m.mu.RLock()
	old = m.idx
	gen := old.Generation()
	snapSize := old.Size()
	var keep []index.Handle
	for _, h := range old.LiveHandles() {
		if r, ok := m.ledger.byIndexHandle(h); ok && !r.isExpired(now) {
			keep = append(keep, h)
		}
	}
	m.mu.RUnlock()
	m.unlock()

	if m.afterSnapshot != nil {
		m.afterSnapshot()
	}

	fresh, err := index.New(index.Options{
		Dimension:       m.opts.Dimension,
		InitialCapacity: max(len(keep), m.opts.InitialCapacity),
		MaxElements:     m.opts.MaxElements,
	})
	if err != nil {
		return res, fmt.Errorf("create index: %w", err)
	}

	// rebuild in batches, yielding between them
	remap := make(map[int64]int64, len(keep))
	for start := 0; start < len(keep); start += m.opts.CompactBatch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if old.Generation() != gen {
			return m.discardCompaction(res, "cleared during rebuild")
		}
		batch := keep[start:min(start+m.opts.CompactBatch, len(keep))]
		if err := copyVectors(old, fresh, batch, remap); err != nil {
			return res, err
		}
		runtime.Gosched()
	}

	if err := m.lock(ctx); err != nil {
		return res, err
	}
	defer m.unlock()

	m.mu.RLock()
	current := m.idx
	m.mu.RUnlock()
	if current != old || old.Generation() != gen {
		return m.discardCompaction(res, "cleared during rebuild")
	}

	// delta since the snapshot: drop what was deleted, carry what was added
	now = m.now()
	m.mu.RLock()
	for from, to := range remap {
		r, ok := m.ledger.byIndexHandle(index.Handle(from))
		if !old.IsLive(index.Handle(from)) || !ok || r.isExpired(now) {
			fresh.Delete(index.Handle(to))
			delete(remap, from)
		}
	}
	var added []index.Handle
	addedSet := make(map[index.Handle]bool)
	for slot := snapSize; slot < old.Size(); slot++ {
		h := index.Handle(slot)
		if r, ok := m.ledger.byIndexHandle(h); ok && old.IsLive(h) && !r.isExpired(now) {
			added = append(added, h)
			addedSet[h] = true
		}
	}
	var dropped []int64
	orphans := 0
	owned := make(map[index.Handle]bool)
	m.ledger.each(func(r *record) {
		for _, h := range r.handles() {
			owned[h] = true
			if _, ok := remap[int64(h)]; !ok && !addedSet[h] {
				dropped = append(dropped, int64(h))
			}
		}
	})
	for _, h := range old.LiveHandles() {
		if !owned[h] {
			orphans++
		}
	}
	m.mu.RUnlock()

	if orphans > 0 {
		m.consistency("compaction dropped index handles without an owner", "count", orphans)
	}
	if err := copyVectors(old, fresh, added, remap); err != nil {
		return res, err
	}

	newGen := gen + 1
	fresh.SetGeneration(newGen)
	if err := m.docs.RemapHandles(ctx, remap, dropped, newGen); err != nil {
		// database unchanged, so the old index stays valid
		return res, ioError("remap handles", err)
	}
	persistErr := m.persistIndex(fresh)

	m.mu.Lock()
	m.idx = fresh
	m.ledger.remapHandles(remap)
	m.mu.Unlock()

	res.After = fresh.Size()
	m.metrics.compactions.Add(1)
	m.log.Info("compacted index", "before", res.Before, "after", res.After,
		"dropped", len(dropped), "generation", newGen)
	if persistErr != nil {
		return res, ioError("persist index", persistErr)
	}
	return res, nil
}

func (m *Store) discardCompaction(res CompactResult, why string) (CompactResult, error) {
	m.metrics.compactionsAbort.Add(1)
	m.log.Info("compaction discarded", "reason", why)
	res.Discarded = true
	return res, nil
}

func copyVectors(from, to *index.Index, handles []index.Handle, remap map[int64]int64) error {
	if len(handles) == 0 {
		return nil
	}
	vecs := make([][]float32, 0, len(handles))
	src := make([]index.Handle, 0, len(handles))
	for _, h := range handles {
		v, ok := from.Vector(h)
		if !ok {
			continue
		}
		vecs = append(vecs, v)
		src = append(src, h)
	}
	hs, err := to.AddBatch(vecs)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	for i, h := range hs {
		remap[int64(src[i])] = int64(h)
	}
	return nil
}
