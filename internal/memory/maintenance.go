package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/vecmem/internal/model"
	"github.com/rcliao/vecmem/internal/store"
)

// SweepExpired purges every entry whose expiry has passed and returns how
// many were removed.
func (m *Store) SweepExpired(ctx context.Context) (int, error) {
	if err := m.lock(ctx); err != nil {
		return 0, err
	}
	defer m.unlock()

	now := m.now()
	m.mu.Lock()
	m.ledger.advance(now)
	ids := m.ledger.expiredIDs()
	m.mu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}
	err := m.purge(ctx, ids, model.ReasonExpired)
	m.metrics.expired.Add(int64(len(ids)))
	m.log.Info("swept expired memories", "count", len(ids))
	return len(ids), err
}

// Decay applies importance decay for every whole interval elapsed since
// each entry last decayed, then flushes pending importance changes.
// It returns how many entries decayed.
func (m *Store) Decay(ctx context.Context) (int, error) {
	if err := m.lock(ctx); err != nil {
		return 0, err
	}
	defer m.unlock()

	now := m.now()
	interval := m.opts.DecayInterval
	decayed := 0

	m.mu.Lock()
	m.ledger.each(func(r *record) {
		steps := decaySteps(r.lastDecayAt, now, interval)
		if steps == 0 {
			return
		}
		m.ledger.setImportance(r, applyDecay(r.importance, m.opts.DecayFactor, steps))
		r.lastDecayAt = r.lastDecayAt.Add(interval * time.Duration(steps))
		m.dirty[r.id] = struct{}{}
		decayed++
	})
	m.ledger.recomputeSum()
	m.mu.Unlock()

	m.metrics.decayed.Add(int64(decayed))
	if decayed > 0 {
		m.log.Debug("decayed importance", "count", decayed)
	}
	return decayed, m.flushImportance(ctx)
}

// Prune purges entries below the prune threshold, then the lowest-importance
// entries until at most SoftCap active entries remain. It returns how many
// were removed.
func (m *Store) Prune(ctx context.Context) (int, error) {
	if err := m.lock(ctx); err != nil {
		return 0, err
	}
	defer m.unlock()

	m.mu.Lock()
	ids := m.ledger.pruneCandidates(m.now(), m.opts.PruneThreshold, m.opts.SoftCap)
	m.mu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}
	err := m.purge(ctx, ids, model.ReasonPruned)
	m.metrics.pruned.Add(int64(len(ids)))
	m.log.Info("pruned memories", "count", len(ids))
	return len(ids), err
}

// Checkpoint flushes pending importance changes and writes the index blob.
func (m *Store) Checkpoint(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	var errs []error
	if err := m.flushImportance(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.persistIndex(m.currentIndex()); err != nil {
		errs = append(errs, ioError("persist index", err))
	}
	return errors.Join(errs...)
}

// flushImportance retries failed inserts, then writes dirty importance
// values. The caller holds the mutation queue. On failure the entries stay
// pending for the next flush.
func (m *Store) flushImportance(ctx context.Context) error {
	saveErr := m.saveUnsaved(ctx)

	m.mu.Lock()
	if len(m.dirty) == 0 {
		m.mu.Unlock()
		return saveErr
	}
	updates := make([]store.ImportanceUpdate, 0, len(m.dirty))
	for id := range m.dirty {
		if r, ok := m.ledger.get(id); ok {
			updates = append(updates, store.ImportanceUpdate{ID: id, Importance: r.importance, LastDecayAt: r.lastDecayAt})
		}
	}
	m.dirty = make(map[string]struct{})
	m.mu.Unlock()

	if err := m.docs.UpdateImportance(ctx, updates); err != nil {
		m.mu.Lock()
		for _, u := range updates {
			if _, ok := m.ledger.get(u.ID); ok {
				m.dirty[u.ID] = struct{}{}
			}
		}
		m.mu.Unlock()
		return errors.Join(saveErr, ioError("flush importance", err))
	}
	return saveErr
}

// saveUnsaved inserts entries whose first insert failed, with their current
// importance, expiry and index handles. Saved entries are marked dirty so
// the importance flush brings their decay clock up to date.
func (m *Store) saveUnsaved(ctx context.Context) error {
	m.mu.RLock()
	pending := make([]unsavedEntry, 0, len(m.unsaved))
	for id, u := range m.unsaved {
		r, ok := m.ledger.get(id)
		if !ok {
			continue
		}
		u.entry.Importance = r.importance
		u.entry.ExpiresAt = r.expiresAt
		chunks := make([]model.Chunk, len(u.chunks))
		copy(chunks, u.chunks)
		for i := range chunks {
			if i < len(r.chunks) {
				chunks[i].Handle = r.chunks[i].Handle
			}
		}
		u.chunks = chunks
		pending = append(pending, u)
	}
	m.mu.RUnlock()

	var errs []error
	for _, u := range pending {
		id := u.entry.ID
		if err := m.docs.PutMemory(ctx, u.entry, u.createdAt, u.chunks); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		m.mu.Lock()
		delete(m.unsaved, id)
		if _, ok := m.ledger.get(id); ok {
			m.dirty[id] = struct{}{}
		}
		m.mu.Unlock()
		m.log.Info("persisted memory after earlier failure", "id", id)
	}
	if len(errs) > 0 {
		return ioError("persist unsaved memories", errors.Join(errs...))
	}
	return nil
}
