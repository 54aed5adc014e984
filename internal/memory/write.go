package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rcliao/vecmem/internal/chunker"
	"github.com/rcliao/vecmem/internal/embedding"
	"github.com/rcliao/vecmem/internal/index"
	"github.com/rcliao/vecmem/internal/model"
	"github.com/rcliao/vecmem/internal/store"
)

// StoreOptions tune a single Store call.
type StoreOptions struct {
	// Embedding, when set, is used instead of calling the provider and the
	// whole content is indexed as one chunk.
	Embedding []float32
	// Importance overrides the heuristic score.
	Importance *float64
	// ExpiresAt overrides the default expiry.
	ExpiresAt *time.Time
	// NoExpiry stores an entry that never expires.
	NoExpiry bool
	// Timeout bounds the provider calls. Zero uses the store default.
	Timeout time.Duration
}

// unsavedEntry is a memory whose insert failed. The ledger still tracks it.
type unsavedEntry struct {
	entry     model.MemoryEntry
	chunks    []model.Chunk
	createdAt time.Time
}

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrIO, op, err)
}

// Store chunks, embeds and persists content and returns the new id. If the
// provider fails the entry is stored keyword-only. A persistence failure
// returns the id together with an ErrIO error; the entry stays visible for
// the life of this Store and later flushes retry the insert.
func (m *Store) Store(ctx context.Context, content string, meta model.Metadata, opts StoreOptions) (string, error) {
	if opts.Importance != nil && (math.IsNaN(*opts.Importance) || math.IsInf(*opts.Importance, 0)) {
		return "", fmt.Errorf("%w: importance must be a finite number", model.ErrValidation)
	}
	now := m.now()
	meta, err := meta.Normalize(now)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: content is required", model.ErrValidation)
	}

	var (
		pieces  []chunker.Piece
		vectors [][]float32
	)
	if opts.Embedding != nil {
		if len(opts.Embedding) != m.opts.Dimension {
			return "", fmt.Errorf("%w: embedding has dimension %d, index expects %d",
				model.ErrValidation, len(opts.Embedding), m.opts.Dimension)
		}
		pieces = []chunker.Piece{{Text: content, Start: 0, End: len([]rune(content))}}
		vectors = [][]float32{append([]float32(nil), opts.Embedding...)}
	} else {
		pieces, err = chunker.Split(content, m.opts.Chunking)
		if err != nil {
			return "", err
		}
		if m.provider != nil {
			vectors, err = m.embedPieces(ctx, pieces, opts.Timeout)
			if err != nil {
				m.metrics.providerFailures.Add(1)
				m.log.Warn("embedding failed, storing keyword-only", "err", err, "chunks", len(pieces))
				vectors = nil
			}
		}
	}

	importance := CalculateImportance(opts.Importance, content, len(meta.Tags), meta.Source, m.opts.MaxImportance)
	var expiresAt *time.Time
	switch {
	case opts.ExpiresAt != nil:
		t := opts.ExpiresAt.UTC()
		expiresAt = &t
	case !opts.NoExpiry && m.opts.DefaultExpiry > 0:
		t := now.Add(m.opts.DefaultExpiry)
		expiresAt = &t
	}

	id := m.ids.New(now)
	chunks := make([]model.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = model.Chunk{
			ID:          id + "-" + strconv.Itoa(i),
			SourceDocID: id,
			ChunkIndex:  i,
			TotalChunks: len(pieces),
			Content:     p.Text,
			Metadata: map[string]string{
				"start":   strconv.Itoa(p.Start),
				"end":     strconv.Itoa(p.End),
				"overlap": strconv.Itoa(p.Overlap),
			},
		}
	}

	if err := m.lock(ctx); err != nil {
		return "", err
	}
	defer m.unlock()

	idx := m.currentIndex()
	var handles []index.Handle
	if vectors != nil {
		handles, err = idx.AddBatch(vectors)
		if err != nil {
			return "", fmt.Errorf("index memory: %w", err)
		}
		for i, h := range handles {
			v := int64(h)
			chunks[i].Handle = &v
		}
	}

	entry := model.MemoryEntry{
		ID:         id,
		Content:    content,
		Metadata:   meta,
		Importance: importance,
		ExpiresAt:  expiresAt,
		ChunkCount: len(chunks),
	}
	putErr := m.docs.PutMemory(ctx, entry, now, chunks)

	refs := make([]store.ChunkRef, len(chunks))
	for i, c := range chunks {
		refs[i] = store.ChunkRef{ChunkID: c.ID, Handle: c.Handle}
	}
	m.mu.Lock()
	m.ledger.insert(record{
		id:          id,
		meta:        meta,
		importance:  importance,
		expiresAt:   expiresAt,
		lastDecayAt: now,
		chunks:      refs,
	})
	m.cache.add(entry)
	if putErr != nil {
		m.unsaved[id] = unsavedEntry{entry: entry, chunks: chunks, createdAt: now}
	}
	m.mu.Unlock()

	m.metrics.stored.Add(1)
	m.publish(model.EventStored, id, "")
	m.log.Debug("stored memory", "id", id, "chunks", len(chunks), "indexed", len(handles), "importance", importance)

	if putErr != nil {
		m.log.Error("persist memory failed, keeping in memory", "id", id, "err", putErr)
		return id, ioError("persist memory "+id, putErr)
	}
	return id, nil
}

// embedPieces embeds every chunk under one deadline. Any failure fails the
// whole batch.
func (m *Store) embedPieces(ctx context.Context, pieces []chunker.Piece, timeout time.Duration) ([][]float32, error) {
	if timeout <= 0 {
		timeout = m.opts.EmbedTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vectors := make([][]float32, len(pieces))
	for i, p := range pieces {
		v, err := m.embed(ctx, p.Text)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (m *Store) embed(ctx context.Context, text string) (embedding.Vector, error) {
	v, err := m.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrProvider, err)
	}
	if len(v) != m.opts.Dimension {
		return nil, fmt.Errorf("%w: provider returned dimension %d, index expects %d",
			model.ErrProvider, len(v), m.opts.Dimension)
	}
	return v, nil
}

func (m *Store) currentIndex() *index.Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idx
}

// Delete removes a memory. It returns ErrNotFound for unknown ids.
func (m *Store) Delete(ctx context.Context, id string) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	m.mu.RLock()
	_, ok := m.ledger.get(id)
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: memory %s", model.ErrNotFound, id)
	}
	return m.purge(ctx, []string{id}, model.ReasonExplicit)
}

// purge removes ids from the index, document store, ledger and cache. The
// caller holds the mutation queue. In-memory removal happens even when the
// database write fails.
func (m *Store) purge(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	idx := m.currentIndex()

	m.mu.RLock()
	var handles []index.Handle
	for _, id := range ids {
		if r, ok := m.ledger.get(id); ok {
			handles = append(handles, r.handles()...)
		}
	}
	m.mu.RUnlock()

	for _, h := range handles {
		if err := idx.Delete(h); err != nil && !errors.Is(err, model.ErrNotFound) {
			m.log.Warn("tombstone failed", "handle", h, "err", err)
		}
	}
	delErr := m.docs.DeleteMemories(ctx, ids)

	m.mu.Lock()
	var removed []string
	for _, id := range ids {
		if _, ok := m.ledger.remove(id); ok {
			removed = append(removed, id)
		}
		m.cache.remove(id)
		delete(m.dirty, id)
		delete(m.unsaved, id)
	}
	m.mu.Unlock()

	for _, id := range removed {
		m.publish(model.EventDeleted, id, reason)
	}
	if delErr != nil {
		m.log.Error("delete from document store failed", "count", len(ids), "reason", reason, "err", delErr)
		return ioError("delete memories", delErr)
	}
	return nil
}

// Clear removes every memory. A compaction in flight is discarded.
func (m *Store) Clear(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	m.mu.Lock()
	idx := m.idx
	gen := idx.Generation() + 1
	idx.Reset()
	idx.SetGeneration(gen)
	m.ledger.reset()
	m.cache.purge()
	m.dirty = make(map[string]struct{})
	m.unsaved = make(map[string]unsavedEntry)
	m.mu.Unlock()

	var errs []error
	if err := m.docs.Clear(ctx, gen); err != nil {
		errs = append(errs, ioError("clear document store", err))
	}
	if err := m.persistIndex(idx); err != nil {
		errs = append(errs, ioError("persist index", err))
	}
	m.publish(model.EventCleared, "", "")
	m.log.Info("cleared all memories", "generation", gen)
	return errors.Join(errs...)
}
