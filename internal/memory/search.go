package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rcliao/vecmem/internal/index"
	"github.com/rcliao/vecmem/internal/model"
	"github.com/rcliao/vecmem/internal/store"
)

// SearchOptions filter and size a search.
type SearchOptions struct {
	Limit           int
	MinImportance   float64
	Type            string
	Tags            []string
	UseVectorSearch bool
}

// SearchResult is one ranked entry.
type SearchResult struct {
	model.MemoryEntry
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity,omitempty"`
	// Via is "vector" or "keyword".
	Via string `json:"via"`
}

type candidate struct {
	id         string
	score      float64
	similarity float64
	via        string
}

// Search ranks memories against query. The vector path is used when asked
// for and a provider is available; it falls back to keyword matching when
// the provider fails, and tops up short result lists with keyword matches.
// Returned entries are reinforced.
func (m *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultSearchLimit
	}
	m.metrics.searches.Add(1)
	now := m.now()

	var cands []candidate
	if opts.UseVectorSearch && m.provider != nil {
		qv, err := m.embedQuery(ctx, query)
		if err != nil {
			m.metrics.providerFailures.Add(1)
			m.metrics.keywordFallbacks.Add(1)
			m.log.Warn("query embedding failed, falling back to keyword search", "err", err)
		} else {
			m.metrics.vectorSearches.Add(1)
			cands, err = m.vectorCandidates(qv, opts, now)
			if err != nil {
				return nil, err
			}
		}
	} else if opts.UseVectorSearch {
		m.metrics.keywordFallbacks.Add(1)
	}

	if len(cands) < opts.Limit {
		kw, err := m.keywordCandidates(ctx, query, opts, now)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(cands))
		for _, c := range cands {
			seen[c.id] = true
		}
		for _, c := range kw {
			if len(cands) >= opts.Limit {
				break
			}
			if !seen[c.id] {
				cands = append(cands, c)
			}
		}
	}

	results, err := m.hydrate(ctx, cands)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	m.reinforce(ids)
	return results, nil
}

func (m *Store) embedQuery(ctx context.Context, query string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.EmbedTimeout)
	defer cancel()
	return m.embed(ctx, query)
}

// vectorCandidates maps ANN chunk hits to entries by their best chunk and
// ranks them by the weighted blend of similarity, importance and recency.
func (m *Store) vectorCandidates(qv []float32, opts SearchOptions, now time.Time) ([]candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// search under the read lock so the handles match this ledger
	hits, err := m.idx.Search(qv, opts.Limit*m.opts.Overfetch)
	if err != nil {
		return nil, err
	}

	best := make(map[string]float64)
	var order []*record
	for _, h := range hits {
		if h.Similarity <= 0 {
			continue
		}
		r, ok := m.ledger.byIndexHandle(h.Handle)
		if !ok || !m.matches(r, opts, now) {
			continue
		}
		if sim, seen := best[r.id]; seen {
			if h.Similarity > sim {
				best[r.id] = h.Similarity
			}
			continue
		}
		best[r.id] = h.Similarity
		order = append(order, r)
	}

	w := m.weights
	cands := make([]candidate, 0, len(order))
	for _, r := range order {
		sim := best[r.id]
		score := w.Similarity*sim +
			w.Importance*r.importance/m.opts.MaxImportance +
			w.Recency*recencyScore(r.meta.Timestamp, now, m.opts.RecencyHalfLife)
		cands = append(cands, candidate{id: r.id, score: score, similarity: sim, via: "vector"})
	}
	rank(cands)
	if len(cands) > opts.Limit {
		cands = cands[:opts.Limit]
	}
	return cands, nil
}

// keywordCandidates ranks substring matches by importance times recency.
func (m *Store) keywordCandidates(ctx context.Context, query string, opts SearchOptions, now time.Time) ([]candidate, error) {
	ids, err := m.docs.SearchMemories(ctx, store.KeywordQuery{
		Query: query,
		Type:  opts.Type,
		Tags:  opts.Tags,
		Now:   now,
	})
	if err != nil {
		return nil, ioError("keyword search", err)
	}

	m.mu.RLock()
	cands := make([]candidate, 0, len(ids))
	add := func(id string) {
		r, ok := m.ledger.get(id)
		if !ok || !m.matches(r, opts, now) {
			return
		}
		score := r.importance * recencyScore(r.meta.Timestamp, now, m.opts.RecencyHalfLife)
		cands = append(cands, candidate{id: id, score: score, via: "keyword"})
	}
	for _, id := range ids {
		add(id)
	}
	// unsaved entries have no row to match against
	needle := foldASCII(query)
	for id, u := range m.unsaved {
		if strings.Contains(foldASCII(u.entry.Content), needle) && !slices.Contains(ids, id) {
			add(id)
		}
	}
	m.mu.RUnlock()

	rank(cands)
	if len(cands) > opts.Limit {
		cands = cands[:opts.Limit]
	}
	return cands, nil
}

func (m *Store) matches(r *record, opts SearchOptions, now time.Time) bool {
	if r.isExpired(now) {
		return false
	}
	if opts.Type != "" && r.meta.Type != opts.Type {
		return false
	}
	if r.importance < opts.MinImportance {
		return false
	}
	return r.meta.HasTags(opts.Tags)
}

// foldASCII lowercases ASCII letters only, the way SQLite's LIKE compares.
func foldASCII(s string) string {
	return strings.Map(func(r rune) rune {
		if 'A' <= r && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

// rank sorts by score descending, then id ascending.
func rank(cands []candidate) {
	slices.SortStableFunc(cands, func(a, b candidate) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return strings.Compare(a.id, b.id)
	})
}

// hydrate loads entries for candidates, keeping their order. Entries that
// vanished since ranking are skipped.
func (m *Store) hydrate(ctx context.Context, cands []candidate) ([]SearchResult, error) {
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	entries, err := m.entries(ctx, ids)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(cands))
	for _, c := range cands {
		e, ok := entries[c.id]
		if !ok {
			continue
		}
		results = append(results, SearchResult{MemoryEntry: e, Score: c.score, Similarity: c.similarity, Via: c.via})
	}
	return results, nil
}

// entries returns ids from the unsaved set or the cache, falling back to
// the document store, with importance and expiry taken from the ledger.
func (m *Store) entries(ctx context.Context, ids []string) (map[string]model.MemoryEntry, error) {
	out := make(map[string]model.MemoryEntry, len(ids))
	m.mu.RLock()
	for _, id := range ids {
		if u, ok := m.unsaved[id]; ok {
			out[id] = u.entry
		}
	}
	m.mu.RUnlock()

	var misses []string
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		if e, ok := m.cache.get(id); ok {
			out[id] = e
		} else {
			misses = append(misses, id)
		}
	}
	if len(misses) > 0 {
		loaded, err := m.docs.GetMemories(ctx, misses)
		if err != nil {
			return nil, ioError("load memories", err)
		}
		m.mu.Lock()
		for _, e := range loaded {
			// a concurrent delete may have won; never re-cache a purged id
			if _, ok := m.ledger.get(e.ID); ok {
				m.cache.add(e)
			}
		}
		m.mu.Unlock()
		for _, e := range loaded {
			out[e.ID] = e
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, e := range out {
		r, ok := m.ledger.get(id)
		if !ok {
			delete(out, id)
			continue
		}
		e.Importance = r.importance
		e.ExpiresAt = r.expiresAt
		e.Metadata = r.meta
		e.ChunkCount = len(r.chunks)
		out[id] = e
	}
	return out, nil
}

// reinforce bumps importance for accessed entries. The new values reach the
// document store on the next flush.
func (m *Store) reinforce(ids []string) {
	if len(ids) == 0 || m.opts.ReinforceBoost == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		r, ok := m.ledger.get(id)
		if !ok {
			continue
		}
		m.ledger.setImportance(r, reinforce(r.importance, m.opts.ReinforceBoost, m.opts.MaxImportance))
		m.dirty[id] = struct{}{}
	}
	m.metrics.reinforced.Add(int64(len(ids)))
}

// Get returns one memory with its embedding and counts as an access.
// Expired entries are still returned until swept.
func (m *Store) Get(ctx context.Context, id string) (*model.MemoryEntry, error) {
	entries, err := m.entries(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	e, ok := entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: memory %s", model.ErrNotFound, id)
	}

	m.mu.RLock()
	if r, ok := m.ledger.get(id); ok {
		if len(r.chunks) > 0 && r.chunks[0].Handle != nil {
			if v, ok := m.idx.Vector(index.Handle(*r.chunks[0].Handle)); ok {
				e.Embedding = v
			}
		}
	}
	m.mu.RUnlock()

	m.reinforce([]string{id})
	return &e, nil
}

// Recent returns non-expired memories newest first.
func (m *Store) Recent(ctx context.Context, limit int) ([]model.MemoryEntry, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	now := m.now()

	m.mu.RLock()
	ids := make([]string, 0, limit)
	m.ledger.newest(func(r *record) bool {
		if !r.isExpired(now) {
			ids = append(ids, r.id)
		}
		return len(ids) < limit
	})
	m.mu.RUnlock()

	entries, err := m.entries(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]model.MemoryEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := entries[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Stats summarizes the store. Counts come from the ledger, not the database.
func (m *Store) Stats() model.Stats {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger.advance(now)

	st := model.Stats{
		Total:     m.ledger.total,
		Active:    m.ledger.active(),
		Expired:   m.ledger.expired,
		CacheSize: m.cache.len(),
	}
	if st.Active > 0 {
		st.AverageImportance = m.ledger.sumActive / float64(st.Active)
	}
	return st
}

// IndexStats describes the vector index.
type IndexStats struct {
	Dimension      int     `json:"dimension"`
	Size           int     `json:"size"`
	Live           int     `json:"live"`
	Capacity       int     `json:"capacity"`
	MaxElements    int     `json:"max_elements"`
	TombstoneRatio float64 `json:"tombstone_ratio"`
	Generation     uint64  `json:"generation"`
}

func (m *Store) IndexStats() IndexStats {
	idx := m.currentIndex()
	return IndexStats{
		Dimension:      idx.Dimension(),
		Size:           idx.Size(),
		Live:           idx.Len(),
		Capacity:       idx.Capacity(),
		MaxElements:    idx.MaxElements(),
		TombstoneRatio: idx.TombstoneRatio(),
		Generation:     idx.Generation(),
	}
}
