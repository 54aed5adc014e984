package memory

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/vecmem/internal/chunker"
	"github.com/rcliao/vecmem/internal/embedding"
	"github.com/rcliao/vecmem/internal/logger"
	"github.com/rcliao/vecmem/internal/model"
	"github.com/rcliao/vecmem/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type failingProvider struct{ dims int }

func (p failingProvider) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	return nil, errors.New("connection refused")
}

func (p failingProvider) Dims() int { return p.dims }

type testEnv struct {
	dir   string
	clock *testClock
	docs  *store.SQLiteStore
	mem   *Store
	opts  Options
	prov  embedding.Provider
}

// newTestEnv opens a store on a temp dir. A nil provider means keyword-only.
func newTestEnv(t *testing.T, opts Options, provider embedding.Provider) *testEnv {
	t.Helper()
	env := &testEnv{dir: t.TempDir(), clock: newTestClock(), prov: provider}
	if opts.IndexPath == "" {
		opts.IndexPath = IndexPathIn(env.dir)
	}
	if opts.Now == nil {
		opts.Now = env.clock.Now
	}
	env.opts = opts
	env.open(t)
	t.Cleanup(func() { env.mem.Close(context.Background()) })
	return env
}

func (env *testEnv) open(t *testing.T) {
	t.Helper()
	docs, err := store.NewSQLiteStore(filepath.Join(env.dir, "memory.db"))
	require.NoError(t, err)
	m, err := Open(context.Background(), env.opts, docs, env.prov, logger.Discard())
	require.NoError(t, err)
	env.docs, env.mem = docs, m
}

func (env *testEnv) reopen(t *testing.T) {
	t.Helper()
	require.NoError(t, env.mem.Close(context.Background()))
	env.open(t)
}

func userMeta(tags ...string) model.Metadata {
	return model.Metadata{Source: "user", Type: "semantic", Tags: tags}
}

func imp(v float64) *float64 { return &v }

func chunkOpts(target, overlap int) chunker.Options {
	return chunker.Options{TargetSize: target, Overlap: overlap}
}

func mustStore(t *testing.T, m *Store, content string, opts StoreOptions) string {
	t.Helper()
	id, err := m.Store(context.Background(), content, userMeta(), opts)
	require.NoError(t, err)
	return id
}

func importanceOf(m *Store, id string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.ledger.get(id)
	if !ok {
		return 0, false
	}
	return r.importance, true
}

func resultIDs(rs []SearchResult) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids
}

func TestStore_RoundTrip(t *testing.T) {
	env := newTestEnv(t, Options{}, embedding.NewHashEmbedder(64))
	ctx := context.Background()

	id, err := env.mem.Store(ctx, "the deploy runs on fridays", userMeta("ops"), StoreOptions{})
	require.NoError(t, err)

	recent, err := env.mem.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, id, recent[0].ID)
	assert.Equal(t, "the deploy runs on fridays", recent[0].Content)
	assert.Equal(t, []string{"ops"}, recent[0].Metadata.Tags)

	for _, vector := range []bool{true, false} {
		res, err := env.mem.Search(ctx, "deploy", SearchOptions{UseVectorSearch: vector})
		require.NoError(t, err)
		require.Len(t, res, 1, "vector=%v", vector)
		assert.Equal(t, id, res[0].ID)
		assert.Equal(t, "the deploy runs on fridays", res[0].Content)
	}

	got, err := env.mem.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, got.Embedding, 64)
	assert.Equal(t, 1, got.ChunkCount)
}

func TestStore_SurvivesReopen(t *testing.T) {
	env := newTestEnv(t, Options{}, embedding.NewHashEmbedder(64))
	ctx := context.Background()
	id := mustStore(t, env.mem, "postgres connection pooling notes", StoreOptions{})

	env.reopen(t)

	res, err := env.mem.Search(ctx, "postgres pooling", SearchOptions{UseVectorSearch: true})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.Equal(t, id, res[0].ID)
	assert.Equal(t, "vector", res[0].Via)
	assert.Equal(t, 1, env.mem.Stats().Total)
}

func TestStore_Validation(t *testing.T) {
	env := newTestEnv(t, Options{Dimension: 8}, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
		meta    model.Metadata
		opts    StoreOptions
	}{
		{"missing source", "x", model.Metadata{Type: "semantic"}, StoreOptions{}},
		{"missing type", "x", model.Metadata{Source: "user"}, StoreOptions{}},
		{"bad type", "x", model.Metadata{Source: "user", Type: "gossip"}, StoreOptions{}},
		{"empty content", "   ", userMeta(), StoreOptions{}},
		{"embedding dimension", "x", userMeta(), StoreOptions{Embedding: []float32{1, 2, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.mem.Store(ctx, tt.content, tt.meta, tt.opts)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
	assert.Equal(t, 0, env.mem.Stats().Total)
}

func TestStore_CallerEmbeddingIsOneChunk(t *testing.T) {
	env := newTestEnv(t, Options{Dimension: 4, Chunking: chunkOpts(20, 5)}, nil)
	vec := []float32{0, 1, 0, 0}
	long := strings.Repeat("word ", 30)

	id := mustStore(t, env.mem, long, StoreOptions{Embedding: vec})
	got, err := env.mem.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ChunkCount)
	assert.Equal(t, vec, got.Embedding)
}

func TestStore_ChunksLongContent(t *testing.T) {
	env := newTestEnv(t, Options{Chunking: chunkOpts(40, 10)}, embedding.NewHashEmbedder(32))
	content := strings.Repeat("Sentences keep going here. ", 10)

	id := mustStore(t, env.mem, content, StoreOptions{})
	chunks, err := env.docs.ListBySource(context.Background(), id)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, len(chunks), c.TotalChunks)
		require.NotNil(t, c.Handle)
	}
	assert.Equal(t, len(chunks), env.mem.currentIndex().Len())
}

func TestStore_Importance(t *testing.T) {
	env := newTestEnv(t, Options{MaxImportance: 4}, nil)

	heuristic := mustStore(t, env.mem, "short note", StoreOptions{})
	explicit := mustStore(t, env.mem, "short note", StoreOptions{Importance: imp(1.25)})
	clamped := mustStore(t, env.mem, "short note", StoreOptions{Importance: imp(99)})

	v, _ := importanceOf(env.mem, heuristic)
	assert.InDelta(t, 3.0, v, 1e-9) // 1 + 0 length + 0 tags + 2 user
	v, _ = importanceOf(env.mem, explicit)
	assert.InDelta(t, 1.25, v, 1e-9)
	v, _ = importanceOf(env.mem, clamped)
	assert.InDelta(t, 4.0, v, 1e-9)
}

func TestStore_DefaultExpiry(t *testing.T) {
	env := newTestEnv(t, Options{DefaultExpiry: time.Hour}, nil)
	ctx := context.Background()

	withDefault := mustStore(t, env.mem, "fades", StoreOptions{})
	forever := mustStore(t, env.mem, "stays", StoreOptions{NoExpiry: true})

	got, err := env.mem.Get(ctx, withDefault)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, env.clock.Now().Add(time.Hour).Equal(*got.ExpiresAt))

	got, err = env.mem.Get(ctx, forever)
	require.NoError(t, err)
	assert.Nil(t, got.ExpiresAt)
}

func TestStore_ExpiresByDefault(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	id := mustStore(t, env.mem, "plain entry", StoreOptions{})

	got, err := env.mem.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, env.clock.Now().Add(DefaultExpiry).Equal(*got.ExpiresAt))

	never := newTestEnv(t, Options{DefaultExpiry: -1}, nil)
	id = mustStore(t, never.mem, "plain entry", StoreOptions{})
	got, err = never.mem.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, got.ExpiresAt)
}

func TestStore_RejectsNonFiniteImportance(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := env.mem.Store(ctx, "bad score", userMeta(), StoreOptions{Importance: imp(v)})
		assert.ErrorIs(t, err, model.ErrValidation, "%v", v)
	}
	assert.Equal(t, 0, env.mem.Stats().Total)

	mustStore(t, env.mem, "good score", StoreOptions{Importance: imp(2)})
	st := env.mem.Stats()
	assert.Equal(t, 1, st.Total)
	assert.InDelta(t, 2.0, st.AverageImportance, 1e-9)
}

func TestCache_Bound(t *testing.T) {
	env := newTestEnv(t, Options{CacheSize: 3}, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, mustStore(t, env.mem, "entry number "+string(rune('a'+i)), StoreOptions{}))
		assert.LessOrEqual(t, env.mem.Stats().CacheSize, 3)
	}
	assert.False(t, env.mem.cache.contains(ids[0]), "oldest entry should be evicted")
	assert.True(t, env.mem.cache.contains(ids[3]))

	got, err := env.mem.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "entry number a", got.Content)
	assert.Equal(t, 3, env.mem.Stats().CacheSize)
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t, Options{}, embedding.NewHashEmbedder(64))
	ctx := context.Background()
	keep := mustStore(t, env.mem, "alpha release notes", StoreOptions{})
	gone := mustStore(t, env.mem, "alpha migration plan", StoreOptions{})

	before := env.mem.Stats().Active
	require.NoError(t, env.mem.Delete(ctx, gone))
	assert.Equal(t, before-1, env.mem.Stats().Active)

	for _, vector := range []bool{true, false} {
		res, err := env.mem.Search(ctx, "alpha", SearchOptions{UseVectorSearch: vector})
		require.NoError(t, err)
		assert.Equal(t, []string{keep}, resultIDs(res))
	}
	recent, err := env.mem.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	_, err = env.mem.Get(ctx, gone)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, env.mem.Delete(ctx, gone), model.ErrNotFound)
	assert.InDelta(t, 0.5, env.mem.currentIndex().TombstoneRatio(), 1e-9)

	env.reopen(t)
	_, err = env.mem.Get(ctx, gone)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_ProviderFailureDegradesToKeyword(t *testing.T) {
	env := newTestEnv(t, Options{}, failingProvider{dims: 8})
	ctx := context.Background()

	id, err := env.mem.Store(ctx, "hello world", userMeta(), StoreOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	chunks, err := env.docs.ListBySource(ctx, id)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Nil(t, chunks[0].Handle)

	res, err := env.mem.Search(ctx, "hello", SearchOptions{UseVectorSearch: true})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, id, res[0].ID)
	assert.Equal(t, "keyword", res[0].Via)

	m := env.mem.Metrics()
	assert.Equal(t, int64(2), m.ProviderFailures)
	assert.Equal(t, int64(1), m.KeywordFallbacks)
}

func TestStore_CapacityExceeded(t *testing.T) {
	env := newTestEnv(t, Options{InitialCapacity: 1, MaxElements: 2}, embedding.NewHashEmbedder(16))
	ctx := context.Background()

	mustStore(t, env.mem, "one", StoreOptions{})
	mustStore(t, env.mem, "two", StoreOptions{})
	_, err := env.mem.Store(ctx, "three", userMeta(), StoreOptions{})
	require.ErrorIs(t, err, model.ErrCapacityExceeded)

	assert.Equal(t, 2, env.mem.Stats().Total)
	all, err := env.docs.ExportAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// putFailingDocs fails every PutMemory.
type putFailingDocs struct {
	store.DocumentStore
}

func (d putFailingDocs) PutMemory(ctx context.Context, e model.MemoryEntry, now time.Time, chunks []model.Chunk) error {
	return errors.New("disk full")
}

func TestStore_PersistFailureKeepsEntryInMemory(t *testing.T) {
	docs, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	m, err := Open(context.Background(), Options{}, putFailingDocs{docs}, nil, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(context.Background()) })

	id, err := m.Store(context.Background(), "ephemeral", userMeta(), StoreOptions{})
	require.ErrorIs(t, err, model.ErrIO)
	require.NotEmpty(t, id)

	recent, err := m.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, id, recent[0].ID)
}

func TestStore_UnsavedEntryOutlivesCache(t *testing.T) {
	docs, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	m, err := Open(context.Background(), Options{CacheSize: 1}, putFailingDocs{docs}, nil, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(context.Background()) })
	ctx := context.Background()

	a, err := m.Store(ctx, "alpha notes", userMeta(), StoreOptions{})
	require.ErrorIs(t, err, model.ErrIO)
	b, err := m.Store(ctx, "beta notes", userMeta(), StoreOptions{})
	require.ErrorIs(t, err, model.ErrIO)

	got, err := m.Get(ctx, a)
	require.NoError(t, err, "evicted from the cache but still readable")
	assert.Equal(t, "alpha notes", got.Content)

	recent, err := m.Recent(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{b, a}, []string{recent[0].ID, recent[1].ID})

	res, err := m.Search(ctx, "ALPHA", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{a}, resultIDs(res))

	exported, err := m.Export(ctx)
	require.NoError(t, err)
	assert.Len(t, exported, 2)
	assert.Equal(t, 2, m.Stats().Active)

	require.NoError(t, m.Delete(ctx, a))
	_, err = m.Get(ctx, a)
	assert.ErrorIs(t, err, model.ErrNotFound)
	res, err = m.Search(ctx, "alpha", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res)

	m.mu.RLock()
	assert.Len(t, m.unsaved, 1)
	m.mu.RUnlock()
}

// flakyDocs fails PutMemory while failPuts is set.
type flakyDocs struct {
	store.DocumentStore
	failPuts atomic.Bool
}

func (d *flakyDocs) PutMemory(ctx context.Context, e model.MemoryEntry, now time.Time, chunks []model.Chunk) error {
	if d.failPuts.Load() {
		return errors.New("disk full")
	}
	return d.DocumentStore.PutMemory(ctx, e, now, chunks)
}

func TestStore_UnsavedEntryPersistsOnLaterFlush(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "memory.db")
	opts := Options{IndexPath: IndexPathIn(dir)}
	ctx := context.Background()

	docs, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	flaky := &flakyDocs{DocumentStore: docs}
	flaky.failPuts.Store(true)
	m, err := Open(ctx, opts, flaky, embedding.NewHashEmbedder(16), logger.Discard())
	require.NoError(t, err)

	id, err := m.Store(ctx, "retry this later", userMeta(), StoreOptions{Importance: imp(2)})
	require.ErrorIs(t, err, model.ErrIO)
	assert.ErrorIs(t, m.Checkpoint(ctx), model.ErrIO)

	flaky.failPuts.Store(false)
	require.NoError(t, m.Checkpoint(ctx))
	m.mu.RLock()
	assert.Empty(t, m.unsaved)
	m.mu.RUnlock()
	require.NoError(t, m.Close(ctx))

	docs, err = store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	reopened, err := Open(ctx, opts, docs, embedding.NewHashEmbedder(16), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close(context.Background()) })

	got, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "retry this later", got.Content)
	assert.InDelta(t, 2.0, got.Importance, 1e-9)
	assert.NotEmpty(t, got.Embedding, "index handle kept across the retry")
}

func TestSearch_Filters(t *testing.T) {
	env := newTestEnv(t, Options{}, embedding.NewHashEmbedder(64))
	ctx := context.Background()

	low, err := env.mem.Store(ctx, "kubernetes upgrade", model.Metadata{Source: "tool", Type: "procedural", Tags: []string{"k8s"}},
		StoreOptions{Importance: imp(1)})
	require.NoError(t, err)
	high, err := env.mem.Store(ctx, "kubernetes incident", model.Metadata{Source: "user", Type: "episodic", Tags: []string{"k8s", "oncall"}},
		StoreOptions{Importance: imp(6)})
	require.NoError(t, err)

	for _, vector := range []bool{true, false} {
		res, err := env.mem.Search(ctx, "kubernetes", SearchOptions{UseVectorSearch: vector, Type: "procedural"})
		require.NoError(t, err)
		assert.Equal(t, []string{low}, resultIDs(res))

		res, err = env.mem.Search(ctx, "kubernetes", SearchOptions{UseVectorSearch: vector, Tags: []string{"k8s", "oncall"}})
		require.NoError(t, err)
		assert.Equal(t, []string{high}, resultIDs(res))

		res, err = env.mem.Search(ctx, "kubernetes", SearchOptions{UseVectorSearch: vector, MinImportance: 5})
		require.NoError(t, err)
		assert.Equal(t, []string{high}, resultIDs(res))
	}
}

func TestSearch_KeywordRanksByImportance(t *testing.T) {
	env := newTestEnv(t, Options{ReinforceBoost: -1}, nil)
	ctx := context.Background()

	a := mustStore(t, env.mem, "shared phrase one", StoreOptions{Importance: imp(2)})
	b := mustStore(t, env.mem, "shared phrase two", StoreOptions{Importance: imp(7)})
	c := mustStore(t, env.mem, "shared phrase three", StoreOptions{Importance: imp(2)})

	res, err := env.mem.Search(ctx, "shared", SearchOptions{})
	require.NoError(t, err)
	// equal scores fall back to id order
	assert.Equal(t, []string{b, a, c}, resultIDs(res))

	res, err = env.mem.Search(ctx, "shared", SearchOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{b}, resultIDs(res))
}

func TestSearch_HybridTopUp(t *testing.T) {
	env := newTestEnv(t, Options{}, embedding.NewHashEmbedder(64))
	ctx := context.Background()

	vec := mustStore(t, env.mem, "grpc streaming", StoreOptions{})
	kw := mustStore(t, env.mem, "grpc", StoreOptions{Embedding: make([]float32, 64)})

	res, err := env.mem.Search(ctx, "grpc", SearchOptions{UseVectorSearch: true})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, vec, res[0].ID)
	assert.Equal(t, "vector", res[0].Via)
	assert.Equal(t, kw, res[1].ID)
	assert.Equal(t, "keyword", res[1].Via)
}

func TestReinforcement(t *testing.T) {
	env := newTestEnv(t, Options{ReinforceBoost: 0.5, MaxImportance: 5}, nil)
	ctx := context.Background()
	id := mustStore(t, env.mem, "reinforce me", StoreOptions{Importance: imp(4)})

	_, err := env.mem.Get(ctx, id)
	require.NoError(t, err)
	v, _ := importanceOf(env.mem, id)
	assert.InDelta(t, 4.5, v, 1e-9)

	_, err = env.mem.Search(ctx, "reinforce", SearchOptions{})
	require.NoError(t, err)
	_, err = env.mem.Get(ctx, id)
	require.NoError(t, err)
	v, _ = importanceOf(env.mem, id)
	assert.InDelta(t, 5.0, v, 1e-9, "capped at max")

	require.NoError(t, env.mem.Checkpoint(ctx))
	recs, err := env.docs.LoadLedger(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, recs[0].Importance, 1e-9)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	mustStore(t, env.mem, "a", StoreOptions{Importance: imp(2)})
	mustStore(t, env.mem, "b", StoreOptions{Importance: imp(4)})

	st := env.mem.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, 0, st.Expired)
	assert.InDelta(t, 3.0, st.AverageImportance, 1e-9)
	assert.Equal(t, 2, st.CacheSize)
}

func TestSetWeights(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	env.mem.SetWeights(Weights{Similarity: 2, Importance: 1, Recency: 1})
	w := env.mem.Weights()
	assert.InDelta(t, 0.5, w.Similarity, 1e-9)
	assert.InDelta(t, 0.25, w.Recency, 1e-9)

	env.mem.SetWeights(Weights{})
	w = env.mem.Weights()
	assert.InDelta(t, 1.0/3, w.Importance, 1e-9)
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()
	events, cancel := env.mem.Subscribe(10)

	id := mustStore(t, env.mem, "watched", StoreOptions{})
	require.NoError(t, env.mem.Delete(ctx, id))
	require.NoError(t, env.mem.Clear(ctx))

	want := []model.MemoryEvent{
		{Kind: model.EventStored, ID: id},
		{Kind: model.EventDeleted, ID: id, Reason: model.ReasonExplicit},
		{Kind: model.EventCleared},
	}
	for _, w := range want {
		select {
		case ev := <-events:
			assert.Equal(t, w.Kind, ev.Kind)
			assert.Equal(t, w.ID, ev.ID)
			assert.Equal(t, w.Reason, ev.Reason)
		case <-time.After(time.Second):
			t.Fatalf("missing event %v", w.Kind)
		}
	}

	cancel()
	_, open := <-events
	assert.False(t, open)
	cancel() // idempotent
}

func TestEvents_SlowSubscriberDrops(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	_, cancel := env.mem.Subscribe(1)
	defer cancel()

	mustStore(t, env.mem, "one", StoreOptions{})
	mustStore(t, env.mem, "two", StoreOptions{})
	assert.Equal(t, int64(1), env.mem.Metrics().EventsDropped)
}

func TestClear(t *testing.T) {
	env := newTestEnv(t, Options{}, embedding.NewHashEmbedder(64))
	ctx := context.Background()
	mustStore(t, env.mem, "first", StoreOptions{})
	mustStore(t, env.mem, "second", StoreOptions{})

	require.NoError(t, env.mem.Clear(ctx))
	assert.Equal(t, model.Stats{}, env.mem.Stats())
	assert.Equal(t, 0, env.mem.currentIndex().Size())

	id := mustStore(t, env.mem, "after clear", StoreOptions{})
	env.reopen(t)
	res, err := env.mem.Search(ctx, "clear", SearchOptions{UseVectorSearch: true})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, resultIDs(res))
	assert.Equal(t, "vector", res[0].Via)
}

func TestExportImport(t *testing.T) {
	src := newTestEnv(t, Options{}, nil)
	ctx := context.Background()
	exp := src.clock.Now().Add(48 * time.Hour)
	_, err := src.mem.Store(ctx, "exported fact", model.Metadata{Source: "assistant", Type: "semantic", Tags: []string{"x"}},
		StoreOptions{Importance: imp(6.5), ExpiresAt: &exp})
	require.NoError(t, err)
	mustStore(t, src.mem, "forever fact", StoreOptions{NoExpiry: true})

	records, err := src.mem.Export(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	dst := newTestEnv(t, Options{DefaultExpiry: time.Hour}, nil)
	n, err := dst.mem.Import(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := dst.mem.Export(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "exported fact", got[0].Content)
	assert.InDelta(t, 6.5, got[0].Importance, 1e-9)
	require.NotNil(t, got[0].ExpiresAt)
	assert.True(t, exp.Equal(*got[0].ExpiresAt))
	assert.Equal(t, []string{"x"}, got[0].Metadata.Tags)
	assert.Nil(t, got[1].ExpiresAt, "no expiry survives import")
}

func TestClose_RejectsFurtherWrites(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()
	require.NoError(t, env.mem.Close(ctx))
	require.NoError(t, env.mem.Close(ctx))

	_, err := env.mem.Store(ctx, "late", userMeta(), StoreOptions{})
	assert.Error(t, err)
}
