// Package memory implements the importance-weighted memory store: chunked
// ingestion into a vector index and document store, hybrid retrieval, and
// the maintenance operations (expiry, decay, pruning, compaction) that keep
// both in step.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rcliao/vecmem/internal/chunker"
	"github.com/rcliao/vecmem/internal/embedding"
	"github.com/rcliao/vecmem/internal/index"
	"github.com/rcliao/vecmem/internal/logger"
	"github.com/rcliao/vecmem/internal/model"
	"github.com/rcliao/vecmem/internal/store"
)

const (
	DefaultDimension       = 384
	DefaultCacheSize       = 1000
	DefaultExpiry          = 30 * 24 * time.Hour
	DefaultMaxImportance   = 10.0
	DefaultSoftCap         = 10000
	DefaultPruneThreshold  = 0.1
	DefaultOverfetch       = 3
	DefaultDecayFactor     = 0.95
	DefaultDecayInterval   = 24 * time.Hour
	DefaultReinforceBoost  = 0.1
	DefaultRecencyHalfLife = 7 * 24 * time.Hour
	DefaultEmbedTimeout    = 10 * time.Second
	DefaultTombstoneRatio  = 0.2
	DefaultCompactBatch    = 256
	DefaultSearchLimit     = 10
	IndexFileName          = "index.bin"
)

// Weights balance the vector-path ranking terms. They are normalized to
// sum to 1 before use.
type Weights struct {
	Similarity float64 `json:"similarity"`
	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
}

func (w Weights) normalized() Weights {
	if w.Similarity < 0 {
		w.Similarity = 0
	}
	if w.Importance < 0 {
		w.Importance = 0
	}
	if w.Recency < 0 {
		w.Recency = 0
	}
	sum := w.Similarity + w.Importance + w.Recency
	if sum == 0 {
		return Weights{Similarity: 1.0 / 3, Importance: 1.0 / 3, Recency: 1.0 / 3}
	}
	return Weights{Similarity: w.Similarity / sum, Importance: w.Importance / sum, Recency: w.Recency / sum}
}

// Options configures a Store. Zero values take defaults, except
// PruneThreshold (zero disables the threshold) and IndexPath (empty keeps
// the index in memory only). A negative DefaultExpiry stores entries that
// never expire; a negative SoftCap or ReinforceBoost disables that feature.
type Options struct {
	IndexPath       string
	Dimension       int
	InitialCapacity int
	MaxElements     int
	TombstoneRatio  float64

	Chunking chunker.Options

	CacheSize       int
	DefaultExpiry   time.Duration
	MaxImportance   float64
	SoftCap         int
	PruneThreshold  float64
	Overfetch       int
	DecayFactor     float64
	DecayInterval   time.Duration
	ReinforceBoost  float64
	RecencyHalfLife time.Duration
	Weights         Weights
	EmbedTimeout    time.Duration
	CompactBatch    int

	// Now is the clock; tests inject one.
	Now func() time.Time
}

// IndexPathIn returns the index blob location inside dataDir.
func IndexPathIn(dataDir string) string {
	return filepath.Join(dataDir, IndexFileName)
}

func (o Options) withDefaults(provider embedding.Provider) Options {
	if o.Dimension <= 0 {
		if provider != nil && provider.Dims() > 0 {
			o.Dimension = provider.Dims()
		} else {
			o.Dimension = DefaultDimension
		}
	}
	if o.InitialCapacity <= 0 {
		o.InitialCapacity = index.DefaultInitialCapacity
	}
	if o.MaxElements <= 0 {
		o.MaxElements = index.DefaultMaxElements
	}
	if o.TombstoneRatio <= 0 {
		o.TombstoneRatio = DefaultTombstoneRatio
	}
	if o.Chunking.TargetSize <= 0 {
		o.Chunking = chunker.DefaultOptions()
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.DefaultExpiry < 0 {
		o.DefaultExpiry = 0
	} else if o.DefaultExpiry == 0 {
		o.DefaultExpiry = DefaultExpiry
	}
	if o.MaxImportance <= 0 {
		o.MaxImportance = DefaultMaxImportance
	}
	if o.SoftCap < 0 {
		o.SoftCap = 0
	} else if o.SoftCap == 0 {
		o.SoftCap = DefaultSoftCap
	}
	if o.PruneThreshold < 0 {
		o.PruneThreshold = 0
	}
	if o.Overfetch <= 0 {
		o.Overfetch = DefaultOverfetch
	}
	if o.DecayFactor <= 0 || o.DecayFactor > 1 {
		o.DecayFactor = DefaultDecayFactor
	}
	if o.DecayInterval <= 0 {
		o.DecayInterval = DefaultDecayInterval
	}
	if o.ReinforceBoost < 0 {
		o.ReinforceBoost = 0
	} else if o.ReinforceBoost == 0 {
		o.ReinforceBoost = DefaultReinforceBoost
	}
	if o.RecencyHalfLife <= 0 {
		o.RecencyHalfLife = DefaultRecencyHalfLife
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = DefaultEmbedTimeout
	}
	if o.CompactBatch <= 0 {
		o.CompactBatch = DefaultCompactBatch
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Store is the memory engine. It is safe for concurrent use.
type Store struct {
	opts     Options
	docs     store.DocumentStore
	provider embedding.Provider
	log      *slog.Logger
	ids      *idSource
	metrics  *Metrics

	// sem serializes mutations: Store, Delete, Clear and maintenance writes.
	sem *semaphore.Weighted
	// compacting admits one compaction at a time.
	compacting atomic.Bool
	// afterSnapshot runs between the compaction snapshot and the rebuild.
	afterSnapshot func()

	// mu guards the fields below. The index pointer only changes while sem
	// is held as well.
	mu      sync.RWMutex
	idx     *index.Index
	ledger  *ledger
	cache   *cache
	dirty   map[string]struct{}
	// unsaved holds entries whose insert failed. They stay readable from
	// here until a later flush persists them.
	unsaved map[string]unsavedEntry
	weights Weights
	closed  bool

	subMu  sync.Mutex
	subs   map[int]chan<- model.MemoryEvent
	nextID int
}

// Open loads the index and ledger, reconciles them with the document store
// and returns a ready Store. A nil provider makes every entry keyword-only
// unless callers pass embeddings themselves.
func Open(ctx context.Context, opts Options, docs store.DocumentStore, provider embedding.Provider, log *slog.Logger) (*Store, error) {
	if docs == nil {
		return nil, errors.New("memory: document store is required")
	}
	if log == nil {
		log = logger.ForComponent("memory")
	}
	opts = opts.withDefaults(provider)
	if err := opts.Chunking.Validate(); err != nil {
		return nil, err
	}
	if provider != nil && provider.Dims() > 0 && provider.Dims() != opts.Dimension {
		return nil, fmt.Errorf("embedding provider has %d dimensions, index expects %d", provider.Dims(), opts.Dimension)
	}

	c, err := newCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}

	m := &Store{
		opts:     opts,
		docs:     docs,
		provider: provider,
		log:      log,
		ids:      newIDSource(),
		metrics:  &Metrics{},
		sem:      semaphore.NewWeighted(1),
		ledger:   newLedger(),
		cache:    c,
		dirty:    make(map[string]struct{}),
		unsaved:  make(map[string]unsavedEntry),
		weights:  opts.Weights.normalized(),
		subs:     make(map[int]chan<- model.MemoryEvent),
	}
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Store) now() time.Time { return m.opts.Now().UTC() }

// Dimension returns the embedding dimension of the index.
func (m *Store) Dimension() int { return m.opts.Dimension }

// SetWeights replaces the ranking weights.
func (m *Store) SetWeights(w Weights) {
	m.mu.Lock()
	m.weights = w.normalized()
	m.mu.Unlock()
}

// Weights returns the normalized ranking weights in use.
func (m *Store) Weights() Weights {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.weights
}

// Metrics returns a snapshot of the runtime counters.
func (m *Store) Metrics() MetricsSnapshot {
	return m.metrics.Snapshot()
}

var errClosed = errors.New("memory store is closed")

// lock takes the mutation queue. Callers must call unlock.
func (m *Store) lock(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		m.sem.Release(1)
		return errClosed
	}
	return nil
}

func (m *Store) unlock() { m.sem.Release(1) }

// persistIndex writes the index blob when a path is configured.
func (m *Store) persistIndex(idx *index.Index) error {
	if m.opts.IndexPath == "" {
		return nil
	}
	return idx.Persist(m.opts.IndexPath)
}

// Close flushes pending importance updates, writes the index and closes the
// document store. Pending subscribers are closed.
func (m *Store) Close(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var errs []error
	if err := m.flushImportance(ctx); err != nil {
		errs = append(errs, err)
	}

	m.mu.Lock()
	m.closed = true
	idx := m.idx
	m.mu.Unlock()

	if err := m.persistIndex(idx); err != nil {
		errs = append(errs, ioError("persist index", err))
	}
	m.closeSubscribers()
	if err := m.docs.Close(); err != nil {
		errs = append(errs, ioError("close document store", err))
	}
	return errors.Join(errs...)
}
