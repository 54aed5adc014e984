// Package index implements the vector index: a growable cosine-similarity
// index with tombstoned deletion and atomic on-disk snapshots.
//
// The index is exact (flat scan over live slots). Handles are slot numbers
// assigned in insertion order, which gives search its stable tie-break.
package index

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/rcliao/vecmem/internal/model"
)

const (
	DefaultInitialCapacity = 1024
	DefaultMaxElements     = 1_000_000
)

// Handle identifies one indexed vector.
type Handle int64

// Options configures a new index.
type Options struct {
	Dimension       int
	InitialCapacity int
	MaxElements     int
}

func (o Options) withDefaults() Options {
	if o.InitialCapacity <= 0 {
		o.InitialCapacity = DefaultInitialCapacity
	}
	if o.MaxElements <= 0 {
		o.MaxElements = DefaultMaxElements
	}
	if o.InitialCapacity > o.MaxElements {
		o.InitialCapacity = o.MaxElements
	}
	return o
}

// Hit is one search result.
type Hit struct {
	Handle     Handle
	Similarity float64
}

// Index is safe for concurrent use. Add, Resize and Search never interleave
// partially.
type Index struct {
	mu          sync.RWMutex
	dim         int
	maxElements int
	initialCap  int
	capacity    int
	next        int
	vectors     []float32 // next*dim values
	norms       []float64
	tombstones  []uint64
	dead        int
	generation  uint64
}

// New creates an empty index.
func New(opts Options) (*Index, error) {
	opts = opts.withDefaults()
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("%w: index dimension must be positive, got %d", model.ErrValidation, opts.Dimension)
	}
	idx := &Index{
		dim:         opts.Dimension,
		maxElements: opts.MaxElements,
		initialCap:  opts.InitialCapacity,
	}
	idx.allocate(opts.InitialCapacity)
	return idx, nil
}

func (x *Index) allocate(capacity int) {
	vectors := make([]float32, len(x.vectors), capacity*x.dim)
	copy(vectors, x.vectors)
	norms := make([]float64, len(x.norms), capacity)
	copy(norms, x.norms)
	tombstones := make([]uint64, (capacity+63)/64)
	copy(tombstones, x.tombstones)
	x.vectors, x.norms, x.tombstones = vectors, norms, tombstones
	x.capacity = capacity
}

// Dimension returns the fixed vector dimension.
func (x *Index) Dimension() int { return x.dim }

// MaxElements returns the hard capacity ceiling.
func (x *Index) MaxElements() int { return x.maxElements }

// Add inserts one vector.
func (x *Index) Add(vec []float32) (Handle, error) {
	hs, err := x.AddBatch([][]float32{vec})
	if err != nil {
		return 0, err
	}
	return hs[0], nil
}

// AddBatch inserts vectors all-or-nothing, growing capacity by doubling as
// needed. It fails with model.ErrCapacityExceeded, leaving the index
// untouched, when the batch would exceed MaxElements.
func (x *Index) AddBatch(vecs [][]float32) ([]Handle, error) {
	for i, v := range vecs {
		if len(v) != x.dim {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, index expects %d", model.ErrValidation, i, len(v), x.dim)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	required := x.next + len(vecs)
	if required > x.maxElements {
		return nil, fmt.Errorf("%w: need %d slots, max %d", model.ErrCapacityExceeded, required, x.maxElements)
	}
	if required > x.capacity {
		newCap := x.capacity
		if newCap == 0 {
			newCap = 1
		}
		for newCap < required {
			newCap *= 2
		}
		if newCap > x.maxElements {
			newCap = x.maxElements
		}
		x.allocate(newCap)
	}

	handles := make([]Handle, len(vecs))
	for i, v := range vecs {
		x.vectors = append(x.vectors, v...)
		x.norms = append(x.norms, norm(v))
		handles[i] = Handle(x.next)
		x.next++
	}
	return handles, nil
}

// Resize grows capacity to newCapacity. Shrinking is a no-op.
func (x *Index) Resize(newCapacity int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if newCapacity > x.maxElements {
		return fmt.Errorf("%w: requested capacity %d, max %d", model.ErrCapacityExceeded, newCapacity, x.maxElements)
	}
	if newCapacity <= x.capacity {
		return nil
	}
	x.allocate(newCapacity)
	return nil
}

// Search returns up to k live handles ranked by cosine similarity to vec.
// Equal similarities keep insertion order.
func (x *Index) Search(vec []float32, k int) ([]Hit, error) {
	if len(vec) != x.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, index expects %d", model.ErrValidation, len(vec), x.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	qn := norm(vec)

	x.mu.RLock()
	hits := make([]Hit, 0, x.next-x.dead)
	for slot := 0; slot < x.next; slot++ {
		if x.isDead(slot) {
			continue
		}
		hits = append(hits, Hit{Handle: Handle(slot), Similarity: x.similarity(slot, vec, qn)})
	}
	x.mu.RUnlock()

	slices.SortStableFunc(hits, func(a, b Hit) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete tombstones a handle. Deleting a tombstoned handle is a no-op.
func (x *Index) Delete(h Handle) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	slot := int(h)
	if slot < 0 || slot >= x.next {
		return fmt.Errorf("%w: handle %d", model.ErrNotFound, h)
	}
	if !x.isDead(slot) {
		x.tombstones[slot/64] |= 1 << (slot % 64)
		x.dead++
	}
	return nil
}

// IsLive reports whether h exists and is not tombstoned.
func (x *Index) IsLive(h Handle) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	slot := int(h)
	return slot >= 0 && slot < x.next && !x.isDead(slot)
}

// Vector returns a copy of the vector stored at h, tombstoned or not.
func (x *Index) Vector(h Handle) ([]float32, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	slot := int(h)
	if slot < 0 || slot >= x.next {
		return nil, false
	}
	out := make([]float32, x.dim)
	copy(out, x.vectors[slot*x.dim:(slot+1)*x.dim])
	return out, true
}

// LiveHandles returns every live handle in insertion order.
func (x *Index) LiveHandles() []Handle {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Handle, 0, x.next-x.dead)
	for slot := 0; slot < x.next; slot++ {
		if !x.isDead(slot) {
			out = append(out, Handle(slot))
		}
	}
	return out
}

// Len returns the number of live vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.next - x.dead
}

// Size returns the number of slots used, tombstones included.
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.next
}

// Capacity returns the currently allocated slot count.
func (x *Index) Capacity() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.capacity
}

// TombstoneRatio is tombstoned slots over used slots.
func (x *Index) TombstoneRatio() float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.next == 0 {
		return 0
	}
	return float64(x.dead) / float64(x.next)
}

// Generation identifies which database handle mapping this index matches.
func (x *Index) Generation() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.generation
}

// SetGeneration records the handle-mapping generation.
func (x *Index) SetGeneration(g uint64) {
	x.mu.Lock()
	x.generation = g
	x.mu.Unlock()
}

// Reset drops every vector and returns capacity to its initial size.
// The generation is kept.
func (x *Index) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.vectors, x.norms, x.tombstones = nil, nil, nil
	x.next, x.dead, x.capacity = 0, 0, 0
	x.allocate(x.initialCap)
}

func (x *Index) isDead(slot int) bool {
	return x.tombstones[slot/64]&(1<<(slot%64)) != 0
}

func (x *Index) similarity(slot int, q []float32, qn float64) float64 {
	n := x.norms[slot]
	if n == 0 || qn == 0 {
		return 0
	}
	v := x.vectors[slot*x.dim : (slot+1)*x.dim]
	var dot float64
	for i := range v {
		dot += float64(v[i]) * float64(q[i])
	}
	return dot / (n * qn)
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}
