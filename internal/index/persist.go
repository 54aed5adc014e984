package index

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// snapshot is the on-disk form of an index.
type snapshot struct {
	Dimension   int
	MaxElements int
	InitialCap  int
	Capacity    int
	Next        int
	Vectors     []float32
	Tombstones  []uint64
	Generation  uint64
}

// Persist writes the index to path. The snapshot is written to a temp file
// in the same directory, synced and renamed over path.
func (x *Index) Persist(path string) error {
	x.mu.RLock()
	snap := snapshot{
		Dimension:   x.dim,
		MaxElements: x.maxElements,
		InitialCap:  x.initialCap,
		Capacity:    x.capacity,
		Next:        x.next,
		Vectors:     append([]float32(nil), x.vectors...),
		Tombstones:  append([]uint64(nil), x.tombstones...),
		Generation:  x.generation,
	}
	x.mu.RUnlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := gob.NewEncoder(tmp).Encode(&snap); err != nil {
		cleanup()
		return fmt.Errorf("encode index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

// Load restores an index written by Persist. A missing file returns an error
// matching os.ErrNotExist. The snapshot's dimension must match
// opts.Dimension; opts.MaxElements, when set, replaces the stored ceiling.
func Load(path string, opts Options) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode index %s: %w", path, err)
	}
	if opts.Dimension > 0 && snap.Dimension != opts.Dimension {
		return nil, fmt.Errorf("index %s has dimension %d, want %d", path, snap.Dimension, opts.Dimension)
	}
	if snap.Dimension <= 0 || len(snap.Vectors) != snap.Next*snap.Dimension {
		return nil, fmt.Errorf("index %s is corrupt", path)
	}

	maxElements := snap.MaxElements
	if opts.MaxElements > 0 {
		maxElements = opts.MaxElements
	}
	if snap.Next > maxElements {
		return nil, fmt.Errorf("index %s holds %d slots, above max %d", path, snap.Next, maxElements)
	}
	capacity := max(snap.Capacity, snap.Next)
	capacity = min(capacity, maxElements)

	x := &Index{
		dim:         snap.Dimension,
		maxElements: maxElements,
		initialCap:  min(max(snap.InitialCap, 1), maxElements),
		generation:  snap.Generation,
	}
	x.allocate(capacity)
	x.vectors = append(x.vectors, snap.Vectors...)
	for slot := 0; slot < snap.Next; slot++ {
		x.norms = append(x.norms, norm(snap.Vectors[slot*x.dim:(slot+1)*x.dim]))
	}
	copy(x.tombstones, snap.Tombstones)
	x.next = snap.Next
	for slot := 0; slot < x.next; slot++ {
		if x.isDead(slot) {
			x.dead++
		}
	}
	return x, nil
}
