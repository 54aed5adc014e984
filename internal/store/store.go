// Package store provides the document storage interface and SQLite implementation.
package store

import (
	"context"
	"time"

	"github.com/rcliao/vecmem/internal/model"
)

// KeywordQuery holds parameters for a substring search over memory content.
type KeywordQuery struct {
	Query string
	Type  string
	Tags  []string // all must match
	Now   time.Time
	Limit int // 0 means no limit
}

// ImportanceUpdate carries the mutable scoring fields of one memory.
type ImportanceUpdate struct {
	ID          string
	Importance  float64
	LastDecayAt time.Time
}

// ChunkRef ties a chunk row to its vector index slot.
type ChunkRef struct {
	ChunkID string
	Handle  *int64
}

// LedgerRecord is a memory's mutable state without its content.
type LedgerRecord struct {
	ID          string
	Metadata    model.Metadata
	Importance  float64
	ExpiresAt   *time.Time
	LastDecayAt time.Time
	Chunks      []ChunkRef
}

// DocumentStore persists memories and their chunks.
type DocumentStore interface {
	// PutMemory inserts a memory and its chunks in one transaction. now
	// stamps both the creation time and the start of the decay clock.
	PutMemory(ctx context.Context, e model.MemoryEntry, now time.Time, chunks []model.Chunk) error

	// GetMemories returns the memories that exist among ids, in ids order.
	GetMemories(ctx context.Context, ids []string) ([]model.MemoryEntry, error)

	GetChunkByHandle(ctx context.Context, h int64) (*model.Chunk, error)
	SetChunk(ctx context.Context, c model.Chunk) error
	DeleteChunk(ctx context.Context, chunkID string) error
	ListBySource(ctx context.Context, memoryID string) ([]model.Chunk, error)

	// SearchMemories returns ids of non-expired memories whose content
	// contains the query, newest first.
	SearchMemories(ctx context.Context, q KeywordQuery) ([]string, error)

	UpdateImportance(ctx context.Context, updates []ImportanceUpdate) error

	// DeleteMemories removes memories and their chunks.
	DeleteMemories(ctx context.Context, ids []string) error

	// LoadLedger returns every memory's mutable state and chunk handles.
	LoadLedger(ctx context.Context) ([]LedgerRecord, error)

	// ClearHandles detaches chunks from the given index slots.
	ClearHandles(ctx context.Context, handles []int64) error

	// RemapHandles rewrites chunk handles after compaction and records the
	// new index generation. Handles not in remap become NULL.
	RemapHandles(ctx context.Context, remap map[int64]int64, dropped []int64, generation uint64) error

	// Generation returns the index generation recorded in the database.
	Generation(ctx context.Context) (uint64, error)
	SetGeneration(ctx context.Context, generation uint64) error

	ExportAll(ctx context.Context) ([]model.MemoryEntry, error)

	// Clear deletes everything and records generation.
	Clear(ctx context.Context, generation uint64) error

	Close() error
}
