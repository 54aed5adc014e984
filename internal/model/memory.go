// Package model defines the core memory data types.
package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Metadata is the reserved core schema every memory carries, plus a bounded
// extension map for caller-defined fields.
type Metadata struct {
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Type      string            `json:"type"`
	Tags      []string          `json:"tags,omitempty"`
	Ext       map[string]string `json:"ext,omitempty"`
}

// MemoryEntry is a stored memory as returned to callers.
type MemoryEntry struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Embedding  []float32  `json:"embedding,omitempty"`
	Metadata   Metadata   `json:"metadata"`
	Importance float64    `json:"importance"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	// Compressed is reserved; nothing sets it yet.
	Compressed bool `json:"compressed"`
	ChunkCount int  `json:"chunks,omitempty"`
}

// HasTags reports whether the metadata carries every tag in tags.
func (m Metadata) HasTags(tags []string) bool {
	for _, want := range tags {
		if !slices.Contains(m.Tags, want) {
			return false
		}
	}
	return true
}

// Chunk represents an internal text chunk of a memory.
type Chunk struct {
	ID          string            `json:"id"`
	SourceDocID string            `json:"source_doc_id"`
	ChunkIndex  int               `json:"chunk_index"`
	TotalChunks int               `json:"total_chunks"`
	Content     string            `json:"content"`
	Embedding   []float32         `json:"-"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// Handle is the vector index slot; nil means the chunk is keyword-only.
	Handle *int64 `json:"handle,omitempty"`
}

// Stats is the engine-wide summary returned by Store.Stats.
type Stats struct {
	Total             int     `json:"total"`
	Active            int     `json:"active"`
	Expired           int     `json:"expired"`
	AverageImportance float64 `json:"average_importance"`
	CacheSize         int     `json:"cache_size"`
}

// ValidTypes are the allowed memory types.
var ValidTypes = map[string]bool{
	"semantic":     true,
	"episodic":     true,
	"procedural":   true,
	"conversation": true,
	"document":     true,
}

const (
	MaxTags        = 32
	MaxTagLen      = 64
	MaxExtKeys     = 16
	MaxExtKeyLen   = 64
	MaxExtValueLen = 1024
)

// Normalize validates metadata at the ingestion boundary and returns a
// cleaned copy. A zero timestamp is replaced with now.
func (m Metadata) Normalize(now time.Time) (Metadata, error) {
	out := m
	out.Source = strings.TrimSpace(m.Source)
	out.Type = strings.TrimSpace(m.Type)
	if out.Source == "" {
		return Metadata{}, fmt.Errorf("%w: metadata source is required", ErrValidation)
	}
	if out.Type == "" {
		return Metadata{}, fmt.Errorf("%w: metadata type is required", ErrValidation)
	}
	if !ValidTypes[out.Type] {
		return Metadata{}, fmt.Errorf("%w: invalid type %q (valid: semantic, episodic, procedural, conversation, document)", ErrValidation, out.Type)
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = now
	}
	out.Timestamp = out.Timestamp.UTC()

	out.Tags = nil
	seen := make(map[string]bool, len(m.Tags))
	for _, t := range m.Tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		if len(t) > MaxTagLen {
			return Metadata{}, fmt.Errorf("%w: tag %q longer than %d chars", ErrValidation, t, MaxTagLen)
		}
		seen[t] = true
		out.Tags = append(out.Tags, t)
	}
	if len(out.Tags) > MaxTags {
		return Metadata{}, fmt.Errorf("%w: %d tags exceeds limit of %d", ErrValidation, len(out.Tags), MaxTags)
	}

	if len(m.Ext) > MaxExtKeys {
		return Metadata{}, fmt.Errorf("%w: %d extension keys exceeds limit of %d", ErrValidation, len(m.Ext), MaxExtKeys)
	}
	out.Ext = nil
	if len(m.Ext) > 0 {
		out.Ext = make(map[string]string, len(m.Ext))
		for k, v := range m.Ext {
			if k == "" || len(k) > MaxExtKeyLen {
				return Metadata{}, fmt.Errorf("%w: invalid extension key %q", ErrValidation, k)
			}
			if len(v) > MaxExtValueLen {
				return Metadata{}, fmt.Errorf("%w: extension %q value longer than %d chars", ErrValidation, k, MaxExtValueLen)
			}
			out.Ext[k] = v
		}
	}
	return out, nil
}
