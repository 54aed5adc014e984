// Package embedding provides a pluggable interface for text embedding providers.
package embedding

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Provider generates embedding vectors from text.
type Provider interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize returns a unit-length copy of v. Zero vectors are returned as-is.
func Normalize(v Vector) Vector {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make(Vector, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Options selects and configures a provider.
type Options struct {
	Provider   string // "ollama" | "openai" | "hash" | "" (disabled)
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
	Timeout    time.Duration
	CacheSize  int // cached embeddings; 0 disables the cache
}

// New creates a provider from options. It returns nil, nil when embeddings
// are disabled.
func New(opts Options) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch opts.Provider {
	case "":
		return nil, nil
	case "ollama":
		p, err = NewOllamaEmbedder(opts.BaseURL, opts.Model, opts.Dimensions, opts.Timeout)
	case "openai":
		p = NewOpenAIEmbedder(opts.BaseURL, opts.APIKey, opts.Model, opts.Dimensions)
	case "hash":
		p = NewHashEmbedder(opts.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (valid: ollama, openai, hash)", opts.Provider)
	}
	if err != nil {
		return nil, err
	}
	if opts.CacheSize > 0 {
		return NewCachedEmbedder(p, opts.CacheSize)
	}
	return p, nil
}
