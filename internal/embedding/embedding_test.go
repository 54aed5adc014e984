package embedding

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Vector
		expected float64
		delta    float64
	}{
		{"identical", Vector{1, 0, 0}, Vector{1, 0, 0}, 1.0, 0.001},
		{"orthogonal", Vector{1, 0, 0}, Vector{0, 1, 0}, 0.0, 0.001},
		{"opposite", Vector{1, 0, 0}, Vector{-1, 0, 0}, -1.0, 0.001},
		{"similar", Vector{1, 1, 0}, Vector{1, 0, 0}, 0.707, 0.01},
		{"empty", Vector{}, Vector{}, 0.0, 0.001},
		{"different lengths", Vector{1, 0}, Vector{1, 0, 0}, 0.0, 0.001},
		{"zero vector", Vector{0, 0, 0}, Vector{1, 0, 0}, 0.0, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.expected) > tt.delta {
				t.Errorf("CosineSimilarity(%v, %v) = %f, want %f (±%f)", tt.a, tt.b, got, tt.expected, tt.delta)
			}
		})
	}
}

func TestNew_Disabled(t *testing.T) {
	p, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Error("expected nil provider when none configured")
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	if _, err := New(Options{Provider: "bogus"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, _ := e.Embed(ctx, "hello world")
	b, _ := e.Embed(ctx, "Hello, world!")
	c, _ := e.Embed(ctx, "hello")
	d, _ := e.Embed(ctx, "completely unrelated tokens")

	if len(a) != 64 {
		t.Fatalf("expected 64 dims, got %d", len(a))
	}
	if sim := CosineSimilarity(a, b); math.Abs(sim-1) > 1e-6 {
		t.Errorf("expected identical vectors for same words, got %f", sim)
	}
	if CosineSimilarity(a, c) <= CosineSimilarity(a, d) {
		t.Error("expected shared words to score higher than unrelated text")
	}
}

type countingProvider struct {
	calls atomic.Int32
	fail  bool
}

func (p *countingProvider) Embed(ctx context.Context, text string) (Vector, error) {
	p.calls.Add(1)
	if p.fail {
		return nil, errors.New("provider down")
	}
	return Vector{float32(len(text)), 1}, nil
}

func (p *countingProvider) Dims() int { return 2 }

func TestCachedEmbedder_Hit(t *testing.T) {
	inner := &countingProvider{}
	c, err := NewCachedEmbedder(inner, 100)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	v1, err := c.Embed(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	v1[0] = 99 // callers get copies
	v2, err := c.Embed(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if v2[0] != 3 {
		t.Errorf("cached vector was mutated: %v", v2)
	}
	if got := inner.calls.Load(); got != 1 {
		t.Errorf("expected 1 provider call, got %d", got)
	}
	if c.Dims() != 2 {
		t.Errorf("expected dims from inner provider")
	}
}

func TestCachedEmbedder_ErrorsNotCached(t *testing.T) {
	inner := &countingProvider{fail: true}
	c, err := NewCachedEmbedder(inner, 100)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for i := 0; i < 2; i++ {
		if _, err := c.Embed(context.Background(), "abc"); err == nil {
			t.Fatal("expected error")
		}
	}
	if got := inner.calls.Load(); got != 2 {
		t.Errorf("expected failures to reach provider each time, got %d calls", got)
	}
}

func TestCachedEmbedder_Concurrent(t *testing.T) {
	inner := &countingProvider{}
	c, err := NewCachedEmbedder(inner, 100)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Embed(context.Background(), "shared text"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if got := inner.calls.Load(); got > 16 || got < 1 {
		t.Errorf("unexpected provider call count %d", got)
	}
}

// gatedProvider blocks until release is closed or its ctx ends.
type gatedProvider struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *gatedProvider) Embed(ctx context.Context, text string) (Vector, error) {
	p.once.Do(func() { close(p.started) })
	select {
	case <-p.release:
		return Vector{1, 2}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *gatedProvider) Dims() int { return 2 }

func TestCachedEmbedder_CancelledCallerDoesNotFailOthers(t *testing.T) {
	inner := &gatedProvider{started: make(chan struct{}), release: make(chan struct{})}
	c, err := NewCachedEmbedder(inner, 100)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Embed(firstCtx, "shared")
		firstErr <- err
	}()
	<-inner.started

	type result struct {
		v   Vector
		err error
	}
	second := make(chan result, 1)
	go func() {
		v, err := c.Embed(context.Background(), "shared")
		second <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller: expected context.Canceled, got %v", err)
	}

	close(inner.release)
	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("second caller failed with the first caller's cancellation: %v", r.err)
		}
		if len(r.v) != 2 || r.v[0] != 1 {
			t.Errorf("unexpected vector %v", r.v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second caller never returned")
	}
}
