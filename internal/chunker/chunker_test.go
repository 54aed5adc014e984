package chunker

import (
	"errors"
	"strings"
	"testing"

	"github.com/rcliao/vecmem/internal/model"
)

func TestSplit_EmptyInput(t *testing.T) {
	result, err := Split("", DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil, got %v", result)
	}
}

func TestSplit_ShortContent(t *testing.T) {
	text := "This is a short memory."
	result, err := Split(text, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(result))
	}
	if result[0].Text != text {
		t.Errorf("expected %q, got %q", text, result[0].Text)
	}
	if result[0].Overlap != 0 {
		t.Errorf("expected no overlap, got %d", result[0].Overlap)
	}
}

func TestSplit_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"overlap equals target", Options{TargetSize: 10, Overlap: 10}},
		{"overlap above target", Options{TargetSize: 10, Overlap: 11}},
		{"zero target", Options{TargetSize: 0, Overlap: 0}},
		{"negative overlap", Options{TargetSize: 10, Overlap: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split("some text", tt.opts)
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSplit_Reconstructs(t *testing.T) {
	inputs := []string{
		strings.Repeat("This is a sentence. ", 40),
		strings.Repeat("word ", 300),
		strings.Repeat("x", 777),
		strings.Repeat("こんにちは世界。", 50),
		"Line one\nline two\n\nA paragraph that keeps going! Does it stop? " + strings.Repeat("ab ", 100),
	}
	optsList := []Options{
		{TargetSize: 50, Overlap: 10},
		{TargetSize: 64, Overlap: 40},
		{TargetSize: 100, Overlap: 0},
		{TargetSize: 7, Overlap: 6},
	}

	for _, text := range inputs {
		for _, opts := range optsList {
			pieces, err := Split(text, opts)
			if err != nil {
				t.Fatal(err)
			}
			if got := Reassemble(pieces); got != text {
				t.Fatalf("reassembly mismatch for opts %+v", opts)
			}
			runes := []rune(text)
			for i, p := range pieces {
				if n := len([]rune(p.Text)); n > opts.TargetSize {
					t.Errorf("piece %d has %d runes, target %d", i, n, opts.TargetSize)
				}
				if string(runes[p.Start:p.End]) != p.Text {
					t.Errorf("piece %d offsets do not match its text", i)
				}
				if i == 0 {
					continue
				}
				prev := pieces[i-1]
				if p.Start <= prev.Start || p.Start > prev.End {
					t.Errorf("piece %d does not advance correctly", i)
				}
				if p.Overlap != prev.End-p.Start {
					t.Errorf("piece %d overlap %d, want %d", i, p.Overlap, prev.End-p.Start)
				}
				shared := string(runes[p.Start:prev.End])
				if p.Overlap > 0 && !strings.HasSuffix(prev.Text, shared) {
					t.Errorf("piece %d overlap does not match previous tail", i)
				}
				if !strings.HasPrefix(p.Text, shared) {
					t.Errorf("piece %d does not start with shared region", i)
				}
			}
		}
	}
}

func TestSplit_PrefersSentenceBoundary(t *testing.T) {
	text := "First sentence here. Second one runs on and on without any stop at all"
	pieces, err := Split(text, Options{TargetSize: 30, Overlap: 15})
	if err != nil {
		t.Fatal(err)
	}
	if len(pieces) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(pieces))
	}
	if pieces[0].Text != "First sentence here." {
		t.Errorf("expected break after terminator, got %q", pieces[0].Text)
	}
}

func TestSplit_FallsBackToWhitespace(t *testing.T) {
	text := "alpha beta gamma delta epsilon zeta eta theta"
	pieces, err := Split(text, Options{TargetSize: 20, Overlap: 8})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(pieces[0].Text, " ") {
		t.Errorf("expected whitespace break, got %q", pieces[0].Text)
	}
	if n := len([]rune(pieces[0].Text)); n <= 12 {
		t.Errorf("break outside allowed window: %d runes", n)
	}
}

func TestSplit_HardCut(t *testing.T) {
	text := strings.Repeat("a", 25)
	pieces, err := Split(text, Options{TargetSize: 10, Overlap: 3})
	if err != nil {
		t.Fatal(err)
	}
	if pieces[0].Text != strings.Repeat("a", 10) {
		t.Errorf("expected hard cut at target, got %q", pieces[0].Text)
	}
	if pieces[1].Start != 7 || pieces[1].Overlap != 3 {
		t.Errorf("expected second piece at 7 with overlap 3, got start %d overlap %d", pieces[1].Start, pieces[1].Overlap)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	text := strings.Repeat("Deterministic output matters. ", 30)
	a, _ := Split(text, Options{TargetSize: 80, Overlap: 20})
	b, _ := Split(text, Options{TargetSize: 80, Overlap: 20})
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("piece %d differs", i)
		}
	}
}
