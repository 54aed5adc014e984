// Package chunker splits text into overlapping chunks for embedding and
// indexing.
package chunker

import (
	"fmt"
	"unicode"

	"github.com/rcliao/vecmem/internal/model"
)

const (
	DefaultTargetSize = 1000
	DefaultOverlap    = 200
)

// Options configures chunking behavior. Sizes are counted in runes.
type Options struct {
	TargetSize int
	Overlap    int
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		Overlap:    DefaultOverlap,
	}
}

// Validate checks that the options describe a terminating split.
func (o Options) Validate() error {
	if o.TargetSize <= 0 {
		return fmt.Errorf("%w: chunk target size must be positive, got %d", model.ErrValidation, o.TargetSize)
	}
	if o.Overlap < 0 {
		return fmt.Errorf("%w: chunk overlap must not be negative, got %d", model.ErrValidation, o.Overlap)
	}
	if o.Overlap >= o.TargetSize {
		return fmt.Errorf("%w: chunk overlap %d must be less than target size %d", model.ErrValidation, o.Overlap, o.TargetSize)
	}
	return nil
}

// Piece is one chunk with its rune offsets in the source text.
// Overlap is the number of leading runes shared with the previous piece.
type Piece struct {
	Text    string
	Start   int
	End     int
	Overlap int
}

// Split cuts text into pieces of at most opts.TargetSize runes. Adjacent
// pieces share up to opts.Overlap runes. Text that fits in one target
// yields a single piece; empty text yields none.
func Split(text string, opts Options) ([]Piece, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil, nil
	}
	if n <= opts.TargetSize {
		return []Piece{{Text: text, Start: 0, End: n}}, nil
	}

	var pieces []Piece
	start, prevEnd := 0, 0
	for {
		end := start + opts.TargetSize
		if end >= n {
			pieces = append(pieces, newPiece(runes, start, n, prevEnd))
			break
		}
		br := breakPoint(runes, start, opts)
		pieces = append(pieces, newPiece(runes, start, br, prevEnd))
		prevEnd = br

		next := br - opts.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return pieces, nil
}

// Reassemble rebuilds the source text from pieces produced by Split.
func Reassemble(pieces []Piece) string {
	var out []rune
	for _, p := range pieces {
		out = append(out, []rune(p.Text)[p.Overlap:]...)
	}
	return string(out)
}

func newPiece(runes []rune, start, end, prevEnd int) Piece {
	overlap := 0
	if prevEnd > start {
		overlap = prevEnd - start
	}
	return Piece{Text: string(runes[start:end]), Start: start, End: end, Overlap: overlap}
}

// breakPoint picks the exclusive end of the chunk starting at start. The
// result lies in (start+TargetSize-Overlap, start+TargetSize].
func breakPoint(runes []rune, start int, opts Options) int {
	hard := start + opts.TargetSize
	low := hard - opts.Overlap

	// A break "after rune i" ends the chunk at i+1.
	for i := hard - 1; i+1 > low; i-- {
		if isTerminator(runes[i]) {
			return i + 1
		}
	}
	for i := hard - 1; i+1 > low; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return hard
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}
