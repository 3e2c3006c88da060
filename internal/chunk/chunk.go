// Package chunk splits extracted text into overlapping chunks that end on
// sentence or line boundaries where possible.
package chunk

import (
	"strings"
	"unicode/utf8"
)

// DefaultSize is the target number of characters (runes) per chunk.
const DefaultSize = 2000

// DefaultOverlap is the number of characters shared by consecutive chunks.
const DefaultOverlap = 200

// Chunk is one slice of the source text. StartIndex and EndIndex are rune
// offsets of the untrimmed window in the source.
type Chunk struct {
	Index      int            `json:"chunkIndex"`
	Content    string         `json:"content"`
	StartIndex int            `json:"startIndex"`
	EndIndex   int            `json:"endIndex"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Chunker holds the chunking parameters. The zero value is not usable; use New.
type Chunker struct {
	size       int
	overlap    int
	lineBreaks bool
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithSize sets the window size.
func WithSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.size = size
		}
	}
}

// WithOverlap sets the overlap between consecutive windows.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// WithLineBreaks lets the chunker cut on a newline when it is further along
// than the last sentence terminator. Used for text-family documents.
func WithLineBreaks() Option {
	return func(c *Chunker) {
		c.lineBreaks = true
	}
}

// New creates a Chunker with the default 2000/200 parameters.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		size:    DefaultSize,
		overlap: DefaultOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.size {
		c.overlap = c.size / 4
	}
	return c
}

// Size returns the configured window size.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Split cuts text into chunks. The same input always yields the same output.
func (c *Chunker) Split(text string) []Chunk {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	chunks := make([]Chunk, 0, n/(c.size-c.overlap)+1)
	start := 0
	for start < n {
		end := start + c.size
		if end >= n {
			end = n
		} else if cut := c.boundary(runes, start, end); cut > start+c.overlap {
			// Cuts inside the overlap zone would move the next window backwards.
			end = cut
		}

		if content := strings.TrimSpace(string(runes[start:end])); content != "" {
			chunks = append(chunks, Chunk{
				Index:      len(chunks),
				Content:    content,
				StartIndex: start,
				EndIndex:   end,
				Metadata: map[string]any{
					"length": utf8.RuneCountInString(content),
				},
			})
		}

		if end >= n {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// boundary returns the cut position (exclusive) for the window [start, end),
// or -1 when the window holds no usable boundary.
func (c *Chunker) boundary(runes []rune, start, end int) int {
	for i := end - 1; i >= start; i-- {
		switch runes[i] {
		case '.':
			return i + 1
		case '\n':
			if c.lineBreaks {
				return i + 1
			}
		}
	}
	return -1
}
