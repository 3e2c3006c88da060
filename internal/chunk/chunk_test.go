package chunk

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := New()
		assert.Equal(t, DefaultSize, c.Size())
		assert.Equal(t, DefaultOverlap, c.Overlap())
	})

	t.Run("custom values", func(t *testing.T) {
		c := New(WithSize(500), WithOverlap(50))
		assert.Equal(t, 500, c.Size())
		assert.Equal(t, 50, c.Overlap())
	})

	t.Run("overlap larger than size is reduced", func(t *testing.T) {
		c := New(WithSize(100), WithOverlap(150))
		assert.Less(t, c.Overlap(), c.Size())
	})

	t.Run("invalid values ignored", func(t *testing.T) {
		c := New(WithSize(0), WithOverlap(-1))
		assert.Equal(t, DefaultSize, c.Size())
		assert.Equal(t, DefaultOverlap, c.Overlap())
	})
}

func TestSplitEmpty(t *testing.T) {
	assert.Empty(t, New().Split(""))
	assert.Empty(t, New().Split("   \n\t  "))
}

func TestSplitShortText(t *testing.T) {
	chunks := New().Split("  A single short sentence.  ")
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "A single short sentence.", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].StartIndex)
	assert.Equal(t, 28, chunks[0].EndIndex)
}

func TestSplitWithoutBoundariesUsesHardWindows(t *testing.T) {
	text := strings.Repeat("a", 5000)
	chunks := New().Split(text)

	require.Len(t, chunks, 3)
	assert.Equal(t, [2]int{0, 2000}, [2]int{chunks[0].StartIndex, chunks[0].EndIndex})
	assert.Equal(t, [2]int{1800, 3800}, [2]int{chunks[1].StartIndex, chunks[1].EndIndex})
	assert.Equal(t, [2]int{3600, 5000}, [2]int{chunks[2].StartIndex, chunks[2].EndIndex})
}

func TestSplitCutsOnSentences(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 200)
	chunks := New().Split(text)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.True(t, strings.HasSuffix(c.Content, "."), "chunk %d should end on a sentence: %q", c.Index, c.Content[len(c.Content)-20:])
		assert.LessOrEqual(t, c.EndIndex-c.StartIndex, DefaultSize)
	}
}

func TestSplitCoverageAndOverlap(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 400; i++ {
		sb.WriteString("Sentence number ")
		sb.WriteString(strings.Repeat("x", i%37))
		sb.WriteString(" ends here. ")
	}
	text := sb.String()
	chunks := New().Split(text)

	require.NotEmpty(t, chunks)
	assert.Equal(t, 0, chunks[0].StartIndex)
	assert.Equal(t, len(text), chunks[len(chunks)-1].EndIndex)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.NotEmpty(t, c.Content)
		if i == 0 {
			continue
		}
		prev := chunks[i-1]
		assert.Equal(t, DefaultOverlap, prev.EndIndex-c.StartIndex, "chunk %d overlap", i)
		assert.Greater(t, c.StartIndex, prev.StartIndex)
	}
}

func TestSplitIsDeterministic(t *testing.T) {
	text := strings.Repeat("Alpha beta gamma. Delta epsilon\nzeta eta theta. ", 300)
	c := New(WithLineBreaks())
	assert.Equal(t, c.Split(text), c.Split(text))
}

func TestSplitLineBreakVariant(t *testing.T) {
	// Lines without any period: only the line-break variant finds a boundary.
	text := strings.Repeat("column one, column two, column three\n", 120)

	plain := New().Split(text)
	lines := New(WithLineBreaks()).Split(text)

	require.NotEmpty(t, plain)
	require.NotEmpty(t, lines)
	assert.Equal(t, 2000, plain[0].EndIndex)
	assert.Equal(t, byte('\n'), text[lines[0].EndIndex-1])
	assert.True(t, strings.HasSuffix(lines[0].Content, "column three"))
}

func TestSplitLineBreakPrefersFurtherBoundary(t *testing.T) {
	text := strings.Repeat("b", 1500) + "." + strings.Repeat("c", 300) + "\n" + strings.Repeat("d", 1000)
	lines := New(WithLineBreaks()).Split(text)
	sentences := New().Split(text)

	assert.Equal(t, 1802, lines[0].EndIndex)
	assert.Equal(t, 1501, sentences[0].EndIndex)
}

func TestSplitIgnoresBoundaryInsideOverlap(t *testing.T) {
	// The only period sits 50 characters in; cutting there would stall the window.
	text := strings.Repeat("e", 50) + "." + strings.Repeat("f", 3000)
	chunks := New().Split(text)

	require.Len(t, chunks, 2)
	assert.Equal(t, 2000, chunks[0].EndIndex)
	assert.Equal(t, len(text), chunks[1].EndIndex)
}

func TestSplitKeepsRunesIntact(t *testing.T) {
	text := strings.Repeat("héllo wörld ", 600)
	for _, c := range New().Split(text) {
		assert.True(t, utf8.ValidString(c.Content), "chunk %d splits a rune", c.Index)
	}
}

func TestSplitMultibyteStartDoesNotStopEarly(t *testing.T) {
	// The period lands just past the overlap zone of a window that starts on a
	// two-byte rune.
	text := "é" + strings.Repeat("a", 198) + "." + strings.Repeat("b", 3000)
	chunks := New().Split(text)

	require.Greater(t, len(chunks), 1)
	last := chunks[len(chunks)-1]
	assert.Equal(t, utf8.RuneCountInString(text), last.EndIndex)
	assert.True(t, strings.HasSuffix(last.Content, "bbb"))
	for i := 1; i < len(chunks); i++ {
		assert.Greater(t, chunks[i].StartIndex, chunks[i-1].StartIndex)
	}
}

func TestSplitCountsCharactersNotBytes(t *testing.T) {
	text := strings.Repeat("文", 5000)
	chunks := New().Split(text)

	require.Len(t, chunks, 3)
	assert.Equal(t, DefaultSize, utf8.RuneCountInString(chunks[0].Content))
	assert.Equal(t, [2]int{0, 2000}, [2]int{chunks[0].StartIndex, chunks[0].EndIndex})
	assert.Equal(t, [2]int{1800, 3800}, [2]int{chunks[1].StartIndex, chunks[1].EndIndex})
	assert.Equal(t, [2]int{3600, 5000}, [2]int{chunks[2].StartIndex, chunks[2].EndIndex})
	assert.Equal(t, DefaultSize, chunks[0].Metadata["length"])

	overlap := []rune(chunks[0].Content)[DefaultSize-DefaultOverlap:]
	assert.True(t, strings.HasPrefix(chunks[1].Content, string(overlap)))
}
