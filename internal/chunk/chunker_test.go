package chunk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sentence produces n distinct multi-letter words.
func sentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("word%03d", i)
	}
	return strings.Join(words, " ")
}

func TestSplit_EmptyText(t *testing.T) {
	s := NewSplitter(512, 50)
	assert.Nil(t, s.Split("", nil))
	assert.Nil(t, s.Split("   \n\n  ", nil))
	assert.Nil(t, s.Split("! ? .", nil))
}

func TestSplit_SingleChunkAtOrUnderSize(t *testing.T) {
	s := NewSplitter(100, 10)

	chunks := s.Split(sentence(50), nil)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, 50, chunks[0].TokenCount)

	// Exactly at the window: still one chunk.
	chunks = s.Split(sentence(100), nil)
	require.Len(t, chunks, 1)
	assert.Equal(t, 100, chunks[0].TokenCount)

	// One over: two chunks.
	chunks = s.Split(sentence(101), nil)
	assert.Greater(t, len(chunks), 1)
}

func TestSplit_OrdinalsDense(t *testing.T) {
	s := NewSplitter(64, 8)
	chunks := s.Split(sentence(500), nil)
	require.Greater(t, len(chunks), 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	s := NewSplitter(64, 8)
	text := sentence(300)
	breaks := []int{100, 500, 900}

	a := s.Split(text, breaks)
	b := s.Split(text, breaks)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i], b[i])
	}
}

func TestSplit_OverlapRepeatsTokens(t *testing.T) {
	s := NewSplitter(50, 10)
	chunks := s.Split(sentence(200), nil)
	require.Greater(t, len(chunks), 1)

	// The tail of chunk 0 reappears at the head of chunk 1.
	first := chunks[0]
	second := chunks[1]
	assert.Less(t, second.CharStart, first.CharEnd, "windows overlap")
	assert.Greater(t, second.CharEnd, first.CharEnd, "windows advance")
}

func TestSplit_ChunkTextMatchesOffsets(t *testing.T) {
	s := NewSplitter(40, 5)
	text := sentence(150)
	for _, c := range s.Split(text, nil) {
		assert.Equal(t, text[c.CharStart:c.CharEnd], c.Text)
	}
}

func TestSplit_SoftBreakPreferred(t *testing.T) {
	s := NewSplitter(100, 0)

	// Two paragraphs: the break sits at 95 tokens, inside the ±10% window
	// around 100, so the first chunk should end exactly at the break.
	para1 := sentence(95)
	para2 := sentence(95)
	text := para1 + "\n\n" + para2
	breaks := []int{len(para1)}

	chunks := s.Split(text, breaks)
	require.Len(t, chunks, 2)
	assert.Equal(t, 95, chunks[0].TokenCount)
	assert.Equal(t, len(para1), chunks[0].CharEnd)
	assert.Equal(t, 95, chunks[1].TokenCount)
}

func TestSplit_SoftBreakOutsideWindowIgnored(t *testing.T) {
	s := NewSplitter(100, 0)

	// Break after 50 tokens is far below the 90-token window floor.
	para1 := sentence(50)
	para2 := sentence(100)
	text := para1 + "\n\n" + para2
	breaks := []int{len(para1)}

	chunks := s.Split(text, breaks)
	require.NotEmpty(t, chunks)
	assert.Equal(t, 100, chunks[0].TokenCount, "hard boundary wins when break is out of window")
}

func TestSplit_CoversAllText(t *testing.T) {
	s := NewSplitter(30, 5)
	text := sentence(100)
	chunks := s.Split(text, nil)
	require.NotEmpty(t, chunks)

	assert.Equal(t, 0, chunks[0].CharStart)
	assert.Equal(t, len(text), chunks[len(chunks)-1].CharEnd)

	// No gaps: every chunk starts at or before the previous chunk's end.
	for i := 1; i < len(chunks); i++ {
		assert.LessOrEqual(t, chunks[i].CharStart, chunks[i-1].CharEnd)
	}
}

func TestNewSplitter_ClampsBadConfig(t *testing.T) {
	s := NewSplitter(0, -1)
	assert.Equal(t, DefaultSize, s.size)
	assert.Equal(t, DefaultOverlap, s.overlap)

	s = NewSplitter(100, 200)
	assert.Equal(t, 25, s.overlap, "overlap clamped below window size")
}
