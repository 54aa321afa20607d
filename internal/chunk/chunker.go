// Package chunk splits extracted text into token windows for embedding.
//
// Chunking is deterministic: the same input text always yields
// byte-identical chunk boundaries and ordinals. Token counting uses the
// same tokenizer as the sparse encoder, so chunk sizes line up with what
// the embedding pipeline sees.
package chunk

import (
	"regexp"

	"github.com/varasto-kb/varasto/internal/embed"
)

// Defaults for the token window.
const (
	DefaultSize    = 512
	DefaultOverlap = 50
)

// softBreakWindow is the fraction around the target size within which a
// soft break wins over the hard token boundary.
const softBreakWindow = 0.1

// Chunk is one contiguous slice of input text.
type Chunk struct {
	Ordinal    int
	Text       string
	TokenCount int
	// CharStart and CharEnd are byte offsets into the input text
	// (end exclusive).
	CharStart int
	CharEnd   int
}

// Splitter produces token-window chunks with overlap.
type Splitter struct {
	size    int
	overlap int
}

// NewSplitter creates a splitter with the given token window and
// overlap. A non-positive size or a negative overlap falls back to the
// defaults (zero overlap is kept); overlap is
// clamped below the window size so forward progress is guaranteed.
func NewSplitter(size, overlap int) *Splitter {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	if overlap >= size {
		overlap = size / 4
	}
	return &Splitter{size: size, overlap: overlap}
}

// wordPattern matches the same alphanumeric runs the tokenizer splits.
var wordPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

type wordSpan struct {
	start  int
	end    int
	tokens int
}

// scanWords locates word spans and their token weights.
func scanWords(text string) []wordSpan {
	locs := wordPattern.FindAllStringIndex(text, -1)
	words := make([]wordSpan, 0, len(locs))
	for _, loc := range locs {
		words = append(words, wordSpan{
			start:  loc[0],
			end:    loc[1],
			tokens: embed.CountTokens(text[loc[0]:loc[1]]),
		})
	}
	return words
}

// Split chunks text into windows of approximately the configured token
// size with the configured overlap. softBreaks are byte offsets marking
// preferred split points; a break within ±10% of the target boundary is
// chosen over the hard boundary. Empty or token-free text yields no
// chunks; text at or under one window yields exactly one.
func (s *Splitter) Split(text string, softBreaks []int) []Chunk {
	words := scanWords(text)
	if len(words) == 0 {
		return nil
	}

	// Prefix sums: cum[i] is the token count of words[0:i].
	cum := make([]int, len(words)+1)
	for i, w := range words {
		cum[i+1] = cum[i] + w.tokens
	}
	tokens := func(start, end int) int { // words[start..end] inclusive
		return cum[end+1] - cum[start]
	}

	if cum[len(words)] <= s.size {
		return []Chunk{{
			Ordinal:    0,
			Text:       text[words[0].start:words[len(words)-1].end],
			TokenCount: cum[len(words)],
			CharStart:  words[0].start,
			CharEnd:    words[len(words)-1].end,
		}}
	}

	// breakWords are word indices a soft break falls after. Breaks and
	// words are both ordered by offset, so one merge scan suffices.
	breakWords := make([]int, 0, len(softBreaks))
	wordIdx := 0
	for _, b := range softBreaks {
		for wordIdx < len(words) && words[wordIdx].end <= b {
			wordIdx++
		}
		if wordIdx > 0 {
			breakWords = append(breakWords, wordIdx-1)
		}
	}

	lowTarget := int(float64(s.size) * (1 - softBreakWindow))
	highTarget := int(float64(s.size) * (1 + softBreakWindow))

	var chunks []Chunk
	startWord := 0
	for startWord < len(words) {
		// Hard boundary: the largest end with at most size tokens,
		// always taking at least one word.
		endWord := startWord
		for endWord+1 < len(words) && tokens(startWord, endWord+1) <= s.size {
			endWord++
		}

		// Prefer a soft break whose token count lands inside the window.
		bestBreak := -1
		bestDistance := 0
		for _, bw := range breakWords {
			if bw < startWord || bw >= len(words) {
				continue
			}
			count := tokens(startWord, bw)
			if count < lowTarget || count > highTarget {
				continue
			}
			distance := count - s.size
			if distance < 0 {
				distance = -distance
			}
			if bestBreak == -1 || distance < bestDistance || (distance == bestDistance && bw > bestBreak) {
				bestBreak = bw
				bestDistance = distance
			}
		}
		if bestBreak >= 0 {
			endWord = bestBreak
		}

		chunks = append(chunks, Chunk{
			Ordinal:    len(chunks),
			Text:       text[words[startWord].start:words[endWord].end],
			TokenCount: tokens(startWord, endWord),
			CharStart:  words[startWord].start,
			CharEnd:    words[endWord].end,
		})

		if endWord == len(words)-1 {
			break
		}

		// Back up by the overlap budget, keeping forward progress.
		nextStart := endWord + 1
		for nextStart-1 > startWord && tokens(nextStart-1, endWord) <= s.overlap {
			nextStart--
		}
		if nextStart <= startWord {
			nextStart = endWord + 1
		}
		startWord = nextStart
	}

	return chunks
}
