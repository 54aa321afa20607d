package embed

import (
	"hash/fnv"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/varasto-kb/varasto/internal/vector"
)

// BM25-style weighting parameters. IDF is applied server-side by the
// vector store's sparse modifier; only term frequency saturation and
// length normalization happen here.
const (
	bm25K1 = 1.2
	bm25B  = 0.75

	// pivotLength is the document length the normalization is pivoted
	// on, standing in for a corpus average the encoder cannot know.
	pivotLength = 256.0
)

// tokenPattern matches alphanumeric runs (underscores included so
// identifiers survive the first split).
var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// Tokenize splits text into lowercase tokens with identifier-aware
// rules: camelCase, PascalCase and snake_case split into their parts.
// Tokens shorter than two characters are dropped. The chunker uses the
// same function for token counting so chunk sizes line up with what the
// sparse encoder sees.
func Tokenize(text string) []string {
	var tokens []string
	for _, word := range tokenPattern.FindAllString(text, -1) {
		for _, part := range splitIdentifier(word) {
			lower := strings.ToLower(part)
			if len(lower) >= 2 {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

// CountTokens returns the token count of text under Tokenize rules.
func CountTokens(text string) int {
	return len(Tokenize(text))
}

// splitIdentifier splits snake_case and camelCase identifiers.
func splitIdentifier(token string) []string {
	if strings.Contains(token, "_") {
		var out []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				out = append(out, splitCamel(part)...)
			}
		}
		return out
	}
	return splitCamel(token)
}

// splitCamel splits camelCase and PascalCase, keeping acronym runs
// together ("parseHTTPRequest" -> "parse", "HTTP", "Request").
func splitCamel(s string) []string {
	if s == "" {
		return nil
	}

	var out []string
	var current strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || nextLower {
				if current.Len() > 0 {
					out = append(out, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

// SparseEncoder turns text into bag-of-tokens weight vectors for the
// sparse side of hybrid search.
type SparseEncoder struct{}

// NewSparseEncoder creates a sparse encoder.
func NewSparseEncoder() *SparseEncoder {
	return &SparseEncoder{}
}

// Encode produces a sparse vector for one text. Token indices are FNV-1a
// hashes; weights are BM25 term-frequency saturation with length
// normalization. Empty or token-free text yields a nil vector.
func (e *SparseEncoder) Encode(text string) *vector.SparseVector {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}

	docLen := float64(len(tokens))
	norm := bm25K1 * (1 - bm25B + bm25B*docLen/pivotLength)

	type weighted struct {
		index uint32
		value float32
	}
	entries := make([]weighted, 0, len(counts))
	for tok, count := range counts {
		tf := float64(count)
		weight := tf * (bm25K1 + 1) / (tf + norm)
		entries = append(entries, weighted{index: tokenIndex(tok), value: float32(weight)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].index < entries[j].index })

	sv := &vector.SparseVector{
		Indices: make([]uint32, len(entries)),
		Values:  make([]float32, len(entries)),
	}
	for i, e := range entries {
		sv.Indices[i] = e.index
		sv.Values[i] = e.value
	}
	return sv
}

// EncodeBatch encodes multiple texts.
func (e *SparseEncoder) EncodeBatch(texts []string) []*vector.SparseVector {
	out := make([]*vector.SparseVector, len(texts))
	for i, text := range texts {
		out[i] = e.Encode(text)
	}
	return out
}

// tokenIndex maps a token to a stable sparse dimension.
func tokenIndex(token string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return h.Sum32()
}
