package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"the quick brown fox", []string{"the", "quick", "brown", "fox"}},
		{"getUserById", []string{"get", "user", "by", "id"}},
		{"parse_http_request", []string{"parse", "http", "request"}},
		{"parseHTTPRequest", []string{"parse", "http", "request"}},
		{"a b c", nil},
		{"", nil},
		{"hello, world! 42", []string{"hello", "world", "42"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Tokenize(tt.in), "input %q", tt.in)
	}
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 4, CountTokens("the quick brown fox"))
	assert.Equal(t, 0, CountTokens(""))
	assert.Equal(t, 0, CountTokens("   \n\t  "))
}

func TestSparseEncoder_Deterministic(t *testing.T) {
	enc := NewSparseEncoder()

	a := enc.Encode("the quick brown fox jumps")
	b := enc.Encode("the quick brown fox jumps")
	require.NotNil(t, a)
	assert.Equal(t, a.Indices, b.Indices)
	assert.Equal(t, a.Values, b.Values)
}

func TestSparseEncoder_EmptyText(t *testing.T) {
	enc := NewSparseEncoder()
	assert.Nil(t, enc.Encode(""))
	assert.Nil(t, enc.Encode("  !  "))
}

func TestSparseEncoder_RepeatedTermsSaturate(t *testing.T) {
	enc := NewSparseEncoder()

	once := enc.Encode("fox")
	many := enc.Encode("fox fox fox fox fox fox fox fox")
	require.Len(t, once.Values, 1)
	require.Len(t, many.Values, 1)

	assert.Greater(t, many.Values[0], once.Values[0], "more occurrences weigh more")
	assert.Less(t, many.Values[0], once.Values[0]*8, "saturation keeps growth sublinear")
}

func TestSparseEncoder_IndicesSortedUnique(t *testing.T) {
	enc := NewSparseEncoder()

	sv := enc.Encode("alpha beta gamma delta alpha beta")
	require.NotNil(t, sv)
	assert.Len(t, sv.Indices, 4)
	for i := 1; i < len(sv.Indices); i++ {
		assert.Greater(t, sv.Indices[i], sv.Indices[i-1])
	}
}

func TestSparseEncoder_Batch(t *testing.T) {
	enc := NewSparseEncoder()

	out := enc.EncodeBatch([]string{"hello world", ""})
	require.Len(t, out, 2)
	assert.NotNil(t, out[0])
	assert.Nil(t, out[1])
}
