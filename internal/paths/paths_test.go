package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	verrors "github.com/varasto-kb/varasto/internal/errors"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"docs/hello.txt", "docs/hello.txt", false},
		{"/docs/hello.txt", "docs/hello.txt", false},
		{"docs/", "docs", false},
		{"", "", false},
		{".", "", false},
		{"/", "", false},
		{"docs//sub", "docs/sub", false},
		{"docs/./sub", "docs/sub", false},
		{`docs\sub`, "docs/sub", false},
		{"..", "", true},
		{"../etc/passwd", "", true},
		{"docs/../../etc", "", true},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if tt.wantErr {
			require.Error(t, err, "input %q", tt.in)
			assert.True(t, verrors.IsKind(err, verrors.KindInvalidPath))
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestToAbsoluteAndBack(t *testing.T) {
	root := t.TempDir()

	abs, err := ToAbsolute(root, "docs/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "docs", "hello.txt"), abs)

	logical, err := FromAbsolute(root, abs)
	require.NoError(t, err)
	assert.Equal(t, "docs/hello.txt", logical)

	logical, err = FromAbsolute(root, root)
	require.NoError(t, err)
	assert.Equal(t, "", logical)

	_, err = FromAbsolute(root, filepath.Dir(root))
	assert.Error(t, err)
}

func TestParentBase(t *testing.T) {
	assert.Equal(t, "docs/sub", Parent("docs/sub/file.txt"))
	assert.Equal(t, "", Parent("docs"))
	assert.Equal(t, "file.txt", Base("docs/sub/file.txt"))
	assert.Equal(t, "", Base(""))
}

func TestIsUnder(t *testing.T) {
	assert.True(t, IsUnder("docs/a.txt", "docs"))
	assert.True(t, IsUnder("docs", "docs"))
	assert.True(t, IsUnder("anything", ""))
	assert.False(t, IsUnder("docs2/a.txt", "docs"))
	assert.False(t, IsUnder("doc", "docs"))
}

func TestAncestors(t *testing.T) {
	assert.Equal(t, []string{"a/b", "a"}, Ancestors("a/b/c"))
	assert.Empty(t, Ancestors("a"))
}

func TestIgnored(t *testing.T) {
	assert.True(t, Ignored(".git/config"))
	assert.True(t, Ignored("docs/.hidden"))
	assert.True(t, Ignored("web/node_modules/pkg/index.js"))
	assert.True(t, Ignored("docs/tmp-varasto-12345"))
	assert.True(t, Ignored("src/__pycache__/m.pyc"))
	assert.False(t, Ignored("docs/hello.txt"))
	assert.False(t, Ignored(""))
}
