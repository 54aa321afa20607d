package extract

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	verrors "github.com/varasto-kb/varasto/internal/errors"
)

func TestDetectMIME(t *testing.T) {
	tests := []struct {
		path string
		data []byte
		want string
	}{
		{"a.txt", nil, "text/plain"},
		{"a.md", nil, "text/markdown"},
		{"a.HTML", nil, "text/html"},
		{"a.json", nil, "application/json"},
		{"a.yml", nil, "application/yaml"},
		{"a.pdf", nil, "application/pdf"},
		{"a.docx", nil, "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		{"a.go", nil, "text/x-go"},
		{"mystery", []byte("plain prose here"), "text/plain"},
		{"mystery.bin", []byte{0x00, 0x01, 0x02, 0x03}, "application/octet-stream"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectMIME(tt.path, tt.data), "path %s", tt.path)
	}
}

func TestExtract_PlainText(t *testing.T) {
	result, err := Extract([]byte("first paragraph\r\n\r\nsecond paragraph"), "text/plain", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "first paragraph\n\nsecond paragraph", result.Text)
	assert.Equal(t, []int{15}, result.SoftBreaks)
}

func TestExtract_SourceCodeKeepsTextVerbatim(t *testing.T) {
	src := "package main\n\nfunc main() {}\n"
	result, err := Extract([]byte(src), "text/x-go", "main.go")
	require.NoError(t, err)
	assert.Equal(t, src, result.Text)
	assert.Equal(t, "go", result.Language)
}

func TestExtract_Markdown(t *testing.T) {
	md := "# Title\n\nSome *emphasized* text.\n\n- item one\n- item two\n\n```\ncode here\n```\n"
	result, err := Extract([]byte(md), "text/markdown", "doc.md")
	require.NoError(t, err)

	assert.Contains(t, result.Text, "Title")
	assert.Contains(t, result.Text, "Some emphasized text.")
	assert.Contains(t, result.Text, "item one")
	assert.Contains(t, result.Text, "code here")
	assert.NotContains(t, result.Text, "*")
	assert.NotContains(t, result.Text, "#")
	assert.NotEmpty(t, result.SoftBreaks)
}

func TestExtract_HTMLStripsTags(t *testing.T) {
	html := `<html><head><style>p{color:red}</style><script>alert(1)</script></head>
<body><h1>Heading</h1><p>Body text with <b>bold</b>.</p></body></html>`
	result, err := Extract([]byte(html), "text/html", "page.html")
	require.NoError(t, err)

	assert.Contains(t, result.Text, "Heading")
	assert.Contains(t, result.Text, "Body text with bold.")
	assert.NotContains(t, result.Text, "alert")
	assert.NotContains(t, result.Text, "color:red")
	assert.NotContains(t, result.Text, "<")
}

func TestExtract_JSONStableOrdering(t *testing.T) {
	a, err := Extract([]byte(`{"b":1,"a":{"z":true,"y":null}}`), "application/json", "x.json")
	require.NoError(t, err)
	b, err := Extract([]byte(`{"a":{"y":null,"z":true},"b":1}`), "application/json", "x.json")
	require.NoError(t, err)
	assert.Equal(t, a.Text, b.Text, "key order in input must not matter")
	assert.True(t, strings.Index(a.Text, `"a"`) < strings.Index(a.Text, `"b"`))
}

func TestExtract_JSONInvalid(t *testing.T) {
	_, err := Extract([]byte(`{broken`), "application/json", "x.json")
	require.Error(t, err)
	assert.True(t, verrors.IsKind(err, verrors.KindExtractFailed))
}

func TestExtract_YAML(t *testing.T) {
	result, err := Extract([]byte("name: varasto\nitems:\n  - one\n  - two\n"), "application/yaml", "x.yaml")
	require.NoError(t, err)
	assert.Contains(t, result.Text, "name: varasto")
	assert.Contains(t, result.Text, "- one")
}

func TestExtract_CSV(t *testing.T) {
	result, err := Extract([]byte("name,age\nalice,30\nbob,25\n"), "text/csv", "x.csv")
	require.NoError(t, err)
	assert.Equal(t, "name, age\n\nalice, 30\n\nbob, 25", result.Text)
	assert.Len(t, result.SoftBreaks, 2)
}

func TestExtract_UnknownBinary(t *testing.T) {
	_, err := Extract([]byte{0x7f, 0x45, 0x4c, 0x46, 0x00}, "application/octet-stream", "prog")
	assert.ErrorIs(t, err, ErrUnsupported)
}

// buildDocx assembles a minimal Word document archive in memory.
func buildDocx(t *testing.T, paragraphs []string) []byte {
	t.Helper()
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		sb.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	sb.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(sb.String()))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtract_Docx(t *testing.T) {
	data := buildDocx(t, []string{"First paragraph.", "Second paragraph."})
	result, err := Extract(data, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "doc.docx")
	require.NoError(t, err)

	assert.Equal(t, "First paragraph.\n\nSecond paragraph.", result.Text)
	assert.Equal(t, []int{16}, result.SoftBreaks)
}

func TestExtract_DocxCorrupt(t *testing.T) {
	_, err := Extract([]byte("not a zip"), "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "doc.docx")
	require.Error(t, err)
	assert.True(t, verrors.IsKind(err, verrors.KindExtractFailed))
}

func TestExtract_ODT(t *testing.T) {
	content := `<?xml version="1.0"?>
<office:document-content xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0"
 xmlns:text="urn:oasis:names:tc:opendocument:xmlns:text:1.0">
<office:body><office:text>
<text:h>Heading</text:h>
<text:p>Paragraph one.</text:p>
<text:p>Paragraph two.</text:p>
</office:text></office:body></office:document-content>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("content.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	result, err := Extract(buf.Bytes(), "application/vnd.oasis.opendocument.text", "doc.odt")
	require.NoError(t, err)
	assert.Equal(t, "Heading\n\nParagraph one.\n\nParagraph two.", result.Text)
}

func TestExtract_Deterministic(t *testing.T) {
	inputs := map[string]string{
		"a.md":   "# One\n\ntwo three\n",
		"b.json": `{"k":[1,2,3]}`,
		"c.txt":  "plain\n\ntext",
	}
	for path, content := range inputs {
		mime := DetectMIME(path, []byte(content))
		first, err := Extract([]byte(content), mime, path)
		require.NoError(t, err)
		second, err := Extract([]byte(content), mime, path)
		require.NoError(t, err)
		assert.Equal(t, first.Text, second.Text, "path %s", path)
		assert.Equal(t, first.SoftBreaks, second.SoftBreaks, "path %s", path)
	}
}
