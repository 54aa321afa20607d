// Package extract turns file bytes into plain UTF-8 text for chunking.
//
// Extraction is a pure function of (bytes, mime, path). Each format
// handler flattens its structure into text blocks; block boundaries are
// reported as soft breaks, which the chunker prefers as split points.
package extract

import (
	"bytes"
	stderrors "errors"
	"net/http"
	"path/filepath"
	"strings"

	verrors "github.com/varasto-kb/varasto/internal/errors"
)

// ErrUnsupported marks content the extractor has no handler for. Callers
// skip such files: they are recorded as indexed with zero chunks.
var ErrUnsupported = stderrors.New("unsupported content type")

// Result is the output of extraction.
type Result struct {
	// Text is normalized UTF-8 with \n newlines.
	Text string
	// SoftBreaks are byte offsets into Text marking preferred chunk
	// split points (block boundaries).
	SoftBreaks []int
	// Language is a hint for source files ("go", "python", ...).
	Language string
}

// blockSeparator joins extracted blocks; the offset of each separator is
// recorded as a soft break.
const blockSeparator = "\n\n"

// joinBlocks concatenates blocks and records soft breaks between them.
func joinBlocks(blocks []string) *Result {
	var sb strings.Builder
	var breaks []int
	for i, block := range blocks {
		if i > 0 {
			breaks = append(breaks, sb.Len())
			sb.WriteString(blockSeparator)
		}
		sb.WriteString(block)
	}
	return &Result{Text: sb.String(), SoftBreaks: breaks}
}

// sourceLanguages maps source file extensions to language hints.
var sourceLanguages = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".rs":    "rust",
	".rb":    "ruby",
	".php":   "php",
	".swift": "swift",
	".kt":    "kotlin",
	".scala": "scala",
	".sh":    "shell",
	".bash":  "shell",
	".sql":   "sql",
	".proto": "protobuf",
	".tf":    "terraform",
	".toml":  "toml",
	".ini":   "ini",
	".xml":   "xml",
}

// mimeByExtension maps handled extensions to MIME types.
var mimeByExtension = map[string]string{
	".txt":  "text/plain",
	".text": "text/plain",
	".log":  "text/plain",
	".md":   "text/markdown",
	".rst":  "text/x-rst",
	".html": "text/html",
	".htm":  "text/html",
	".json": "application/json",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".csv":  "text/csv",
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".odt":  "application/vnd.oasis.opendocument.text",
	".odp":  "application/vnd.oasis.opendocument.presentation",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
}

// DetectMIME resolves a MIME type from the file extension, falling back
// to content sniffing for unknown extensions.
func DetectMIME(path string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mime, ok := mimeByExtension[ext]; ok {
		return mime
	}
	if lang, ok := sourceLanguages[ext]; ok {
		return "text/x-" + lang
	}

	sniffed := http.DetectContentType(data)
	if idx := strings.Index(sniffed, ";"); idx > 0 {
		sniffed = sniffed[:idx]
	}
	return sniffed
}

// Extract converts file bytes into text. Unknown MIME types return
// ErrUnsupported; failures on recognized types return ExtractFailed
// errors and never panic.
func Extract(data []byte, mime, path string) (*Result, error) {
	ext := strings.ToLower(filepath.Ext(path))

	if lang, ok := sourceLanguages[ext]; ok {
		result := plainText(data)
		result.Language = lang
		return result, nil
	}

	switch mime {
	case "text/plain", "text/x-rst":
		return plainText(data), nil
	case "text/markdown":
		return extractMarkdown(data)
	case "text/html":
		return extractHTML(data)
	case "application/json":
		return extractJSON(data)
	case "application/yaml":
		return extractYAML(data)
	case "text/csv":
		return extractCSV(data)
	case "application/pdf":
		return extractPDF(data)
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return extractDocx(data)
	case "application/vnd.openxmlformats-officedocument.presentationml.presentation":
		return extractPptx(data)
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return extractXlsx(data)
	case "application/vnd.oasis.opendocument.text",
		"application/vnd.oasis.opendocument.presentation",
		"application/vnd.oasis.opendocument.spreadsheet":
		return extractODF(data)
	}

	// Unmapped text/* content indexes as plain text.
	if strings.HasPrefix(mime, "text/") {
		return plainText(data), nil
	}

	return nil, ErrUnsupported
}

// plainText normalizes bytes into UTF-8 text with \n newlines. Blank
// lines become soft breaks.
func plainText(data []byte) *Result {
	text := normalize(data)
	var breaks []int
	for idx := 0; ; {
		pos := strings.Index(text[idx:], "\n\n")
		if pos < 0 {
			break
		}
		breaks = append(breaks, idx+pos)
		idx += pos + 2
		if idx >= len(text) {
			break
		}
	}
	return &Result{Text: text, SoftBreaks: breaks}
}

// normalize coerces bytes to valid UTF-8 and \n newlines.
func normalize(data []byte) string {
	data = bytes.ToValidUTF8(data, []byte("�"))
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func extractErr(format string, err error) error {
	return verrors.Wrap(verrors.KindExtractFailed, "extract "+format, err)
}
