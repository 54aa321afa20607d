package extract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// markdownParser is shared; goldmark parsers are safe for concurrent use.
var markdownParser = goldmark.New(goldmark.WithExtensions(extension.Table))

// extractMarkdown walks the markdown AST and flattens it into text
// blocks, one per top-level block element. Formatting markers are
// stripped; headings, paragraphs, lists and code blocks keep their text.
func extractMarkdown(data []byte) (*Result, error) {
	source := []byte(normalize(data))
	doc := markdownParser.Parser().Parse(text.NewReader(source))

	var blocks []string
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		block := blockText(node, source)
		if strings.TrimSpace(block) != "" {
			blocks = append(blocks, strings.TrimSpace(block))
		}
	}
	return joinBlocks(blocks), nil
}

// blockText collects the text content of one block-level node.
func blockText(block ast.Node, source []byte) string {
	var sb strings.Builder

	_ = ast.Walk(block, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			sb.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.String:
			sb.Write(node.Value)
		case *ast.FencedCodeBlock:
			writeCodeLines(&sb, node.Lines(), source)
		case *ast.CodeBlock:
			writeCodeLines(&sb, node.Lines(), source)
		case *ast.ListItem:
			if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
				sb.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})

	return sb.String()
}

func writeCodeLines(sb *strings.Builder, lines *text.Segments, source []byte) {
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		sb.Write(line.Value(source))
	}
}

// extractHTML strips tags and returns the visible text. Script and
// style contents are removed before text extraction.
func extractHTML(data []byte) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, extractErr("html", err)
	}

	doc.Find("script, style, noscript").Remove()

	var blocks []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, td, th, pre, blockquote").Each(func(_ int, sel *goquery.Selection) {
		// Only leaf-ish blocks: skip elements that contain other block
		// candidates to avoid duplicating nested text.
		if sel.Find("p, li, pre").Length() > 0 {
			return
		}
		txt := strings.TrimSpace(sel.Text())
		if txt != "" {
			blocks = append(blocks, txt)
		}
	})

	if len(blocks) == 0 {
		// Fall back to whole-body text for markup without block structure.
		txt := strings.TrimSpace(doc.Text())
		if txt != "" {
			blocks = append(blocks, strings.Join(strings.Fields(txt), " "))
		}
	}

	result := joinBlocks(blocks)
	result.Text = normalize([]byte(result.Text))
	return result, nil
}
