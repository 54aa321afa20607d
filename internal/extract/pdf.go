package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF pulls the text layer out of a PDF, one block per page.
// Images and vector graphics are ignored. Malformed documents can make
// the parser panic, so extraction is fenced with a recover.
func extractPDF(data []byte) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = extractErr("pdf", fmt.Errorf("parser panic: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, extractErr("pdf", err)
	}

	var blocks []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single bad page should not lose the rest of the document.
			continue
		}
		text = strings.TrimSpace(normalize([]byte(text)))
		if text != "" {
			blocks = append(blocks, text)
		}
	}
	return joinBlocks(blocks), nil
}
