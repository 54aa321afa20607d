package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

// zipEntry reads one file out of a zip archive held in memory.
func zipEntry(archive *zip.Reader, name string) ([]byte, error) {
	for _, f := range archive.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer func() { _ = rc.Close() }()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("entry %s not found", name)
}

// paragraphsFromXML walks an XML document collecting character data
// inside textTag elements; closing a paraTag element finishes a block.
func paragraphsFromXML(data []byte, textTag, paraTag string) ([]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	var blocks []string
	var current strings.Builder
	inText := 0

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == textTag {
				inText++
			}
		case xml.EndElement:
			if t.Name.Local == textTag && inText > 0 {
				inText--
			}
			if t.Name.Local == paraTag {
				if text := strings.TrimSpace(current.String()); text != "" {
					blocks = append(blocks, text)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText > 0 {
				current.Write(t)
			}
		}
	}

	if text := strings.TrimSpace(current.String()); text != "" {
		blocks = append(blocks, text)
	}
	return blocks, nil
}

// extractDocx flattens a Word document into one block per paragraph.
func extractDocx(data []byte) (*Result, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, extractErr("docx", err)
	}
	doc, err := zipEntry(archive, "word/document.xml")
	if err != nil {
		return nil, extractErr("docx", err)
	}
	blocks, err := paragraphsFromXML(doc, "t", "p")
	if err != nil {
		return nil, extractErr("docx", err)
	}
	return joinBlocks(blocks), nil
}

// extractPptx flattens a presentation into one block per slide, slides
// in deck order.
func extractPptx(data []byte) (*Result, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, extractErr("pptx", err)
	}

	var slideNames []string
	for _, f := range archive.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			slideNames = append(slideNames, f.Name)
		}
	}
	sort.Slice(slideNames, func(i, j int) bool {
		return slideNumber(slideNames[i]) < slideNumber(slideNames[j])
	})

	var blocks []string
	for _, name := range slideNames {
		slide, err := zipEntry(archive, name)
		if err != nil {
			return nil, extractErr("pptx", err)
		}
		paragraphs, err := paragraphsFromXML(slide, "t", "p")
		if err != nil {
			return nil, extractErr("pptx", err)
		}
		if len(paragraphs) > 0 {
			blocks = append(blocks, strings.Join(paragraphs, "\n"))
		}
	}
	return joinBlocks(blocks), nil
}

// slideNumber parses the N out of ppt/slides/slideN.xml.
func slideNumber(name string) int {
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "ppt/slides/slide"), ".xml")
	n := 0
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// extractODF flattens OpenDocument text, presentation and spreadsheet
// content: one block per paragraph or heading of content.xml.
func extractODF(data []byte) (*Result, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, extractErr("odf", err)
	}
	content, err := zipEntry(archive, "content.xml")
	if err != nil {
		return nil, extractErr("odf", err)
	}
	blocks, err := odfParagraphs(content)
	if err != nil {
		return nil, extractErr("odf", err)
	}
	return joinBlocks(blocks), nil
}

// odfParagraphs collects the text of text:p and text:h elements.
func odfParagraphs(data []byte) ([]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	var blocks []string
	var current strings.Builder
	depth := 0

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "p" || t.Name.Local == "h" {
				depth++
			}
		case xml.EndElement:
			if t.Name.Local == "p" || t.Name.Local == "h" {
				depth--
				if depth == 0 {
					if text := strings.TrimSpace(current.String()); text != "" {
						blocks = append(blocks, text)
					}
					current.Reset()
				}
			}
		case xml.CharData:
			if depth > 0 {
				current.Write(t)
			}
		}
	}
	return blocks, nil
}

// extractXlsx flattens a workbook into one block per row, cells joined
// with tabs. Sheet names head their rows so multi-sheet workbooks stay
// searchable by sheet.
func extractXlsx(data []byte) (*Result, error) {
	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, extractErr("xlsx", err)
	}
	defer func() { _ = book.Close() }()

	var blocks []string
	for _, sheet := range book.GetSheetList() {
		rows, err := book.GetRows(sheet)
		if err != nil {
			return nil, extractErr("xlsx", err)
		}
		if len(rows) == 0 {
			continue
		}
		blocks = append(blocks, sheet)
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line != "" {
				blocks = append(blocks, line)
			}
		}
	}
	return joinBlocks(blocks), nil
}
