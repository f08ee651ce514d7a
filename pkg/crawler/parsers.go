package crawler

import (
	"context"
	"fmt"
	"html"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/sibyldev/sibyl/pkg/errs"
)

// parsePDF extracts plain text page by page, marking page boundaries
// so chunk offsets stay meaningful in long documents.
func parsePDF(ctx context.Context, path string, size int64) (string, error) {
	const op = "parsePDF"

	file, err := os.Open(path)
	if err != nil {
		return "", wrapParse(op, err)
	}
	defer func() { _ = file.Close() }()

	reader, err := pdf.NewReader(file, size)
	if err != nil {
		return "", wrapParse(op, err)
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if ctx.Err() != nil {
			return "", wrapParse(op, ctx.Err())
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			parts = append(parts, fmt.Sprintf("--- Page %d (extraction failed) ---", pageNum))
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", pageNum, text))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// parseDocx extracts the document text. Paragraph ends become line
// breaks before the remaining markup is stripped, so the output keeps
// its paragraph structure without splitting words that span runs.
func parseDocx(path string) (string, error) {
	const op = "parseDocx"

	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", wrapParse(op, err)
	}
	defer func() { _ = doc.Close() }()

	raw := doc.Editable().GetContent()
	raw = strings.ReplaceAll(raw, "</w:p>", "\n")
	text := html.UnescapeString(stripTags(raw))

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// parseXlsx renders every sheet as "cell: value" lines, capped per
// sheet so a large workbook cannot dominate the pipeline.
func parseXlsx(ctx context.Context, path string) (string, error) {
	const op = "parseXlsx"
	const maxCellsPerSheet = 1000

	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", wrapParse(op, err)
	}
	defer func() { _ = f.Close() }()

	var parts []string
	for _, sheetName := range f.GetSheetList() {
		if ctx.Err() != nil {
			return "", wrapParse(op, ctx.Err())
		}

		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}

		var sheet strings.Builder
		sheet.WriteString(fmt.Sprintf("--- Sheet: %s ---\n", sheetName))
		cells := 0
		for rowIndex, row := range rows {
			if cells >= maxCellsPerSheet {
				sheet.WriteString("... (truncated)\n")
				break
			}
			for colIndex, cell := range row {
				if cells >= maxCellsPerSheet {
					break
				}
				if text := strings.TrimSpace(cell); text != "" {
					sheet.WriteString(fmt.Sprintf("%s%d: %s\n", columnLetter(colIndex), rowIndex+1, text))
					cells++
				}
			}
		}
		if cells > 0 {
			parts = append(parts, strings.TrimSpace(sheet.String()))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// stripTags removes angle-bracket markup without inserting separators,
// since word runs may be split across adjacent tags.
func stripTags(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// columnLetter converts a 0-based column index to a spreadsheet column
// name (A, B, ..., Z, AA, AB, ...).
func columnLetter(index int) string {
	result := ""
	for {
		result = string(rune('A'+index%26)) + result
		index = index/26 - 1
		if index < 0 {
			break
		}
	}
	return result
}

func wrapParse(op string, err error) error {
	return errs.Wrap(errs.Unknown, component, op, err)
}
