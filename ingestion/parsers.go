package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/extrame/xls"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for files whose extension has no extractor.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Extractor turns a document on disk into linear text.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, path string) (string, error)

func (f ExtractorFunc) Extract(ctx context.Context, path string) (string, error) {
	return f(ctx, path)
}

var extractors = map[DocumentFormat]Extractor{
	FormatMarkdown: ExtractorFunc(extractPlain),
	FormatText:     ExtractorFunc(extractPlain),
	FormatPDF:      ExtractorFunc(extractPDF),
	FormatDOCX:     ExtractorFunc(extractDOCX),
	FormatXLSX:     ExtractorFunc(extractXLSX),
	FormatXLS:      ExtractorFunc(extractXLS),
	FormatCSV:      ExtractorFunc(extractCSV),
}

// Extract dispatches on the file extension and returns the document text.
func Extract(ctx context.Context, path string) (string, error) {
	format := DetectFormat(path)
	extractor, ok := extractors[format]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := extractor.Extract(ctx, path)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", format, err)
	}
	return text, nil
}

func extractPlain(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

func extractPDF(_ context.Context, path string) (text string, err error) {
	// The pdf reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	f, doc, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	plain, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}

	return normalizePlainText(buf.String()), nil
}

func extractDOCX(_ context.Context, path string) (string, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer archive.Close()

	for _, file := range archive.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("open document part: %w", err)
		}
		defer rc.Close()
		return docxText(rc)
	}

	return "", fmt.Errorf("docx has no word/document.xml part")
}

// docxText walks WordprocessingML and keeps the text runs, emitting a newline
// per paragraph.
func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	builder := &strings.Builder{}
	inText := false

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("decode document part: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				builder.WriteString("\t")
			case "br", "cr":
				builder.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				builder.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				builder.Write(t)
			}
		}
	}

	return normalizePlainText(builder.String()), nil
}

func extractXLSX(_ context.Context, path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := make([]string, 0)
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		if text := formatTable(sheet, rows); text != "" {
			sheets = append(sheets, text)
		}
	}

	return strings.Join(sheets, "\n\n"), nil
}

func extractXLS(_ context.Context, path string) (string, error) {
	wb, err := xls.Open(path, "utf-8")
	if err != nil {
		return "", fmt.Errorf("open xls: %w", err)
	}

	sheets := make([]string, 0, wb.NumSheets())
	for i := 0; i < wb.NumSheets(); i++ {
		sheet := wb.GetSheet(i)
		if sheet == nil {
			continue
		}
		rows := make([][]string, 0, int(sheet.MaxRow)+1)
		for r := 0; r <= int(sheet.MaxRow); r++ {
			row := sheet.Row(r)
			if row == nil {
				continue
			}
			values := make([]string, 0, row.LastCol())
			for c := row.FirstCol(); c < row.LastCol(); c++ {
				values = append(values, row.Col(c))
			}
			rows = append(rows, values)
		}
		if text := formatTable(sheet.Name, rows); text != "" {
			sheets = append(sheets, text)
		}
	}

	return strings.Join(sheets, "\n\n"), nil
}

func extractCSV(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}

	return formatTable("", records), nil
}

// formatTable renders a header row followed by one "Header: value" block per
// data row.
func formatTable(name string, records [][]string) string {
	if len(records) == 0 {
		return ""
	}

	headers := records[0]
	blocks := make([]string, 0, len(records))
	if name != "" {
		blocks = append(blocks, "Sheet: "+name)
	}
	for idx, row := range records[1:] {
		if firstNonEmpty(row) == "" {
			continue
		}
		blocks = append(blocks, formatCSVRow(headers, row, idx))
	}
	if len(records) == 1 {
		blocks = append(blocks, strings.Join(headers, ", "))
	}

	return strings.Join(blocks, "\n\n")
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func formatCSVRow(headers, row []string, idx int) string {
	builder := &strings.Builder{}
	builder.WriteString(fmt.Sprintf("Row %d", idx+1))
	if len(headers) > 0 {
		builder.WriteString("\n")
	}

	limit := len(headers)
	if len(row) < limit {
		limit = len(row)
	}

	for i := 0; i < limit; i++ {
		header := strings.TrimSpace(headers[i])
		value := strings.TrimSpace(row[i])
		if header == "" {
			header = fmt.Sprintf("Column %d", i+1)
		}
		builder.WriteString(header)
		builder.WriteString(": ")
		builder.WriteString(value)
		if i < limit-1 {
			builder.WriteString("\n")
		}
	}

	// Values beyond the header count.
	if len(row) > len(headers) {
		for i := len(headers); i < len(row); i++ {
			builder.WriteString("\n")
			builder.WriteString(fmt.Sprintf("Extra %d: %s", i+1, strings.TrimSpace(row[i])))
		}
	}

	return builder.String()
}
