// Package ingestion extracts linear text from documents and splits it into
// overlapping chunks ready for embedding.
package ingestion

import (
	"path/filepath"
	"strings"
)

// DocumentFormat enumerates supported document payload formats.
type DocumentFormat string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown DocumentFormat = ""
	// FormatMarkdown represents Markdown documents.
	FormatMarkdown DocumentFormat = "markdown"
	// FormatText represents plain text documents.
	FormatText DocumentFormat = "text"
	// FormatPDF represents PDF documents.
	FormatPDF DocumentFormat = "pdf"
	// FormatDOCX represents Office Open XML word-processor documents.
	FormatDOCX DocumentFormat = "docx"
	// FormatXLSX represents Office Open XML spreadsheets.
	FormatXLSX DocumentFormat = "xlsx"
	// FormatXLS represents legacy binary Excel spreadsheets.
	FormatXLS DocumentFormat = "xls"
	// FormatCSV represents comma separated values documents.
	FormatCSV DocumentFormat = "csv"
)

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) DocumentFormat {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".txt":
		return FormatText
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	case ".xlsx":
		return FormatXLSX
	case ".xls":
		return FormatXLS
	case ".csv":
		return FormatCSV
	default:
		return FormatUnknown
	}
}

// Supported reports whether path has an extension the extractors understand.
func Supported(path string) bool {
	return DetectFormat(path) != FormatUnknown
}

// Extensions lists every supported file extension.
func Extensions() []string {
	return []string{".md", ".markdown", ".txt", ".pdf", ".docx", ".xlsx", ".xls", ".csv"}
}
