// Package extract pulls searchable plain text out of uploaded documents so
// list and search surfaces can work over content, not just metadata.
package extract

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

const pdfMimeType = "application/pdf"

// documentPayload is the subset of a document packet payload the extractor
// reads and writes. Unknown fields are preserved via the raw map rewrite in
// EnrichDocument.
type documentPayload struct {
	MimeType string `json:"mime_type"`
	Content  string `json:"content"`
}

// PDFText extracts the plain text of a PDF held in memory.
func PDFText(data []byte) (text string, err error) {
	// The pdf parser panics on some malformed inputs instead of returning
	// an error.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf strings.Builder
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}

// EnrichDocument rewrites a document payload, adding an "extracted_text"
// field for PDF content. Extraction is best effort: payloads that are not
// PDFs, carry no content, or fail to parse come back unchanged. The content
// field is expected to be base64.
func EnrichDocument(payload json.RawMessage) json.RawMessage {
	var doc documentPayload
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload
	}
	if doc.MimeType != pdfMimeType || doc.Content == "" {
		return payload
	}

	data, err := base64.StdEncoding.DecodeString(doc.Content)
	if err != nil {
		slog.Warn("document content is not valid base64, skipping extraction", "error", err)
		return payload
	}
	text, err := PDFText(data)
	if err != nil {
		slog.Warn("pdf text extraction failed", "error", err)
		return payload
	}

	// Round-trip through a map so fields the extractor does not know about
	// survive the rewrite.
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload
	}
	fields["extracted_text"] = strings.TrimSpace(text)

	out, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return out
}
