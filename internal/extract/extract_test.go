package extract

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

// buildPDF assembles a one-page PDF with the given text, tracking byte
// offsets so the xref table is exact.
func buildPDF(text string) []byte {
	var buf bytes.Buffer
	offsets := make([]int, 0, 5)

	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	obj("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	obj("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>\nendobj\n")
	stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
	obj(fmt.Sprintf("4 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(stream), stream))
	obj("5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>\nendobj\n")

	xrefPos := buf.Len()
	buf.WriteString(fmt.Sprintf("xref\n0 %d\n", len(offsets)+1))
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		buf.WriteString(fmt.Sprintf("%010d 00000 n \n", off))
	}
	buf.WriteString(fmt.Sprintf("trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xrefPos))
	return buf.Bytes()
}

func TestPDFTextExtractsContent(t *testing.T) {
	data := buildPDF("hello vault")

	text, err := PDFText(data)
	if err != nil {
		t.Fatalf("extracting text: %v", err)
	}
	if !strings.Contains(text, "hello vault") {
		t.Errorf("expected extracted text to contain %q, got %q", "hello vault", text)
	}
}

func TestPDFTextRejectsGarbage(t *testing.T) {
	if _, err := PDFText([]byte("definitely not a pdf")); err == nil {
		t.Error("expected error for non-pdf input")
	}
	if _, err := PDFText(nil); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestEnrichDocumentAddsExtractedText(t *testing.T) {
	content := base64.StdEncoding.EncodeToString(buildPDF("searchable words"))
	payload, err := json.Marshal(map[string]any{
		"file_name": "notes.pdf",
		"mime_type": "application/pdf",
		"content":   content,
	})
	if err != nil {
		t.Fatalf("building payload: %v", err)
	}

	out := EnrichDocument(payload)

	var fields map[string]any
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("decoding enriched payload: %v", err)
	}
	text, _ := fields["extracted_text"].(string)
	if !strings.Contains(text, "searchable words") {
		t.Errorf("expected extracted_text with document content, got %q", text)
	}
	if fields["file_name"] != "notes.pdf" {
		t.Error("unrelated payload fields must survive enrichment")
	}
	if fields["content"] != content {
		t.Error("original content must survive enrichment")
	}
}

func TestEnrichDocumentPassesThroughNonPDF(t *testing.T) {
	cases := []json.RawMessage{
		json.RawMessage(`{"mime_type":"text/plain","content":"aGVsbG8="}`),
		json.RawMessage(`{"file_name":"empty.pdf","mime_type":"application/pdf"}`),
		json.RawMessage(`{"mime_type":"application/pdf","content":"%%%not-base64%%%"}`),
		json.RawMessage(`["not","an","object"]`),
	}
	for _, payload := range cases {
		out := EnrichDocument(payload)
		if !bytes.Equal(out, payload) {
			t.Errorf("payload %s should pass through unchanged, got %s", payload, out)
		}
	}
}

func TestEnrichDocumentKeepsPayloadOnBrokenPDF(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("broken"))
	payload := json.RawMessage(`{"mime_type":"application/pdf","content":"` + content + `"}`)

	out := EnrichDocument(payload)
	if !bytes.Equal(out, payload) {
		t.Errorf("broken pdf should leave payload unchanged, got %s", out)
	}
}
