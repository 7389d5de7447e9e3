package documents

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// buildPDF writes a one-page PDF with a monospaced font and one text line per
// argument. Offsets in the xref table are computed as the file is written.
func buildPDF(lines ...string) []byte {
	var content strings.Builder
	content.WriteString("BT\n/F1 12 Tf\n72 720 Td\n")
	for i, l := range lines {
		if i > 0 {
			content.WriteString("0 -14 Td\n")
		}
		fmt.Fprintf(&content, "(%s) Tj\n", l)
	}
	content.WriteString("ET")

	widths := strings.TrimSpace(strings.Repeat("600 ", 95))
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Courier /Encoding /WinAnsiEncoding /FirstChar 32 /LastChar 126 /Widths [" + widths + "] >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestExtractTextRebuildsWordsAndLines(t *testing.T) {
	pdf := buildPDF("Program Description", "Build open data tools.", "Evaluation Criteria", "Impact and cost.")

	text, err := ExtractText(pdf)
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	for _, want := range []string{"Program Description\n", "Build open data tools.", "Evaluation Criteria"} {
		if !strings.Contains(text, want) {
			t.Errorf("text %q does not contain %q", text, want)
		}
	}

	s := SliceSections(text)
	if s.ProgramDescription == nil || *s.ProgramDescription != "Build open data tools." {
		t.Errorf("program description = %v", s.ProgramDescription)
	}
}

func TestExtractTextRejectsNonPDF(t *testing.T) {
	_, err := ExtractText([]byte("<html>not a pdf</html>"))
	if !errors.Is(err, ErrNotPDF) {
		t.Fatalf("err = %v, want ErrNotPDF", err)
	}
}

func TestExtractTextCorruptPDFIsAnError(t *testing.T) {
	corrupt := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("garbage "), 40)...)
	if _, err := ExtractText(corrupt); err == nil {
		t.Fatal("expected an error for a corrupt PDF")
	}
}
