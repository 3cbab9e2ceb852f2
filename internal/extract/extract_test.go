package extract_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/extract"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
)

func buildDOCX(t *testing.T, documentXML, coreXML string) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	if documentXML != "" {
		f, err := w.Create("word/document.xml")
		require.NoError(t, err)
		_, err = f.Write([]byte(documentXML))
		require.NoError(t, err)
	}
	if coreXML != "" {
		f, err := w.Create("docProps/core.xml")
		require.NoError(t, err)
		_, err = f.Write([]byte(coreXML))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// buildPDF writes a single-page PDF with a correct xref table.
func buildPDF(text, title string) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		fmt.Sprintf("<< /Title (%s) >>", title),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R /Info 6 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestExtract_PlainText(t *testing.T) {
	e := extract.New()
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("Line one.\r\nLine two.")...)

	res, err := e.Extract(context.Background(), data, "text/plain; charset=utf-8", "course_notes-2024.txt")
	require.NoError(t, err)
	assert.Equal(t, "Line one.\nLine two.", res.Text)
	assert.Equal(t, "course notes 2024", res.Title)
}

func TestExtract_PlainTextInvalidUTF8(t *testing.T) {
	e := extract.New()
	_, err := e.Extract(context.Background(), []byte{0xff, 0xfe, 0x00, 'a'}, "text/plain", "bad.txt")
	assert.ErrorIs(t, err, knowledge.ErrExtractionFailed)
}

func TestExtract_MarkdownTitle(t *testing.T) {
	e := extract.New()
	res, err := e.Extract(context.Background(), []byte("intro\n# Pricing Strategy\nbody"), "text/markdown", "x.md")
	require.NoError(t, err)
	assert.Equal(t, "Pricing Strategy", res.Title)
	assert.Contains(t, res.Text, "body")
}

func TestExtract_DOCX(t *testing.T) {
	e := extract.New()
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:pPr><w:tabs><w:tab w:val="left" w:pos="720"/></w:tabs></w:pPr><w:r><w:t>Hello</w:t></w:r><w:r><w:tab/><w:t>World</w:t></w:r></w:p>
<w:p><w:r><w:t>Second paragraph.</w:t></w:r></w:p>
</w:body>
</w:document>`
	core := `<?xml version="1.0" encoding="UTF-8"?>
<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" xmlns:dc="http://purl.org/dc/elements/1.1/">
<dc:title>Case Study Brief</dc:title>
</cp:coreProperties>`

	res, err := e.Extract(context.Background(), buildDOCX(t, doc, core), extract.MimeDOCX, "brief.docx")
	require.NoError(t, err)
	assert.Equal(t, "Hello\tWorld\n\nSecond paragraph.", res.Text)
	assert.Equal(t, "Case Study Brief", res.Title)
}

func TestExtract_DOCXTitleFallback(t *testing.T) {
	e := extract.New()
	doc := `<w:document xmlns:w="w"><w:body><w:p><w:r><w:t>Only text</w:t></w:r></w:p></w:body></w:document>`
	res, err := e.Extract(context.Background(), buildDOCX(t, doc, ""), extract.MimeDOCX, "market_entry-plan.docx")
	require.NoError(t, err)
	assert.Equal(t, "market entry plan", res.Title)
}

func TestExtract_DOCXCorrupt(t *testing.T) {
	e := extract.New()

	_, err := e.Extract(context.Background(), []byte("not a zip"), extract.MimeDOCX, "a.docx")
	assert.ErrorIs(t, err, knowledge.ErrExtractionFailed)

	_, err = e.Extract(context.Background(), buildDOCX(t, "", "<x/>"), extract.MimeDOCX, "a.docx")
	assert.ErrorIs(t, err, knowledge.ErrExtractionFailed)
}

func TestExtract_PDF(t *testing.T) {
	e := extract.New()
	res, err := e.Extract(context.Background(), buildPDF("Hello PDF", "Quarterly Review"), extract.MimePDF, "q.pdf")
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Hello PDF")
	assert.Equal(t, "Quarterly Review", res.Title)
}

func TestExtract_PDFCorrupt(t *testing.T) {
	e := extract.New()
	_, err := e.Extract(context.Background(), []byte("%PDF-1.4 truncated"), extract.MimePDF, "broken.pdf")
	assert.ErrorIs(t, err, knowledge.ErrExtractionFailed)
}

func TestExtract_UnsupportedType(t *testing.T) {
	e := extract.New()
	_, err := e.Extract(context.Background(), []byte("x"), "image/png", "a.png")
	assert.ErrorIs(t, err, knowledge.ErrUnsupportedType)
	assert.False(t, e.Supports("image/png"))
	assert.True(t, e.Supports("Application/PDF"))
}

func TestMimeTypeFromFilename(t *testing.T) {
	assert.Equal(t, extract.MimePDF, extract.MimeTypeFromFilename("A.PDF"))
	assert.Equal(t, extract.MimeDOCX, extract.MimeTypeFromFilename("notes.docx"))
	assert.Equal(t, extract.MimeMarkdown, extract.MimeTypeFromFilename("readme.md"))
	assert.Equal(t, "", extract.MimeTypeFromFilename("archive.zip"))
}
