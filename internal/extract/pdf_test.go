package extract

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-extractor/internal/detect"
	"github.com/tendant/simple-extractor/pkg/schema"
)

func longLine(page int) string {
	return fmt.Sprintf("Page %d explains the ingestion pipeline in enough detail to pass the density check. ", page) +
		strings.Repeat("More explanatory words follow here. ", 4)
}

func newPDF(t *testing.T, ocr TextDetector) Processor {
	t.Helper()
	p, err := NewProcessor(detect.KindPDF, Config{OCR: ocr})
	require.NoError(t, err)
	return p
}

func TestPDFDirectExtraction(t *testing.T) {
	buf := buildPDF(t, longLine(1), longLine(2))
	ocr := &fakeOCR{}
	rec := &progressRecorder{}

	res, err := newPDF(t, ocr).Process(context.Background(), Params{
		Buffer:   buf,
		FileName: "guide.pdf",
		JobID:    "job-1",
		Options:  schema.ProcessingOptions{GenerateEmbeddings: true, ConvertToMarkdown: true, OCREnabled: true},
		Progress: rec,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Page 1 explains")
	assert.Contains(t, res.Text, "Page 2 explains")
	assert.Equal(t, 2, res.Metadata["pageCount"])
	assert.Contains(t, []any{"pdf-text", "pdfcpu-stream"}, res.Metadata["extractionMethod"])
	assert.NotEmpty(t, res.Markdown)
	require.NotEmpty(t, res.Chunks)
	assert.Equal(t, 0, res.Chunks[0].Index)
	assert.Zero(t, ocr.calls, "text layer is usable, OCR must not run")

	assert.Contains(t, rec.stages, "parsing_pdf")
	assert.Contains(t, rec.stages, "chunking_text")
	for i := 1; i < len(rec.percents); i++ {
		assert.GreaterOrEqual(t, rec.percents[i], rec.percents[i-1])
	}
}

func TestPDFSinglePageNeverRejectedOnDensity(t *testing.T) {
	buf := buildPDF(t, "Hi there.")

	res, err := newPDF(t, nil).Process(context.Background(), Params{Buffer: buf, JobID: "job-2"})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Hi there.")
	assert.Equal(t, 1, res.Metadata["pageCount"])
}

func TestPDFLowDensityFallsBackToOCR(t *testing.T) {
	pages := make([]string, 5)
	for i := range pages {
		pages[i] = fmt.Sprintf("Scan %d", i+1)
	}
	buf := buildPDF(t, pages...)
	ocr := &fakeOCR{result: &OCRResult{Text: "Recognized text from the scanned pages.", OCRJobID: "tx-123", PageCount: 5, LineCount: 1}}

	res, err := newPDF(t, ocr).Process(context.Background(), Params{
		Buffer:   buf,
		FileName: "scan.pdf",
		JobID:    "job-3",
		Options:  schema.ProcessingOptions{OCREnabled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ocr.calls)
	assert.Equal(t, "job-3", ocr.last.JobID)
	assert.Equal(t, "scan.pdf", ocr.last.FileName)
	assert.Equal(t, buf, ocr.last.Buffer)
	assert.Equal(t, "ocr-textract", res.Metadata["extractionMethod"])
	assert.Equal(t, "tx-123", res.Metadata["ocrJobId"])
	assert.Equal(t, "Recognized text from the scanned pages.", res.Text)
}

func TestPDFScannedWithoutOCRFails(t *testing.T) {
	buf := buildPDF(t, "", "", "")
	ocr := &fakeOCR{}

	_, err := newPDF(t, ocr).Process(context.Background(), Params{Buffer: buf, JobID: "job-4"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyExtraction)
	assert.Zero(t, ocr.calls)
}

func TestPDFOCRErrorsPropagate(t *testing.T) {
	buf := buildPDF(t, "", "")

	t.Run("timeout", func(t *testing.T) {
		ocr := &fakeOCR{err: fmt.Errorf("textract job tx-1: %w", ErrOCRTimeout)}
		_, err := newPDF(t, ocr).Process(context.Background(), Params{Buffer: buf, Options: schema.ProcessingOptions{OCREnabled: true}})
		assert.ErrorIs(t, err, ErrOCRTimeout)
	})

	t.Run("empty ocr text", func(t *testing.T) {
		ocr := &fakeOCR{result: &OCRResult{Text: "   "}}
		_, err := newPDF(t, ocr).Process(context.Background(), Params{Buffer: buf, Options: schema.ProcessingOptions{OCREnabled: true}})
		assert.ErrorIs(t, err, ErrEmptyExtraction)
	})
}

func TestPDFGarbageInput(t *testing.T) {
	_, err := newPDF(t, nil).Process(context.Background(), Params{Buffer: []byte("%PDF-1.4 not really")})
	assert.ErrorIs(t, err, ErrEmptyExtraction)
}

func TestReaderPanicBecomesError(t *testing.T) {
	read := func() (doc *pdfStructure, err error) {
		defer recoverReader("pdfcpu", &err)
		panic("corrupt xref table")
	}

	doc, err := read()
	require.Error(t, err)
	assert.Nil(t, doc)
	assert.Contains(t, err.Error(), "pdfcpu panic: corrupt xref table")
}

func TestPDFTruncatedXRefFallsThroughToEmpty(t *testing.T) {
	buf := []byte("%PDF-1.7\n1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\nxref\n0 3\n0000000000 65535 f \ntrailer\n<< /Size 3 /Root 1 0 R >>\nstartxref\n48\n%%EOF")
	assert.NotPanics(t, func() {
		_, err := newPDF(t, nil).Process(context.Background(), Params{Buffer: buf})
		assert.ErrorIs(t, err, ErrEmptyExtraction)
	})
}

func TestRejectReason(t *testing.T) {
	tests := []struct {
		name   string
		text   *pdfText
		reject bool
	}{
		{"unparsed", nil, true},
		{"blank", &pdfText{text: "  \n ", pages: 1}, true},
		{"single page short", &pdfText{text: "tiny", pages: 1}, false},
		{"five pages under 500 chars", &pdfText{text: strings.Repeat("x", 499), pages: 5}, true},
		{"five pages at 500 chars", &pdfText{text: strings.Repeat("x", 500), pages: 5}, false},
		{"two pages dense", &pdfText{text: strings.Repeat("y", 400), pages: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rejectReason(tt.text, DefaultMinCharsPerPage)
			assert.Equal(t, tt.reject, got != "", "reason=%q", got)
		})
	}
}

func TestStreamText(t *testing.T) {
	data := []byte("BT\n/F1 12 Tf\n72 720 Td\n(Hello \\(world\\)) Tj\n0 -14 Td\n[(Kern) -120 (ed)] TJ\nT*\n(next\\040line) '\nET\n")
	got := streamText(data)
	assert.Equal(t, "Hello (world) Kerned\nnext line", got)
}

func TestDecodePDFString(t *testing.T) {
	assert.Equal(t, "a\nb", decodePDFString([]byte(`a\nb`)))
	assert.Equal(t, "A", decodePDFString([]byte(`\101`)))
	assert.Equal(t, "(x)", decodePDFString([]byte(`\(x\)`)))
}
