package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/tendant/simple-extractor/internal/detect"
)

// PDFProcessor extracts embedded text and falls back to OCR for scanned
// documents.
type PDFProcessor struct {
	cfg Config
}

func (p *PDFProcessor) Name() string { return "pdf" }

func (p *PDFProcessor) Process(ctx context.Context, params Params) (*Result, error) {
	started := time.Now()
	logger := p.cfg.Logger.With("job_id", params.JobID, "processor", p.Name())

	params.report(ctx, "parsing_pdf", 40)
	direct, err := directText(params.Buffer)
	if err != nil {
		logger.Warn("direct pdf extraction failed", "err", err)
	}

	params.report(ctx, "extracting_pdf", 55)
	res := &Result{Metadata: map[string]any{}}
	if direct != nil {
		res.Metadata["pageCount"] = direct.pages
		res.Metadata["hasImages"] = direct.hasImages
	}

	reason := rejectReason(direct, p.cfg.MinCharsPerPage)
	if reason == "" {
		res.Text = direct.text
		res.Metadata["extractionMethod"] = direct.method
	} else {
		logger.Info("direct pdf text rejected", "reason", reason, "ocr_enabled", params.Options.OCREnabled)
		if !params.Options.OCREnabled || p.cfg.OCR == nil {
			return nil, fmt.Errorf("pdf %s and ocr is disabled: %w", reason, ErrEmptyExtraction)
		}

		params.report(ctx, "ocr_fallback", 60)
		ocr, err := p.cfg.OCR.DetectText(ctx, OCRRequest{
			JobID:    params.JobID,
			FileName: params.FileName,
			Buffer:   params.Buffer,
		})
		if err != nil {
			return nil, fmt.Errorf("ocr fallback: %w", err)
		}
		res.Text = ocr.Text
		res.Metadata["extractionMethod"] = "ocr-textract"
		res.Metadata["ocrJobId"] = ocr.OCRJobID
		res.Metadata["ocrLineCount"] = ocr.LineCount
		res.Metadata["directRejectReason"] = reason
		if ocr.PageCount > 0 {
			res.Metadata["pageCount"] = ocr.PageCount
		}
	}

	params.report(ctx, "post_processing", 70)
	res.Text = normalizeWhitespace(res.Text)

	if params.Options.ConvertToMarkdown {
		params.report(ctx, "converting_markdown", 80)
		res.Markdown = paragraphsToMarkdown(res.Text)
	}

	return finish(ctx, params, p.cfg, detect.KindPDF, res, started)
}

type pdfText struct {
	text      string
	pages     int
	method    string
	hasImages bool
}

// directText reads the embedded text layer. The ledongthuc reader is tried
// first; pdfcpu content streams are used when it fails or finds nothing.
func directText(buf []byte) (*pdfText, error) {
	text, pages, primaryErr := readPlainText(buf)

	doc, structErr := readStructure(buf)
	// Some generators write text the primary reader cannot map; the raw
	// stream parse may still find it.
	if primaryErr == nil && strings.TrimSpace(text) == "" && structErr == nil && doc.text != "" {
		primaryErr = fmt.Errorf("primary reader found no text")
	}
	if primaryErr == nil {
		out := &pdfText{text: text, pages: pages, method: "pdf-text"}
		if structErr == nil {
			out.hasImages = doc.hasImages
		}
		return out, nil
	}

	if structErr != nil {
		return nil, fmt.Errorf("read pdf: %v; pdfcpu: %w", primaryErr, structErr)
	}
	return &pdfText{
		text:      doc.text,
		pages:     doc.pages,
		method:    "pdfcpu-stream",
		hasImages: doc.hasImages,
	}, nil
}

// recoverReader converts a panic in a PDF reader into err. Both readers panic
// on some malformed cross-reference tables.
func recoverReader(name string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s panic: %v", name, r)
	}
}

func readPlainText(buf []byte) (text string, pages int, err error) {
	defer recoverReader("pdf reader", &err)

	reader, err := pdf.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}

	pages = reader.NumPage()
	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strings.TrimSpace(pageText))
	}
	return sb.String(), pages, nil
}

// rejectReason returns why direct text is unusable, or "" when it is fine.
// Single-page documents are never rejected on density alone.
func rejectReason(t *pdfText, minCharsPerPage int) string {
	if t == nil {
		return "could not be parsed"
	}
	trimmed := strings.TrimSpace(t.text)
	if trimmed == "" {
		return "has no text layer"
	}
	if t.pages > 1 {
		avg := float64(utf8.RuneCountInString(trimmed)) / float64(t.pages)
		if avg < float64(minCharsPerPage) {
			return fmt.Sprintf("averages %.1f chars over %d pages", avg, t.pages)
		}
	}
	return ""
}

// normalizeWhitespace trims trailing spaces and collapses runs of blank lines.
func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func paragraphsToMarkdown(text string) string {
	var sb strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(para)
	}
	return sb.String()
}
