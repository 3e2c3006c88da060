// Package extract turns document buffers into text, Markdown and chunks.
// Each supported kind has its own Processor; NewProcessor selects one.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tendant/simple-extractor/internal/chunk"
	"github.com/tendant/simple-extractor/internal/detect"
	"github.com/tendant/simple-extractor/pkg/schema"
)

// DefaultMinCharsPerPage is the average below which a multi-page PDF is
// treated as scanned.
const DefaultMinCharsPerPage = 100

// Processor extracts a single document kind.
type Processor interface {
	// Process extracts text and, depending on the options, Markdown, images
	// and chunks. A nil error always comes with a non-empty Result.Text.
	Process(ctx context.Context, p Params) (*Result, error)

	// Name returns the processor name for logging.
	Name() string
}

// ProgressReporter receives strategy-level progress. Percentages are in the
// 0-100 range of the strategy itself; callers rescale them.
type ProgressReporter interface {
	Report(ctx context.Context, stage string, percent int)
}

// ProgressFunc adapts a function to ProgressReporter.
type ProgressFunc func(ctx context.Context, stage string, percent int)

func (f ProgressFunc) Report(ctx context.Context, stage string, percent int) { f(ctx, stage, percent) }

// Params is the input of a single extraction.
type Params struct {
	Buffer   []byte
	FileName string
	JobID    string
	Options  schema.ProcessingOptions
	Progress ProgressReporter
}

func (p Params) report(ctx context.Context, stage string, percent int) {
	if p.Progress != nil {
		p.Progress.Report(ctx, stage, percent)
	}
}

// ImageInfo describes an image embedded in an Office archive.
type ImageInfo struct {
	Name      string `json:"name"`
	Format    string `json:"format"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	SizeBytes int64  `json:"sizeBytes"`
	Source    string `json:"source"`
}

// Result is the output of a successful extraction.
type Result struct {
	Text     string         `json:"text"`
	Markdown string         `json:"markdown,omitempty"`
	Chunks   []chunk.Chunk  `json:"chunks,omitempty"`
	Images   []ImageInfo    `json:"images,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// OCRRequest is a scanned document handed to a TextDetector.
type OCRRequest struct {
	JobID    string
	FileName string
	Buffer   []byte
}

// OCRResult is the reading-ordered text of a scanned document.
type OCRResult struct {
	Text      string
	OCRJobID  string
	PageCount int
	LineCount int
}

// TextDetector runs OCR over a document. Implementations return an error
// wrapping ErrOCRTimeout when polling runs out and ErrEmptyExtraction when the
// job fails or finds no text.
type TextDetector interface {
	DetectText(ctx context.Context, req OCRRequest) (*OCRResult, error)
}

// Config is shared by every processor.
type Config struct {
	MinCharsPerPage int
	ChunkSize       int
	ChunkOverlap    int
	// OCR is optional; without it the PDF strategy cannot fall back.
	OCR    TextDetector
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MinCharsPerPage <= 0 {
		c.MinCharsPerPage = DefaultMinCharsPerPage
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = chunk.DefaultSize
	}
	if c.ChunkOverlap <= 0 {
		c.ChunkOverlap = chunk.DefaultOverlap
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) chunker(kind detect.Kind) *chunk.Chunker {
	opts := []chunk.Option{chunk.WithSize(c.ChunkSize), chunk.WithOverlap(c.ChunkOverlap)}
	if kind.IsTextFamily() {
		opts = append(opts, chunk.WithLineBreaks())
	}
	return chunk.New(opts...)
}

// NewProcessor returns the processor for kind. It performs no I/O.
func NewProcessor(kind detect.Kind, cfg Config) (Processor, error) {
	cfg = cfg.withDefaults()

	switch kind {
	case detect.KindPDF:
		return &PDFProcessor{cfg: cfg}, nil
	case detect.KindDocx:
		return &DocxProcessor{cfg: cfg}, nil
	case detect.KindXlsx:
		return &XlsxProcessor{cfg: cfg}, nil
	case detect.KindPptx:
		return &PptxProcessor{cfg: cfg}, nil
	case detect.KindText, detect.KindCSV, detect.KindJSON, detect.KindXML, detect.KindMarkdown:
		return &TextProcessor{cfg: cfg, kind: kind}, nil
	default:
		return nil, &UnsupportedFormatError{DetectedKind: kind}
	}
}

// finish applies the steps every strategy shares: the empty-text check,
// optional chunking and timing metadata.
func finish(ctx context.Context, p Params, cfg Config, kind detect.Kind, res *Result, started time.Time) (*Result, error) {
	res.Text = strings.TrimSpace(res.Text)
	if res.Text == "" {
		return nil, fmt.Errorf("%s produced no text: %w", kind, ErrEmptyExtraction)
	}
	if res.Metadata == nil {
		res.Metadata = make(map[string]any)
	}

	if p.Options.GenerateEmbeddings {
		p.report(ctx, "chunking_text", 90)
		res.Chunks = cfg.chunker(kind).Split(res.Text)
		res.Metadata["chunkCount"] = len(res.Chunks)
	}

	res.Metadata["characterCount"] = len([]rune(res.Text))
	res.Metadata["processingTimeMs"] = time.Since(started).Milliseconds()
	return res, nil
}
