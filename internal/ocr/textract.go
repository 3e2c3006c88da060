// Package ocr runs asynchronous text detection over scanned documents with
// Amazon Textract.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/tendant/simple-extractor/internal/blob"
	"github.com/tendant/simple-extractor/internal/extract"
	"github.com/tendant/simple-extractor/internal/retry"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 120

	// lineTolerance is the vertical distance, as a fraction of page height,
	// under which two lines count as the same row.
	lineTolerance = 0.01
)

// API is the subset of the Textract client used here.
type API interface {
	StartDocumentTextDetection(ctx context.Context, in *textract.StartDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.StartDocumentTextDetectionOutput, error)
	GetDocumentTextDetection(ctx context.Context, in *textract.GetDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.GetDocumentTextDetectionOutput, error)
}

// Config controls staging and polling.
type Config struct {
	Bucket       string
	PollInterval time.Duration
	MaxAttempts  int
	Logger       *slog.Logger
}

// Client implements extract.TextDetector. Documents are staged in blob
// storage under ocr-input/<jobId>/<fileName> before detection starts.
type Client struct {
	api   API
	store blob.Store
	cfg   Config
}

func NewClient(api API, store blob.Store, cfg Config) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{api: api, store: store, cfg: cfg}
}

// StagingKey returns the blob key a document is uploaded to for OCR.
func StagingKey(jobID, fileName string) string {
	name := strings.TrimSpace(fileName)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "document.pdf"
	}
	return "ocr-input/" + jobID + "/" + name
}

var tokenRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// requestToken makes StartDocumentTextDetection idempotent per job, so a
// redelivered message reuses the running Textract job.
func requestToken(jobID string) string {
	token := tokenRe.ReplaceAllString(jobID, "-")
	if len(token) > 64 {
		token = token[:64]
	}
	return token
}

func (c *Client) DetectText(ctx context.Context, req extract.OCRRequest) (*extract.OCRResult, error) {
	logger := c.cfg.Logger.With("job_id", req.JobID)

	key := StagingKey(req.JobID, req.FileName)
	if err := c.store.Upload(ctx, c.cfg.Bucket, key, req.Buffer, blob.UploadOptions{ContentType: "application/pdf"}); err != nil {
		return nil, fmt.Errorf("stage document for ocr: %w", err)
	}

	in := &textract.StartDocumentTextDetectionInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{
				Bucket: aws.String(c.cfg.Bucket),
				Name:   aws.String(key),
			},
		},
	}
	if token := requestToken(req.JobID); token != "" {
		in.ClientRequestToken = aws.String(token)
	}
	started, err := c.api.StartDocumentTextDetection(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("start text detection: %w", err)
	}
	ocrJobID := aws.ToString(started.JobId)
	logger.Info("text detection started", "ocr_job_id", ocrJobID, "key", key)

	var (
		blocks []types.Block
		pages  int
	)
	err = retry.Poll(ctx, c.cfg.MaxAttempts, c.cfg.PollInterval, func(ctx context.Context, attempt int) (bool, error) {
		out, err := c.api.GetDocumentTextDetection(ctx, &textract.GetDocumentTextDetectionInput{JobId: aws.String(ocrJobID)})
		if err != nil {
			return false, fmt.Errorf("get text detection: %w", err)
		}

		switch out.JobStatus {
		case types.JobStatusInProgress:
			logger.Debug("text detection in progress", "ocr_job_id", ocrJobID, "attempt", attempt)
			return false, nil
		case types.JobStatusFailed:
			return false, fmt.Errorf("textract job %s failed: %s: %w", ocrJobID, aws.ToString(out.StatusMessage), extract.ErrEmptyExtraction)
		}

		if out.DocumentMetadata != nil {
			pages = int(aws.ToInt32(out.DocumentMetadata.Pages))
		}
		blocks, err = c.collectBlocks(ctx, ocrJobID, out)
		if err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return nil, fmt.Errorf("textract job %s after %d attempts: %w", ocrJobID, c.cfg.MaxAttempts, extract.ErrOCRTimeout)
		}
		return nil, err
	}

	lines := ReadingOrder(blocks)
	text := strings.Join(lines, "\n")
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("textract job %s found no text: %w", ocrJobID, extract.ErrEmptyExtraction)
	}
	logger.Info("text detection completed", "ocr_job_id", ocrJobID, "lines", len(lines), "pages", pages)

	return &extract.OCRResult{
		Text:      text,
		OCRJobID:  ocrJobID,
		PageCount: pages,
		LineCount: len(lines),
	}, nil
}

// collectBlocks follows NextToken pagination of a finished job.
func (c *Client) collectBlocks(ctx context.Context, ocrJobID string, first *textract.GetDocumentTextDetectionOutput) ([]types.Block, error) {
	blocks := append([]types.Block(nil), first.Blocks...)
	next := first.NextToken
	for next != nil && *next != "" {
		out, err := c.api.GetDocumentTextDetection(ctx, &textract.GetDocumentTextDetectionInput{
			JobId:     aws.String(ocrJobID),
			NextToken: next,
		})
		if err != nil {
			return nil, fmt.Errorf("get text detection page: %w", err)
		}
		blocks = append(blocks, out.Blocks...)
		next = out.NextToken
	}
	return blocks, nil
}

type line struct {
	page int
	top  float64
	left float64
	text string
}

// ReadingOrder returns the LINE blocks sorted by page, then top to bottom.
// Lines whose tops are within lineTolerance are ordered left to right.
func ReadingOrder(blocks []types.Block) []string {
	var lines []line
	for _, b := range blocks {
		if b.BlockType != types.BlockTypeLine || b.Text == nil {
			continue
		}
		l := line{page: int(aws.ToInt32(b.Page)), text: *b.Text}
		if b.Geometry != nil && b.Geometry.BoundingBox != nil {
			l.top = float64(b.Geometry.BoundingBox.Top)
			l.left = float64(b.Geometry.BoundingBox.Left)
		}
		lines = append(lines, l)
	}

	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].page != lines[j].page {
			return lines[i].page < lines[j].page
		}
		return lines[i].top < lines[j].top
	})

	// Group each page into rows anchored at the row's first line, then
	// order every row left to right.
	for start := 0; start < len(lines); {
		end := start + 1
		for end < len(lines) && lines[end].page == lines[start].page && lines[end].top-lines[start].top <= lineTolerance {
			end++
		}
		row := lines[start:end]
		sort.SliceStable(row, func(i, j int) bool { return row[i].left < row[j].left })
		start = end
	}

	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if s := strings.TrimSpace(l.text); s != "" {
			out = append(out, s)
		}
	}
	return out
}
