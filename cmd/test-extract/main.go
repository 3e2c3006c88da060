// cmd/test-extract runs a single local file through detection and extraction
// without NATS, the job store or S3.
//
// Usage:
//
//	./test-extract detect report.pdf
//	./test-extract run report.pdf --markdown --chunks
//	./test-extract run slides.pptx --images --json > result.json
//	./test-extract run scan.pdf --ocr --bucket extractor-documents
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v2"

	"github.com/tendant/simple-extractor/internal/blob"
	"github.com/tendant/simple-extractor/internal/detect"
	"github.com/tendant/simple-extractor/internal/extract"
	"github.com/tendant/simple-extractor/internal/ocr"
	"github.com/tendant/simple-extractor/pkg/schema"
)

func main() {
	app := &cli.App{
		Name:  "test-extract",
		Usage: "Detect and extract a local document",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:      "detect",
				Usage:     "Show the detected document kind",
				ArgsUsage: "FILE",
				Action:    detectCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "content-type",
						Usage: "Declared content type to consider after the file signature",
					},
				},
			},
			{
				Name:      "run",
				Usage:     "Extract text from a document",
				ArgsUsage: "FILE",
				Action:    runCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "content-type", Usage: "Declared content type"},
					&cli.BoolFlag{Name: "markdown", Usage: "Convert to Markdown"},
					&cli.BoolFlag{Name: "chunks", Usage: "Split text into embedding chunks"},
					&cli.BoolFlag{Name: "images", Usage: "List images embedded in Office files"},
					&cli.BoolFlag{Name: "json", Usage: "Print the full result as JSON"},
					&cli.BoolFlag{Name: "ocr", Usage: "Fall back to Textract for scanned PDFs"},
					&cli.StringFlag{Name: "bucket", Usage: "S3 bucket used to stage OCR input", EnvVars: []string{"BLOB_BUCKET"}},
					&cli.StringFlag{Name: "region", Value: "us-east-1", EnvVars: []string{"AWS_REGION"}},
					&cli.IntFlag{Name: "min-chars-per-page", Value: extract.DefaultMinCharsPerPage},
					&cli.DurationFlag{Name: "timeout", Value: 15 * time.Minute},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func setupLogger(c *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(c.String("log-level")))); err != nil {
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", c.String("log-level"))
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	})))
	return nil
}

func readInput(c *cli.Context) (string, []byte, error) {
	path := c.Args().First()
	if path == "" {
		return "", nil, fmt.Errorf("FILE argument is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read input: %w", err)
	}
	return path, data, nil
}

func detectFile(path string, data []byte, declared string) detect.Result {
	res := detect.Detect(data, filepath.Base(path), declared)
	if !res.Known() {
		res = detect.Fallback(filepath.Base(path), declared)
	}
	return res
}

func detectCommand(c *cli.Context) error {
	path, data, err := readInput(c)
	if err != nil {
		return err
	}

	res := detectFile(path, data, c.String("content-type"))
	fmt.Printf("📄 Input: %s (%s)\n", path, formatBytes(int64(len(data))))
	fmt.Printf("🔍 Kind: %s\n", res.Kind)
	fmt.Printf("Method: %s (confidence %.2f)\n", res.Method, res.Confidence)
	fmt.Printf("Reason: %s\n", res.Reason)
	if !res.Known() {
		fmt.Printf("\nSupported kinds:\n%s", formatSupportedKinds())
	}
	return nil
}

func runCommand(c *cli.Context) error {
	path, data, err := readInput(c)
	if err != nil {
		return err
	}
	logger := slog.Default()

	res := detectFile(path, data, c.String("content-type"))
	if !res.Known() {
		return fmt.Errorf("%s: unsupported document\n\nSupported kinds:\n%s", path, formatSupportedKinds())
	}
	logger.Debug("detected", "kind", res.Kind, "method", res.Method, "confidence", res.Confidence)

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	cfg := extract.Config{MinCharsPerPage: c.Int("min-chars-per-page"), Logger: logger}
	if c.Bool("ocr") {
		detector, err := newOCR(ctx, c, logger)
		if err != nil {
			return err
		}
		cfg.OCR = detector
	}

	processor, err := extract.NewProcessor(res.Kind, cfg)
	if err != nil {
		return err
	}

	started := time.Now()
	result, err := processor.Process(ctx, extract.Params{
		Buffer:   data,
		FileName: filepath.Base(path),
		JobID:    "local-" + uuid.NewString(),
		Options: schema.ProcessingOptions{
			ExtractText:        true,
			ConvertToMarkdown:  c.Bool("markdown"),
			ExtractImages:      c.Bool("images"),
			GenerateEmbeddings: c.Bool("chunks"),
			OCREnabled:         c.Bool("ocr"),
		},
		Progress: extract.ProgressFunc(func(_ context.Context, stage string, percent int) {
			logger.Debug("progress", "stage", stage, "percent", percent)
		}),
	})
	if err != nil {
		return fmt.Errorf("%s extraction failed: %w", processor.Name(), err)
	}

	if c.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	printResult(path, res, result, time.Since(started))
	return nil
}

func newOCR(ctx context.Context, c *cli.Context, logger *slog.Logger) (extract.TextDetector, error) {
	bucket := c.String("bucket")
	if bucket == "" {
		return nil, fmt.Errorf("--bucket is required with --ocr")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.String("region")))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	store := blob.NewClient(blob.NewS3(awsCfg, os.Getenv("AWS_S3_ENDPOINT"), os.Getenv("AWS_S3_USE_PATH_STYLE") == "true"))
	return ocr.NewClient(textract.NewFromConfig(awsCfg), store, ocr.Config{Bucket: bucket, Logger: logger}), nil
}

func printResult(path string, det detect.Result, result *extract.Result, took time.Duration) {
	fmt.Printf("\n✅ Extraction successful!\n")
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("📁 Input: %s (%s)\n", path, det.Kind)
	fmt.Printf("📏 Text: %d chars\n", len([]rune(result.Text)))
	fmt.Printf("⏱️  Time: %v\n", took.Round(time.Millisecond))
	for _, k := range []string{"pageCount", "extractionMethod", "ocrJobId", "sheetCount", "slideCount"} {
		if v, ok := result.Metadata[k]; ok {
			fmt.Printf("%s: %v\n", k, v)
		}
	}

	if len(result.Chunks) > 0 {
		fmt.Printf("\n🧩 Chunks: %d\n", len(result.Chunks))
		for _, ch := range result.Chunks {
			fmt.Printf("  #%d [%d:%d] %s\n", ch.Index, ch.StartIndex, ch.EndIndex, preview(ch.Content, 60))
		}
	}
	if len(result.Images) > 0 {
		fmt.Printf("\n🖼️  Images: %d\n", len(result.Images))
		for _, img := range result.Images {
			fmt.Printf("  %s %s %dx%d %s\n", img.Source, img.Name, img.Width, img.Height, formatBytes(img.SizeBytes))
		}
	}

	body := result.Text
	if result.Markdown != "" {
		body = result.Markdown
	}
	fmt.Println()
	fmt.Println(preview(body, 2000))
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatSupportedKinds() string {
	var b strings.Builder
	for _, k := range detect.SupportedKinds() {
		fmt.Fprintf(&b, "  • %s (%s)\n", k, k.MimeType())
	}
	return b.String()
}
