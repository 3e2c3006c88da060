package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/tendant/simple-extractor/internal/detect"
)

// MaxMarkdownRows caps the data rows rendered per Markdown table.
const MaxMarkdownRows = 50

// XlsxProcessor renders each worksheet as CSV text and a Markdown table.
type XlsxProcessor struct {
	cfg Config
}

func (p *XlsxProcessor) Name() string { return "xlsx" }

type sheetSummary struct {
	Name    string `json:"name"`
	Rows    int    `json:"rows"`
	Columns int    `json:"columns"`
}

func (p *XlsxProcessor) Process(ctx context.Context, params Params) (*Result, error) {
	started := time.Now()

	params.report(ctx, "parsing_xlsx", 40)
	f, err := excelize.OpenReader(bytes.NewReader(params.Buffer))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			p.cfg.Logger.Warn("close workbook", "job_id", params.JobID, "err", err)
		}
	}()

	sheets := f.GetSheetList()
	summaries := make([]sheetSummary, 0, len(sheets))
	var text, md strings.Builder
	totalRows := 0

	for i, name := range sheets {
		params.report(ctx, "extracting_sheets", 50+20*i/len(sheets))

		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", name, err)
		}
		rows = trimEmptyRows(rows)
		cols := maxColumns(rows)
		summaries = append(summaries, sheetSummary{Name: name, Rows: len(rows), Columns: cols})
		totalRows += len(rows)
		if len(rows) == 0 {
			continue
		}

		body, err := rowsToCSV(rows)
		if err != nil {
			return nil, fmt.Errorf("render sheet %q: %w", name, err)
		}
		if text.Len() > 0 {
			text.WriteString("\n")
		}
		fmt.Fprintf(&text, "Sheet: %s\n%s", name, body)

		if params.Options.ConvertToMarkdown {
			if md.Len() > 0 {
				md.WriteString("\n\n")
			}
			fmt.Fprintf(&md, "## %s\n\n%s", name, markdownTable(rows, MaxMarkdownRows))
		}
	}

	params.report(ctx, "post_processing", 70)
	res := &Result{
		Text:     text.String(),
		Markdown: md.String(),
		Metadata: map[string]any{
			"extractionMethod": "xlsx-excelize",
			"sheetCount":       len(sheets),
			"sheets":           summaries,
			"totalRows":        totalRows,
		},
	}

	if params.Options.ExtractImages {
		if zr, err := openArchive(params.Buffer); err == nil {
			res.Images = archiveImages(zr, "xl/media/", "workbook")
			res.Metadata["imageCount"] = len(res.Images)
		}
	}

	return finish(ctx, params, p.cfg, detect.KindXlsx, res, started)
}

func trimEmptyRows(rows [][]string) [][]string {
	end := len(rows)
	for end > 0 && isEmptyRow(rows[end-1]) {
		end--
	}
	return rows[:end]
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func maxColumns(rows [][]string) int {
	cols := 0
	for _, row := range rows {
		cols = max(cols, len(row))
	}
	return cols
}

func rowsToCSV(rows [][]string) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// markdownTable renders rows[0] as the header and at most limit data rows.
func markdownTable(rows [][]string, limit int) string {
	if len(rows) == 0 {
		return ""
	}
	cols := maxColumns(rows)
	if cols == 0 {
		return ""
	}

	var sb strings.Builder
	writeRow := func(row []string) {
		sb.WriteString("|")
		for c := 0; c < cols; c++ {
			cell := ""
			if c < len(row) {
				cell = row[c]
			}
			sb.WriteString(" ")
			sb.WriteString(escapeCell(cell))
			sb.WriteString(" |")
		}
		sb.WriteString("\n")
	}

	writeRow(rows[0])
	sb.WriteString("|")
	for c := 0; c < cols; c++ {
		sb.WriteString(" --- |")
	}
	sb.WriteString("\n")

	data := rows[1:]
	shown := min(len(data), limit)
	for _, row := range data[:shown] {
		writeRow(row)
	}
	if rest := len(data) - shown; rest > 0 {
		fmt.Fprintf(&sb, "\n_… %d more rows_\n", rest)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\r\n", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
