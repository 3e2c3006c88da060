package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"

	"github.com/tendant/simple-extractor/internal/detect"
)

const (
	csvPreviewRecords = 10
	jsonArrayItems    = 5
	jsonObjectKeys    = 10
	jsonMaxDepth      = 4
)

// TextProcessor handles txt, csv, json, xml and md. Inputs that fail to parse
// as their declared kind are degraded to plain text rather than failing.
type TextProcessor struct {
	cfg  Config
	kind detect.Kind
}

func (p *TextProcessor) Name() string { return "text-" + string(p.kind) }

func (p *TextProcessor) Process(ctx context.Context, params Params) (*Result, error) {
	started := time.Now()

	params.report(ctx, "parsing_text", 40)
	raw := decodeText(params.Buffer)
	md := params.Options.ConvertToMarkdown

	params.report(ctx, "extracting_text", 55)
	var (
		res *Result
		err error
	)
	switch p.kind {
	case detect.KindCSV:
		res, err = interpretCSV(raw, md)
	case detect.KindJSON:
		res, err = interpretJSON(raw, md)
	case detect.KindXML:
		res, err = interpretXML(raw, md)
	case detect.KindMarkdown:
		res, err = interpretMarkdown(raw)
	default:
		res = &Result{Text: normalizePlain(raw), Metadata: map[string]any{}}
		if md {
			res.Markdown = res.Text
		}
	}

	if err != nil {
		p.cfg.Logger.Info("text input degraded to plain text", "job_id", params.JobID, "kind", p.kind, "err", err)
		res = &Result{
			Text: normalizePlain(raw),
			Metadata: map[string]any{
				"extractionMethod": "text-plain-fallback",
				"fallbackReason":   err.Error(),
			},
		}
		if p.kind == detect.KindMarkdown || md {
			res.Markdown = raw
		}
	} else {
		res.Metadata["extractionMethod"] = "text-" + string(p.kind)
	}

	params.report(ctx, "post_processing", 70)
	for k, v := range plainStats(res.Text) {
		res.Metadata[k] = v
	}
	res.Metadata["format"] = string(p.kind)

	return finish(ctx, params, p.cfg, p.kind, res, started)
}

// decodeText strips a UTF-8 BOM and replaces invalid sequences.
func decodeText(buf []byte) string {
	buf = bytes.TrimPrefix(buf, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(buf) {
		return string(buf)
	}
	return strings.ToValidUTF8(string(buf), "\uFFFD")
}

func normalizePlain(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\t", "    ")
	return strings.TrimSpace(s)
}

func plainStats(s string) map[string]any {
	lines := 0
	if s != "" {
		lines = strings.Count(s, "\n") + 1
	}
	return map[string]any{
		"lineCount": lines,
		"wordCount": len(strings.Fields(s)),
		"charCount": utf8.RuneCountInString(s),
	}
}

func malformed(kind detect.Kind, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedInput, kind, err)
}

func interpretCSV(raw string, md bool) (*Result, error) {
	r := csv.NewReader(strings.NewReader(normalizePlain(raw)))
	records, err := r.ReadAll()
	if err != nil {
		return nil, malformed(detect.KindCSV, err)
	}
	if len(records) == 0 {
		return nil, malformed(detect.KindCSV, fmt.Errorf("no header row"))
	}

	header, data := records[0], records[1:]
	var sb strings.Builder
	fmt.Fprintf(&sb, "CSV with %d records and %d columns\n", len(data), len(header))
	fmt.Fprintf(&sb, "Columns: %s\n", strings.Join(header, ", "))

	shown := min(len(data), csvPreviewRecords)
	for i, rec := range data[:shown] {
		fields := make([]string, len(rec))
		for j, v := range rec {
			fields[j] = header[j] + ": " + v
		}
		fmt.Fprintf(&sb, "\nRecord %d: %s", i+1, strings.Join(fields, "; "))
	}
	if rest := len(data) - shown; rest > 0 {
		fmt.Fprintf(&sb, "\n… %d more records", rest)
	}

	res := &Result{
		Text: sb.String(),
		Metadata: map[string]any{
			"recordCount": len(data),
			"columns":     header,
		},
	}
	if md {
		res.Markdown = markdownTable(records, MaxMarkdownRows)
	}
	return res, nil
}

func interpretJSON(raw string, md bool) (*Result, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, malformed(detect.KindJSON, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, malformed(detect.KindJSON, fmt.Errorf("trailing data after document"))
	}

	var sb strings.Builder
	switch t := v.(type) {
	case map[string]any:
		fmt.Fprintf(&sb, "JSON object with %d keys\n", len(t))
	case []any:
		fmt.Fprintf(&sb, "JSON array with %d items\n", len(t))
	}
	writeJSONSummary(&sb, v, 0, 0)

	res := &Result{Text: sb.String(), Metadata: map[string]any{}}
	if md {
		pretty, err := json.MarshalIndent(v, "", "  ")
		if err == nil {
			res.Markdown = "```json\n" + string(pretty) + "\n```"
		}
	}
	return res, nil
}

func writeJSONSummary(sb *strings.Builder, v any, indent, depth int) {
	pad := strings.Repeat("  ", indent)

	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			sb.WriteString(pad + "{}\n")
			return
		}
		if depth >= jsonMaxDepth {
			fmt.Fprintf(sb, "%s{… %d keys}\n", pad, len(t))
			return
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		shown := min(len(keys), jsonObjectKeys)
		for _, k := range keys[:shown] {
			if s, ok := jsonScalar(t[k]); ok {
				fmt.Fprintf(sb, "%s%s: %s\n", pad, k, s)
				continue
			}
			fmt.Fprintf(sb, "%s%s:\n", pad, k)
			writeJSONSummary(sb, t[k], indent+1, depth+1)
		}
		if rest := len(keys) - shown; rest > 0 {
			fmt.Fprintf(sb, "%s… %d more keys\n", pad, rest)
		}
	case []any:
		if len(t) == 0 {
			sb.WriteString(pad + "[]\n")
			return
		}
		if depth >= jsonMaxDepth {
			fmt.Fprintf(sb, "%s[… %d items]\n", pad, len(t))
			return
		}
		shown := min(len(t), jsonArrayItems)
		for _, item := range t[:shown] {
			if s, ok := jsonScalar(item); ok {
				fmt.Fprintf(sb, "%s- %s\n", pad, s)
				continue
			}
			sb.WriteString(pad + "-\n")
			writeJSONSummary(sb, item, indent+1, depth+1)
		}
		if rest := len(t) - shown; rest > 0 {
			fmt.Fprintf(sb, "%s… %d more items\n", pad, rest)
		}
	default:
		s, _ := jsonScalar(v)
		sb.WriteString(pad + s + "\n")
	}
}

func jsonScalar(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "null", true
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	}
	return "", false
}

func interpretXML(raw string, md bool) (*Result, error) {
	dec := xml.NewDecoder(strings.NewReader(raw))
	var parts []string
	elements := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformed(detect.KindXML, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			elements++
		case xml.CharData:
			if s := strings.TrimSpace(string(t)); s != "" {
				parts = append(parts, s)
			}
		}
	}
	if elements == 0 {
		return nil, malformed(detect.KindXML, fmt.Errorf("no elements"))
	}

	text := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	if text == "" {
		return nil, malformed(detect.KindXML, fmt.Errorf("no text content"))
	}
	res := &Result{Text: text, Metadata: map[string]any{"elementCount": elements}}
	if md {
		res.Markdown = "```xml\n" + strings.TrimSpace(raw) + "\n```"
	}
	return res, nil
}

var strictPolicy = bluemonday.StrictPolicy()

// interpretMarkdown renders the source to HTML and strips every tag. The
// original source is kept as the Markdown output.
func interpretMarkdown(raw string) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, malformed(detect.KindMarkdown, fmt.Errorf("render panic: %v", r))
		}
	}()

	rendered := blackfriday.Run([]byte(normalizePlain(raw)))
	text := html.UnescapeString(strictPolicy.Sanitize(string(rendered)))
	text = normalizeWhitespace(text)
	if text == "" {
		return nil, malformed(detect.KindMarkdown, fmt.Errorf("rendered to empty text"))
	}

	headings := 0
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			headings++
		}
	}
	return &Result{
		Text:     text,
		Markdown: raw,
		Metadata: map[string]any{"headingCount": headings},
	}, nil
}
