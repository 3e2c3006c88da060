package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"

	"github.com/tendant/simple-extractor/internal/detect"
)

// DocxProcessor reads word/document.xml paragraphs.
type DocxProcessor struct {
	cfg Config
}

func (p *DocxProcessor) Name() string { return "docx" }

func (p *DocxProcessor) Process(ctx context.Context, params Params) (*Result, error) {
	started := time.Now()

	params.report(ctx, "parsing_docx", 40)
	zr, err := openArchive(params.Buffer)
	if err != nil {
		return nil, fmt.Errorf("open docx archive: %w", err)
	}

	body, err := readArchiveFile(zr, "word/document.xml")
	if err != nil {
		return nil, err
	}

	params.report(ctx, "extracting_docx", 55)
	paragraphs, err := parseDocxParagraphs(body)
	if err != nil {
		return nil, fmt.Errorf("parse word/document.xml: %w", err)
	}

	var text strings.Builder
	var markup strings.Builder
	count, headings := 0, 0
	title := ""
	for _, para := range paragraphs {
		plain := para.plain()
		if strings.TrimSpace(plain) == "" {
			continue
		}
		count++
		if text.Len() > 0 {
			text.WriteString("\n")
		}
		text.WriteString(plain)
		markup.WriteString(para.html())
		if para.level > 0 {
			headings++
			if title == "" {
				title = strings.TrimSpace(plain)
			}
		}
	}

	if coreTitle := docxCoreTitle(zr); coreTitle != "" {
		title = coreTitle
	}

	res := &Result{
		Text: text.String(),
		Metadata: map[string]any{
			"extractionMethod": "docx-xml",
			"paragraphCount":   count,
			"headingCount":     headings,
		},
	}
	if title != "" {
		res.Metadata["title"] = title
	}

	params.report(ctx, "post_processing", 70)
	if params.Options.ExtractImages {
		res.Images = archiveImages(zr, "word/media/", "document")
		res.Metadata["imageCount"] = len(res.Images)
	}

	if params.Options.ConvertToMarkdown {
		params.report(ctx, "converting_markdown", 80)
		md, err := htmlToMarkdown(sanitizeMarkup(markup.String()))
		if err != nil {
			p.cfg.Logger.Warn("docx markdown conversion failed", "job_id", params.JobID, "err", err)
		} else {
			res.Markdown = md
		}
	}

	return finish(ctx, params, p.cfg, detect.KindDocx, res, started)
}

type docxRun struct {
	text   string
	bold   bool
	italic bool
}

type docxParagraph struct {
	level int
	runs  []docxRun
}

func (p docxParagraph) plain() string {
	var sb strings.Builder
	for _, r := range p.runs {
		sb.WriteString(r.text)
	}
	return sb.String()
}

func (p docxParagraph) html() string {
	var sb strings.Builder
	for _, r := range p.runs {
		if r.text == "\n" {
			sb.WriteString("<br>")
			continue
		}
		s := html.EscapeString(r.text)
		if r.italic {
			s = "<em>" + s + "</em>"
		}
		if r.bold {
			s = "<strong>" + s + "</strong>"
		}
		sb.WriteString(s)
	}
	tag := "p"
	if p.level > 0 {
		tag = fmt.Sprintf("h%d", p.level)
	}
	return "<" + tag + ">" + sb.String() + "</" + tag + ">\n"
}

const (
	wordNS       = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
	wordStrictNS = "http://purl.oclc.org/ooxml/wordprocessingml/main"
	markupCompNS = "http://schemas.openxmlformats.org/markup-compatibility/2006"
)

// docxFrame is the parse state of one open w:p. Paragraphs nest when a run
// carries a text box (w:txbxContent), so the state is kept per paragraph.
type docxFrame struct {
	para       docxParagraph
	run        docxRun
	inRun      bool
	inRunProps bool
	inText     bool
}

// parseDocxParagraphs walks w:p elements in document order. A paragraph
// nested in a text box is emitted before the paragraph that anchors it.
// mc:Fallback content is skipped since it repeats the mc:Choice text.
func parseDocxParagraphs(data []byte) ([]docxParagraph, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var (
		paragraphs []docxParagraph
		stack      []*docxFrame
	)
	top := func() *docxFrame {
		if len(stack) == 0 {
			return nil
		}
		return stack[len(stack)-1]
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == markupCompNS && t.Name.Local == "Fallback" {
				if err := dec.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			if !isWordElement(t.Name) {
				continue
			}
			if t.Name.Local == "p" {
				stack = append(stack, &docxFrame{})
				continue
			}
			f := top()
			if f == nil {
				continue
			}
			switch t.Name.Local {
			case "pStyle":
				f.para.level = docxHeadingLevel(attrValue(t, "val"))
			case "r":
				f.inRun = true
				f.run = docxRun{}
			case "rPr":
				f.inRunProps = f.inRun
			case "b":
				if f.inRunProps {
					f.run.bold = toggleOn(t)
				}
			case "i":
				if f.inRunProps {
					f.run.italic = toggleOn(t)
				}
			case "t":
				f.inText = f.inRun
			case "tab":
				if f.inRun {
					f.para.runs = append(f.para.runs, docxRun{text: "\t"})
				}
			case "br", "cr":
				if f.inRun {
					f.para.runs = append(f.para.runs, docxRun{text: "\n"})
				}
			}
		case xml.CharData:
			if f := top(); f != nil && f.inText && len(t) > 0 {
				r := f.run
				r.text = string(t)
				f.para.runs = append(f.para.runs, r)
			}
		case xml.EndElement:
			if !isWordElement(t.Name) {
				continue
			}
			f := top()
			if f == nil {
				continue
			}
			switch t.Name.Local {
			case "p":
				paragraphs = append(paragraphs, f.para)
				stack = stack[:len(stack)-1]
			case "r":
				f.inRun = false
			case "rPr":
				f.inRunProps = false
			case "t":
				f.inText = false
			}
		}
	}
	return paragraphs, nil
}

func isWordElement(name xml.Name) bool {
	return name.Space == wordNS || name.Space == wordStrictNS
}

// docxHeadingLevel maps paragraph styles such as Heading2 or Title to a level.
func docxHeadingLevel(style string) int {
	lower := strings.ToLower(style)
	switch lower {
	case "title":
		return 1
	case "subtitle":
		return 2
	}
	if rest, ok := strings.CutPrefix(lower, "heading"); ok && len(rest) == 1 && rest[0] >= '1' && rest[0] <= '6' {
		return int(rest[0] - '0')
	}
	return 0
}

// toggleOn reads OOXML boolean properties such as <w:b/> or <w:b w:val="0"/>.
func toggleOn(el xml.StartElement) bool {
	switch strings.ToLower(attrValue(el, "val")) {
	case "0", "false", "off", "none":
		return false
	}
	return true
}

func attrValue(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func docxCoreTitle(zr *zip.Reader) string {
	data, err := readArchiveFile(zr, "docProps/core.xml")
	if err != nil {
		return ""
	}
	var core struct {
		Title string `xml:"title"`
	}
	if err := xml.Unmarshal(data, &core); err != nil {
		return ""
	}
	return strings.TrimSpace(core.Title)
}

var markdownConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
	),
)

func htmlToMarkdown(markup string) (string, error) {
	if strings.TrimSpace(markup) == "" {
		return "", nil
	}
	md, err := markdownConverter.ConvertString(markup)
	if err != nil {
		return "", fmt.Errorf("convert html to markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}
