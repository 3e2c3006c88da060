package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/tendant/simple-extractor/internal/detect"
)

const drawingMLNamespace = "http://schemas.openxmlformats.org/drawingml/2006/main"

// PptxProcessor reads slide parts in order until one is missing.
type PptxProcessor struct {
	cfg Config
}

func (p *PptxProcessor) Name() string { return "pptx" }

type slide struct {
	number     int
	paragraphs []string
	notes      []string
}

func (p *PptxProcessor) Process(ctx context.Context, params Params) (*Result, error) {
	started := time.Now()

	params.report(ctx, "parsing_pptx", 40)
	zr, err := openArchive(params.Buffer)
	if err != nil {
		return nil, fmt.Errorf("open pptx archive: %w", err)
	}

	var slides []slide
	var empty []int
	notesCount := 0
	for n := 1; ; n++ {
		part := fmt.Sprintf("ppt/slides/slide%d.xml", n)
		if !archiveHas(zr, part) {
			break
		}
		params.report(ctx, "extracting_slides", min(50+n*2, 68))

		data, err := readArchiveFile(zr, part)
		if err != nil {
			return nil, err
		}
		paragraphs, err := slideParagraphs(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", part, err)
		}
		if len(paragraphs) == 0 {
			empty = append(empty, n)
			continue
		}
		s := slide{number: n, paragraphs: paragraphs, notes: slideNotes(zr, n)}
		if len(s.notes) > 0 {
			notesCount++
		}
		slides = append(slides, s)
	}

	slideCount := len(slides) + len(empty)
	if len(slides) == 0 {
		return nil, fmt.Errorf("pptx with %d slides has no text: %w", slideCount, ErrEmptyExtraction)
	}

	params.report(ctx, "post_processing", 70)
	var text strings.Builder
	for _, s := range slides {
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		fmt.Fprintf(&text, "Slide %d:\n%s", s.number, strings.Join(s.paragraphs, "\n"))
		if len(s.notes) > 0 {
			fmt.Fprintf(&text, "\nNotes: %s", strings.Join(s.notes, " "))
		}
	}

	res := &Result{
		Text: text.String(),
		Metadata: map[string]any{
			"extractionMethod":  "pptx-xml",
			"slideCount":        slideCount,
			"slidesWithContent": len(slides),
			"notesCount":        notesCount,
		},
	}
	if len(empty) > 0 {
		res.Metadata["emptySlides"] = empty
	}

	if params.Options.ExtractImages {
		res.Images = archiveImages(zr, "ppt/media/", "presentation")
		res.Metadata["imageCount"] = len(res.Images)
	}

	if params.Options.ConvertToMarkdown {
		params.report(ctx, "converting_markdown", 80)
		res.Markdown = slidesMarkdown(slides)
	}

	return finish(ctx, params, p.cfg, detect.KindPptx, res, started)
}

func slidesMarkdown(slides []slide) string {
	var sb strings.Builder
	for _, s := range slides {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## Slide %d\n\n%s", s.number, strings.Join(s.paragraphs, "\n\n"))
		if len(s.notes) > 0 {
			fmt.Fprintf(&sb, "\n\n> Notes: %s", strings.Join(s.notes, " "))
		}
	}
	return sb.String()
}

// slideParagraphs collects a:t runs grouped by their enclosing a:p. Field
// runs (slide numbers, dates) are skipped.
func slideParagraphs(data []byte) ([]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var (
		paragraphs []string
		current    strings.Builder
		depth      int
		inText     bool
		inField    bool
	)

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
			if t.Name.Space != drawingMLNamespace {
				continue
			}
			switch t.Name.Local {
			case "p":
				if depth == 0 {
					current.Reset()
				}
				depth++
			case "t":
				inText = depth > 0
			case "fld":
				inField = true
			case "br":
				if depth > 0 {
					current.WriteString(" ")
				}
			}
		case xml.CharData:
			if inText && !inField {
				current.Write(t)
			}
		case xml.EndElement:
			if t.Name.Space != drawingMLNamespace {
				continue
			}
			switch t.Name.Local {
			case "p":
				depth--
				if depth == 0 {
					if s := strings.TrimSpace(current.String()); s != "" {
						paragraphs = append(paragraphs, s)
					}
				}
			case "t":
				inText = false
			case "fld":
				inField = false
			}
		}
	}
	return paragraphs, nil
}

type relationships struct {
	Items []struct {
		Type   string `xml:"Type,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

// slideNotes follows the slide's notesSlide relationship.
func slideNotes(zr *zip.Reader, n int) []string {
	data, err := readArchiveFile(zr, fmt.Sprintf("ppt/slides/_rels/slide%d.xml.rels", n))
	if err != nil {
		return nil
	}
	var rels relationships
	if err := xml.Unmarshal(data, &rels); err != nil {
		return nil
	}
	for _, rel := range rels.Items {
		if !strings.HasSuffix(rel.Type, "/notesSlide") {
			continue
		}
		notes, err := readArchiveFile(zr, path.Join("ppt/slides", rel.Target))
		if err != nil {
			return nil
		}
		paragraphs, err := slideParagraphs(notes)
		if err != nil {
			return nil
		}
		return paragraphs
	}
	return nil
}

func openArchive(buf []byte) (*zip.Reader, error) {
	return zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
}
