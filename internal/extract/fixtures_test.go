package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"image/color"
	"strings"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// buildPDF writes a minimal uncompressed PDF with one text line per page.
// An empty string produces a page with an empty content stream.
func buildPDF(t *testing.T, pages ...string) []byte {
	t.Helper()

	var buf bytes.Buffer
	offsets := []int{0}
	write := func(obj string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(obj)
	}

	buf.WriteString("%PDF-1.4\n")
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	write("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	write(fmt.Sprintf("2 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n", strings.Join(kids, " "), len(pages)))
	write("3 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>\nendobj\n")
	for i, text := range pages {
		page := 4 + 2*i
		write(fmt.Sprintf("%d 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>\nendobj\n", page, page+1))
		stream := ""
		if text != "" {
			stream = fmt.Sprintf("BT\n/F1 12 Tf\n72 720 Td\n(%s) Tj\nET", text)
		}
		write(fmt.Sprintf("%d 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", page+1, len(stream), stream))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets))
	for _, off := range offsets[1:] {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets), xref)
	return buf.Bytes()
}

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 30, B: 30, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

const docxBody = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Quarterly Report</w:t></w:r></w:p>
<w:p><w:r><w:rPr><w:b/></w:rPr><w:t>Revenue</w:t></w:r><w:r><w:t xml:space="preserve"> grew by </w:t></w:r><w:r><w:rPr><w:i/></w:rPr><w:t>ten percent</w:t></w:r><w:r><w:t>.</w:t></w:r></w:p>
<w:p></w:p>
<w:p><w:r><w:t>First line</w:t><w:br/><w:t>second line</w:t></w:r></w:p>
</w:body></w:document>`

const docxCore = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" xmlns:dc="http://purl.org/dc/elements/1.1/"><dc:title>Q3 Numbers</dc:title></cp:coreProperties>`

func buildDocx(t *testing.T, withExtras bool) []byte {
	t.Helper()
	files := map[string][]byte{
		"[Content_Types].xml": []byte(`<Types/>`),
		"word/document.xml":   []byte(docxBody),
	}
	if withExtras {
		files["docProps/core.xml"] = []byte(docxCore)
		files["word/media/image1.png"] = pngBytes(t, 4, 3)
	}
	return buildZip(t, files)
}

const slideTemplate = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main"><p:cSld><p:spTree>%s</p:spTree></p:cSld></p:sld>`

func slideXML(paragraphs ...string) []byte {
	var sp strings.Builder
	if len(paragraphs) > 0 {
		sp.WriteString("<p:sp><p:txBody>")
		for _, para := range paragraphs {
			sp.WriteString("<a:p>")
			for _, word := range strings.SplitAfter(para, " ") {
				fmt.Fprintf(&sp, `<a:r><a:t xml:space="preserve">%s</a:t></a:r>`, word)
			}
			sp.WriteString("</a:p>")
		}
		sp.WriteString("</p:txBody></p:sp>")
	}
	return []byte(fmt.Sprintf(slideTemplate, sp.String()))
}

const notesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:notes xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main"><p:cSld><p:spTree>
<p:sp><p:txBody><a:p><a:r><a:t>Mention the budget.</a:t></a:r></a:p></p:txBody></p:sp>
<p:sp><p:txBody><a:p><a:fld id="{1}" type="slidenum"><a:t>2</a:t></a:fld></a:p></p:txBody></p:sp>
</p:spTree></p:cSld></p:notes>`

const notesRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"><Relationship Id="rId2" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/notesSlide" Target="../notesSlides/notesSlide1.xml"/></Relationships>`

func buildPptx(t *testing.T, slides ...[]byte) []byte {
	t.Helper()
	files := map[string][]byte{
		"[Content_Types].xml":              []byte(`<Types/>`),
		"ppt/presentation.xml":             []byte(`<p:presentation xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main"/>`),
		"ppt/media/image1.png":             pngBytes(t, 8, 6),
		"ppt/notesSlides/notesSlide1.xml":  []byte(notesXML),
		"ppt/slides/_rels/slide2.xml.rels": []byte(notesRels),
	}
	for i, s := range slides {
		files[fmt.Sprintf("ppt/slides/slide%d.xml", i+1)] = s
	}
	return buildZip(t, files)
}

func buildXlsx(t *testing.T, inventoryRows int) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"name", "city"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"Ada", "London"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]any{"Grace", "New York, NY"}))

	_, err := f.NewSheet("Inventory")
	require.NoError(t, err)
	require.NoError(t, f.SetSheetRow("Inventory", "A1", &[]any{"sku", "qty", "note"}))
	for i := 0; i < inventoryRows; i++ {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Inventory", cell, &[]any{fmt.Sprintf("SKU-%03d", i), i, "a|b"}))
	}

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

type progressRecorder struct {
	mu       sync.Mutex
	stages   []string
	percents []int
}

func (r *progressRecorder) Report(_ context.Context, stage string, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
	r.percents = append(r.percents, percent)
}

type fakeOCR struct {
	calls  int
	last   OCRRequest
	result *OCRResult
	err    error
}

func (f *fakeOCR) DetectText(_ context.Context, req OCRRequest) (*OCRResult, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}
