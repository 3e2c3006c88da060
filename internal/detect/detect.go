// Package detect decides which document kind a byte buffer holds, combining
// the file name, the leading bytes and the declared content type.
package detect

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Kind is a canonical document kind.
type Kind string

const (
	KindPDF      Kind = "pdf"
	KindDocx     Kind = "docx"
	KindXlsx     Kind = "xlsx"
	KindPptx     Kind = "pptx"
	KindText     Kind = "txt"
	KindCSV      Kind = "csv"
	KindJSON     Kind = "json"
	KindXML      Kind = "xml"
	KindMarkdown Kind = "md"
	KindUnknown  Kind = "unknown"
)

// Method names the evidence a detection was based on.
type Method string

const (
	MethodExtension    Method = "extension"
	MethodSignature    Method = "signature"
	MethodDeclaredType Method = "declared_type"
	MethodNone         Method = "none"
)

// Result is the outcome of a detection pass.
type Result struct {
	Kind       Kind    `json:"kind"`
	Confidence float64 `json:"confidence"`
	Method     Method  `json:"method"`
	Reason     string  `json:"reason"`
}

// Known reports whether the result names a supported kind.
func (r Result) Known() bool {
	return r.Kind != "" && r.Kind != KindUnknown
}

// IsTextFamily reports whether the kind is handled by the text strategy.
func (k Kind) IsTextFamily() bool {
	switch k {
	case KindText, KindCSV, KindJSON, KindXML, KindMarkdown:
		return true
	}
	return false
}

// MimeType returns the canonical MIME type for the kind.
func (k Kind) MimeType() string {
	switch k {
	case KindPDF:
		return "application/pdf"
	case KindDocx:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case KindXlsx:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case KindPptx:
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	case KindCSV:
		return "text/csv"
	case KindJSON:
		return "application/json"
	case KindXML:
		return "application/xml"
	case KindMarkdown:
		return "text/markdown"
	case KindText:
		return "text/plain"
	}
	return "application/octet-stream"
}

var extensionKinds = map[string]Kind{
	".pdf":      KindPDF,
	".docx":     KindDocx,
	".xlsx":     KindXlsx,
	".pptx":     KindPptx,
	".txt":      KindText,
	".text":     KindText,
	".log":      KindText,
	".csv":      KindCSV,
	".json":     KindJSON,
	".xml":      KindXML,
	".md":       KindMarkdown,
	".markdown": KindMarkdown,
}

// declaredKeywords is checked in order; more specific keywords come first so
// "text/csv" is not swallowed by "text".
var declaredKeywords = []struct {
	keywords []string
	kind     Kind
}{
	{[]string{"pdf"}, KindPDF},
	{[]string{"sheet", "excel"}, KindXlsx},
	{[]string{"presentation", "powerpoint"}, KindPptx},
	{[]string{"word", "document"}, KindDocx},
	{[]string{"csv"}, KindCSV},
	{[]string{"json"}, KindJSON},
	{[]string{"xml"}, KindXML},
	{[]string{"markdown"}, KindMarkdown},
	{[]string{"text", "plain"}, KindText},
}

// SupportedKinds lists every kind a processor exists for.
func SupportedKinds() []Kind {
	return []Kind{KindPDF, KindDocx, KindXlsx, KindPptx, KindText, KindCSV, KindJSON, KindXML, KindMarkdown}
}

// Detect inspects the file name, then the buffer signature, then the declared
// type. It returns KindUnknown when no evidence matches.
func Detect(buf []byte, fileName, declaredType string) Result {
	if r, ok := byExtension(fileName); ok {
		return r
	}
	if r, ok := bySignature(buf); ok {
		return r
	}
	if r, ok := byDeclaredType(declaredType); ok {
		return r
	}
	return Result{
		Kind:       KindUnknown,
		Confidence: 0,
		Method:     MethodNone,
		Reason:     fmt.Sprintf("no evidence matched (file=%q, declared=%q, sniffed=%q)", fileName, declaredType, sniff(buf)),
	}
}

// Fallback is the secondary pass used when Detect returns KindUnknown. It only
// looks at the extension and declared type keywords, ignoring the buffer.
func Fallback(fileName, declaredType string) Result {
	if r, ok := byExtension(fileName); ok {
		return r
	}
	if r, ok := byDeclaredType(declaredType); ok {
		return r
	}
	// Common aliases the primary table does not carry.
	lower := strings.ToLower(declaredType)
	switch {
	case strings.HasSuffix(lower, "/x-csv"), strings.Contains(lower, "comma-separated"):
		return Result{Kind: KindCSV, Confidence: 0.4, Method: MethodDeclaredType, Reason: "declared type alias " + declaredType}
	case strings.HasPrefix(lower, "text/"):
		return Result{Kind: KindText, Confidence: 0.3, Method: MethodDeclaredType, Reason: "declared text/* type " + declaredType}
	}
	return Result{Kind: KindUnknown, Method: MethodNone, Reason: "fallback found no extension or keyword match"}
}

func byExtension(fileName string) (Result, bool) {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return Result{}, false
	}
	kind, ok := extensionKinds[ext]
	if !ok {
		return Result{}, false
	}
	return Result{Kind: kind, Confidence: 0.9, Method: MethodExtension, Reason: "file extension " + ext}, true
}

func byDeclaredType(declaredType string) (Result, bool) {
	lower := strings.ToLower(strings.TrimSpace(declaredType))
	if lower == "" {
		return Result{}, false
	}
	for _, entry := range declaredKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return Result{Kind: entry.kind, Confidence: 0.6, Method: MethodDeclaredType, Reason: fmt.Sprintf("declared type %q contains %q", declaredType, kw)}, true
			}
		}
	}
	return Result{}, false
}

var (
	pdfMagic = []byte("%PDF-")
	zipMagic = []byte("PK\x03\x04")
	bomUTF8  = []byte{0xEF, 0xBB, 0xBF}
)

func bySignature(buf []byte) (Result, bool) {
	if len(buf) == 0 {
		return Result{}, false
	}
	switch {
	case bytes.HasPrefix(buf, pdfMagic):
		return Result{Kind: KindPDF, Confidence: 0.8, Method: MethodSignature, Reason: "%PDF- header"}, true
	case bytes.HasPrefix(buf, zipMagic):
		return officeFromArchive(buf)
	}

	text := bytes.TrimPrefix(buf, bomUTF8)
	if !looksLikeText(text) {
		return Result{}, false
	}
	trimmed := bytes.TrimSpace(text)
	switch {
	case bytes.HasPrefix(trimmed, []byte("<?xml")):
		return Result{Kind: KindXML, Confidence: 0.8, Method: MethodSignature, Reason: "XML declaration"}, true
	case (bytes.HasPrefix(trimmed, []byte("{")) || bytes.HasPrefix(trimmed, []byte("["))) && json.Valid(trimmed):
		return Result{Kind: KindJSON, Confidence: 0.8, Method: MethodSignature, Reason: "valid JSON document"}, true
	}
	return Result{Kind: KindText, Confidence: 0.5, Method: MethodSignature, Reason: "printable UTF-8 content"}, true
}

// officeFromArchive distinguishes OOXML containers by their top-level parts.
func officeFromArchive(buf []byte) (Result, bool) {
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return Result{}, false
	}
	for _, f := range zr.File {
		switch {
		case strings.HasPrefix(f.Name, "word/"):
			return Result{Kind: KindDocx, Confidence: 0.8, Method: MethodSignature, Reason: "ZIP archive with word/ parts"}, true
		case strings.HasPrefix(f.Name, "xl/"):
			return Result{Kind: KindXlsx, Confidence: 0.8, Method: MethodSignature, Reason: "ZIP archive with xl/ parts"}, true
		case strings.HasPrefix(f.Name, "ppt/"):
			return Result{Kind: KindPptx, Confidence: 0.8, Method: MethodSignature, Reason: "ZIP archive with ppt/ parts"}, true
		}
	}
	return Result{}, false
}

// looksLikeText checks the first 8 KiB for valid UTF-8 without NUL bytes.
func looksLikeText(buf []byte) bool {
	sample := buf
	if len(sample) > 8192 {
		sample = sample[:8192]
		// Do not split a multi-byte rune at the cut.
		for i := 0; i < utf8.UTFMax && !utf8.Valid(sample); i++ {
			sample = sample[:len(sample)-1]
		}
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return false
	}
	return utf8.Valid(sample)
}

func sniff(buf []byte) string {
	if len(buf) == 0 {
		return ""
	}
	n := len(buf)
	if n > 512 {
		n = 512
	}
	return http.DetectContentType(buf[:n])
}
