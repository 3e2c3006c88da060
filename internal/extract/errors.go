package extract

import (
	"errors"
	"fmt"

	"github.com/tendant/simple-extractor/internal/detect"
)

var (
	// ErrUnsupportedFormat means no strategy exists for the input. Terminal.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrEmptyExtraction means a strategy ran but produced no usable text.
	ErrEmptyExtraction = errors.New("empty extraction")

	// ErrOCRTimeout means the text detection job did not finish within the
	// polling budget. Terminal.
	ErrOCRTimeout = errors.New("ocr timeout")

	// ErrMalformedInput marks a format-specific parse failure. Strategies
	// recover from it locally by degrading to plain text.
	ErrMalformedInput = errors.New("malformed input")
)

// UnsupportedFormatError carries the declared and detected types of an input
// no strategy can handle.
type UnsupportedFormatError struct {
	DeclaredType string
	DetectedKind detect.Kind
}

func (e *UnsupportedFormatError) Error() string {
	if e.DeclaredType == "" {
		return fmt.Sprintf("unsupported format: detected kind %q", e.DetectedKind)
	}
	return fmt.Sprintf("unsupported format: declared type %q, detected kind %q", e.DeclaredType, e.DetectedKind)
}

func (e *UnsupportedFormatError) Is(target error) bool {
	return target == ErrUnsupportedFormat
}
