package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tendant/simple-extractor/internal/blob"
	"github.com/tendant/simple-extractor/internal/extract"
	"github.com/tendant/simple-extractor/pkg/schema"
)

var (
	// ErrDownstreamIO marks failures talking to blob storage, the queue or
	// the job store.
	ErrDownstreamIO = errors.New("downstream i/o failure")

	// ErrBatchFailed is returned by HandleBatch when no message succeeded.
	ErrBatchFailed = errors.New("every message in the batch failed")
)

// DownstreamError wraps a failed call to an external dependency.
type DownstreamError struct {
	Op  string
	Err error
}

func (e *DownstreamError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *DownstreamError) Unwrap() error { return e.Err }

func (e *DownstreamError) Is(target error) bool { return target == ErrDownstreamIO }

func downstream(op string, err error) error {
	return &DownstreamError{Op: op, Err: err}
}

type ValidationError struct {
	Type    schema.FailureType
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

func invalid(format string, args ...any) error {
	return ValidationError{Type: schema.FailureTypeValidation, Message: fmt.Sprintf(format, args...)}
}

func classifyError(err error) schema.FailureType {
	if err == nil {
		return ""
	}

	var validationErr ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Type
	}

	// Input problems do not go away on retry.
	switch {
	case errors.Is(err, extract.ErrUnsupportedFormat),
		errors.Is(err, extract.ErrEmptyExtraction),
		errors.Is(err, extract.ErrOCRTimeout),
		errors.Is(err, extract.ErrMalformedInput),
		errors.Is(err, blob.ErrNotFound),
		errors.Is(err, blob.ErrTooLarge):
		return schema.FailureTypePermanent
	case errors.Is(err, ErrDownstreamIO),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return schema.FailureTypeRetryable
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") {
		return schema.FailureTypeRetryable
	}
	if strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "unsupported") {
		return schema.FailureTypePermanent
	}

	return schema.FailureTypeRetryable
}
