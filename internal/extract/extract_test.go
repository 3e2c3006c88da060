package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-extractor/internal/detect"
	"github.com/tendant/simple-extractor/pkg/schema"
)

func TestNewProcessor(t *testing.T) {
	tests := []struct {
		kind detect.Kind
		want string
	}{
		{detect.KindPDF, "pdf"},
		{detect.KindDocx, "docx"},
		{detect.KindXlsx, "xlsx"},
		{detect.KindPptx, "pptx"},
		{detect.KindText, "text-txt"},
		{detect.KindCSV, "text-csv"},
		{detect.KindJSON, "text-json"},
		{detect.KindXML, "text-xml"},
		{detect.KindMarkdown, "text-md"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			p, err := NewProcessor(tt.kind, Config{})
			require.NoError(t, err)
			require.NotNil(t, p)
			assert.Equal(t, tt.want, p.Name())
		})
	}
}

func TestNewProcessorCoversEverySupportedKind(t *testing.T) {
	for _, kind := range detect.SupportedKinds() {
		_, err := NewProcessor(kind, Config{})
		assert.NoError(t, err, "kind %s", kind)
	}
}

func TestNewProcessorUnsupported(t *testing.T) {
	for _, kind := range []detect.Kind{detect.KindUnknown, "application/x-unknown", ""} {
		p, err := NewProcessor(kind, Config{})
		assert.Nil(t, p)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedFormat)

		var ufe *UnsupportedFormatError
		require.True(t, errors.As(err, &ufe))
		assert.Equal(t, kind, ufe.DetectedKind)
	}
}

func TestUnsupportedFormatErrorMessage(t *testing.T) {
	err := &UnsupportedFormatError{DeclaredType: "application/x-unknown", DetectedKind: detect.KindUnknown}
	assert.Contains(t, err.Error(), "application/x-unknown")
	assert.Contains(t, err.Error(), "unknown")
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultMinCharsPerPage, cfg.MinCharsPerPage)
	assert.Equal(t, 2000, cfg.ChunkSize)
	assert.Equal(t, 200, cfg.ChunkOverlap)
	assert.NotNil(t, cfg.Logger)
}

func TestFinishChunksWhenEmbeddingsRequested(t *testing.T) {
	text := strings.Repeat("A sentence that repeats. ", 200)
	rec := &progressRecorder{}
	params := Params{Options: schema.ProcessingOptions{GenerateEmbeddings: true}, Progress: rec}

	res, err := finish(context.Background(), params, Config{}.withDefaults(), detect.KindText, &Result{Text: text}, time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	assert.Equal(t, 0, res.Chunks[0].Index)
	assert.Equal(t, len(res.Chunks), res.Metadata["chunkCount"])
	assert.Contains(t, res.Metadata, "processingTimeMs")
	assert.Contains(t, rec.stages, "chunking_text")
}

func TestFinishSkipsChunkingByDefault(t *testing.T) {
	res, err := finish(context.Background(), Params{}, Config{}.withDefaults(), detect.KindText, &Result{Text: "hello"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, res.Chunks)
}

func TestFinishRejectsEmptyText(t *testing.T) {
	_, err := finish(context.Background(), Params{}, Config{}.withDefaults(), detect.KindDocx, &Result{Text: " \n\t"}, time.Now())
	assert.ErrorIs(t, err, ErrEmptyExtraction)
}
