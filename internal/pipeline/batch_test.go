package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-extractor/internal/jobs"
	"github.com/tendant/simple-extractor/pkg/schema"
)

func TestHandleBatchEmpty(t *testing.T) {
	h := newHarness(t, Options{})
	assert.NoError(t, h.pipeline.HandleBatch(context.Background(), nil))
}

func TestHandleBatchAllFailedNaksEverything(t *testing.T) {
	h := newHarness(t, Options{Concurrency: 2})
	a := &fakeMessage{data: encode(t, jobMessage("job-gone", "in/missing.txt", 10, schema.ProcessingOptions{}))}
	b := &fakeMessage{data: []byte(`{"jobId":"job-x"}`)}

	err := h.pipeline.HandleBatch(context.Background(), []Message{a, b})
	require.ErrorIs(t, err, ErrBatchFailed)

	for _, m := range []*fakeMessage{a, b} {
		assert.Equal(t, 1, m.naks)
		assert.Zero(t, m.acks)
	}
	assert.Len(t, deadLetters(t, h.bus), 2)
}

func TestHandleBatchPartialFailureAcksEverything(t *testing.T) {
	h := newHarness(t, Options{Concurrency: 2})
	h.upload(t, "in/ok.txt", []byte("A perfectly fine document."))

	good := &fakeMessage{data: encode(t, jobMessage("job-ok", "in/ok.txt", 26, schema.ProcessingOptions{}))}
	bad := &fakeMessage{data: encode(t, jobMessage("job-bad", "in/missing.txt", 10, schema.ProcessingOptions{}))}

	require.NoError(t, h.pipeline.HandleBatch(context.Background(), []Message{good, bad}))

	for _, m := range []*fakeMessage{good, bad} {
		assert.Equal(t, 1, m.acks)
		assert.Zero(t, m.naks)
	}
	assert.Equal(t, jobs.StatusCompleted, h.record(t, "job-ok").Status)
	assert.Equal(t, jobs.StatusFailed, h.record(t, "job-bad").Status)
}

func TestHandleBatchSendsHeartbeats(t *testing.T) {
	h := newHarness(t, Options{Heartbeat: 5 * time.Millisecond}, func(d *Deps) {
		d.Blob = slowStore{Store: d.Blob, delay: 100 * time.Millisecond}
	})
	h.upload(t, "in/slow.txt", []byte("Takes a while to download."))
	msg := &fakeMessage{data: encode(t, jobMessage("job-slow", "in/slow.txt", 26, schema.ProcessingOptions{}))}

	require.NoError(t, h.pipeline.HandleBatch(context.Background(), []Message{msg}))
	msg.mu.Lock()
	defer msg.mu.Unlock()
	assert.Positive(t, msg.heartbeats)
	assert.Equal(t, 1, msg.acks)
}
