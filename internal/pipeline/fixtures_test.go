package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-extractor/internal/blob"
	"github.com/tendant/simple-extractor/internal/jobs"
	"github.com/tendant/simple-extractor/pkg/schema"
)

const (
	testBucket      = "uploads"
	subjHighMemory  = "extraction.jobs.high-memory"
	subjDeadLetter  = "extraction.dlq"
	subjEmbedding   = "extraction.chunks"
	subjLifecycle   = "extraction.lifecycle"
	twoHundredChars = "The committee reviewed the annual budget and approved funding for the new research wing. " +
		"Members also discussed staffing plans for the coming fiscal year in detail."
)

type published struct {
	subject string
	msgID   string
	data    []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	stream    []published
	lifecycle []schema.JobLifecycleEvent
	failOn    map[string]error
	// afterStream runs after a successful stream publish, outside the lock.
	afterStream func(subject string)
}

func (f *fakePublisher) PublishJSON(subject string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event, ok := v.(schema.JobLifecycleEvent); ok {
		f.lifecycle = append(f.lifecycle, event)
	}
	return nil
}

func (f *fakePublisher) PublishStream(_ context.Context, subject, msgID string, v any) error {
	f.mu.Lock()
	if err := f.failOn[subject]; err != nil {
		f.mu.Unlock()
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.stream = append(f.stream, published{subject: subject, msgID: msgID, data: data})
	hook := f.afterStream
	f.mu.Unlock()

	if hook != nil {
		hook(subject)
	}
	return nil
}

func (f *fakePublisher) on(subject string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.stream {
		if p.subject == subject {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakePublisher) stages() []schema.ProcessingStage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.ProcessingStage, 0, len(f.lifecycle))
	for _, e := range f.lifecycle {
		out = append(out, e.Stage)
	}
	return out
}

// panicStore blows up on fetch, to exercise panic recovery.
type panicStore struct{ blob.Store }

func (panicStore) FetchSource(context.Context, string, string) (*blob.Source, error) {
	panic("corrupt reader state")
}

// slowStore delays fetches so heartbeats get a chance to fire.
type slowStore struct {
	blob.Store
	delay time.Duration
}

func (s slowStore) FetchSource(ctx context.Context, bucket, key string) (*blob.Source, error) {
	time.Sleep(s.delay)
	return s.Store.FetchSource(ctx, bucket, key)
}

type harness struct {
	pipeline *Pipeline
	jobs     *jobs.BadgerStore
	blob     *blob.Memory
	bus      *fakePublisher
}

func newHarness(t *testing.T, opts Options, mutate ...func(*Deps)) *harness {
	t.Helper()
	store, err := jobs.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{jobs: store, blob: blob.NewMemory(), bus: &fakePublisher{}}
	deps := Deps{Jobs: store, Blob: h.blob, Bus: h.bus}
	for _, m := range mutate {
		m(&deps)
	}

	opts.HighMemorySubject = subjHighMemory
	opts.DeadLetterSubject = subjDeadLetter
	opts.EmbeddingSubject = subjEmbedding
	opts.LifecycleSubject = subjLifecycle
	p, err := New(deps, opts)
	require.NoError(t, err)
	t.Cleanup(p.Release)
	h.pipeline = p
	return h
}

func (h *harness) upload(t *testing.T, key string, body []byte) {
	t.Helper()
	require.NoError(t, h.blob.Upload(context.Background(), testBucket, key, body, blob.UploadOptions{}))
}

func (h *harness) record(t *testing.T, jobID string) *jobs.Record {
	t.Helper()
	rec, err := h.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	return rec
}

func jobMessage(jobID, key string, size int64, opts schema.ProcessingOptions) schema.JobMessage {
	return schema.JobMessage{
		JobID:             jobID,
		Bucket:            testBucket,
		Key:               key,
		FileName:          key[strings.LastIndex(key, "/")+1:],
		FileSize:          size,
		UserID:            "user-1",
		ProcessingOptions: opts,
	}
}

func encode(t *testing.T, msg schema.JobMessage) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func deadLetters(t *testing.T, bus *fakePublisher) []schema.DeadLetter {
	t.Helper()
	var out []schema.DeadLetter
	for _, p := range bus.on(subjDeadLetter) {
		var letter schema.DeadLetter
		require.NoError(t, json.Unmarshal(p.data, &letter))
		out = append(out, letter)
	}
	return out
}

// buildPDF writes a minimal uncompressed PDF with one text line per page.
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

type fakeMessage struct {
	data       []byte
	acks       int
	naks       int
	heartbeats int
	mu         sync.Mutex
}

func (m *fakeMessage) Data() []byte { return m.data }

func (m *fakeMessage) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return nil
}

func (m *fakeMessage) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naks++
	return nil
}

func (m *fakeMessage) InProgress() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats++
	return nil
}
