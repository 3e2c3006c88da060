// Package pipeline runs a job message through routing, download, detection,
// extraction, result storage and chunk publishing, keeping the job record and
// the dead-letter queue consistent on failure.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/tendant/simple-extractor/internal/blob"
	"github.com/tendant/simple-extractor/internal/bus"
	"github.com/tendant/simple-extractor/internal/chunk"
	"github.com/tendant/simple-extractor/internal/config"
	"github.com/tendant/simple-extractor/internal/detect"
	"github.com/tendant/simple-extractor/internal/extract"
	"github.com/tendant/simple-extractor/internal/jobs"
	"github.com/tendant/simple-extractor/pkg/schema"
)

const (
	DefaultInlineResultLimit   = 400 * 1024
	DefaultHighMemoryThreshold = 50 * 1024 * 1024
	DefaultHeartbeat           = 30 * time.Second

	// maxChunksPerMessage keeps a single chunk publish well under the
	// default 1 MB NATS payload limit.
	maxChunksPerMessage = 100
)

var (
	ErrJobStoreRequired  = errors.New("pipeline: job store is required")
	ErrBlobStoreRequired = errors.New("pipeline: blob store is required")
	ErrPublisherRequired = errors.New("pipeline: publisher is required")
)

// Publisher is the queue side of the pipeline. *bus.Client implements it.
type Publisher interface {
	// PublishJSON is a best-effort publish for lifecycle events.
	PublishJSON(subject string, v any) error
	// PublishStream is a durable publish deduplicated by msgID.
	PublishStream(ctx context.Context, subject, msgID string, v any) error
}

// Deps are the external clients. OCR and Metrics are optional.
type Deps struct {
	Jobs    jobs.Store
	Blob    blob.Store
	Bus     Publisher
	OCR     extract.TextDetector
	Metrics *Metrics
	Logger  *slog.Logger
}

type Options struct {
	Tier string
	// ResultBucket receives oversized results. Empty means the job's source
	// bucket.
	ResultBucket        string
	HighMemorySubject   string
	DeadLetterSubject   string
	EmbeddingSubject    string
	LifecycleSubject    string
	HighMemoryThreshold int64
	InlineResultLimit   int
	MinCharsPerPage     int
	Concurrency         int
	Heartbeat           time.Duration
}

func (o Options) withDefaults() Options {
	if o.Tier == "" {
		o.Tier = config.TierStandard
	}
	if o.HighMemoryThreshold <= 0 {
		o.HighMemoryThreshold = DefaultHighMemoryThreshold
	}
	if o.InlineResultLimit <= 0 {
		o.InlineResultLimit = DefaultInlineResultLimit
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	return o
}

type Pipeline struct {
	jobs    jobs.Store
	blob    blob.Store
	bus     Publisher
	ocr     extract.TextDetector
	metrics *Metrics
	logger  *slog.Logger
	opts    Options
	pool    *ants.Pool
}

func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Jobs == nil {
		return nil, ErrJobStoreRequired
	}
	if deps.Blob == nil {
		return nil, ErrBlobStoreRequired
	}
	if deps.Bus == nil {
		return nil, ErrPublisherRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	pool, err := ants.NewPool(opts.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Pipeline{
		jobs:    deps.Jobs,
		blob:    deps.Blob,
		bus:     deps.Bus,
		ocr:     deps.OCR,
		metrics: deps.Metrics,
		logger:  logger,
		opts:    opts,
		pool:    pool,
	}, nil
}

// Release stops the worker pool.
func (p *Pipeline) Release() {
	p.pool.Release()
}

// Process handles one raw job message end to end. The returned error is the
// job's failure cause; by then the record is already failed and a dead
// letter published. Messages without a job id cannot succeed on redelivery,
// so they are dead-lettered and reported as handled.
func (p *Pipeline) Process(ctx context.Context, data []byte) error {
	var msg schema.JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.reject(ctx, data, invalid("decode job message: %v", err))
		return nil
	}
	if msg.JobID == "" {
		p.reject(ctx, data, invalid("%v", msg.Validate()))
		return nil
	}
	return p.handleJob(ctx, msg, data)
}

// reject dead-letters a message that has no usable job id. The raw payload
// travels with the letter and its hash is the dedup id, so redeliveries do
// not produce copies.
func (p *Pipeline) reject(ctx context.Context, raw []byte, cause error) {
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])
	logger := p.logger.With("payload_sha256", digest, "tier", p.opts.Tier)
	logger.Error("rejected job message", "err", cause, "bytes", len(raw))

	letter := schema.DeadLetter{
		Error: schema.ErrorDetail{
			Message: cause.Error(),
			Type:    classifyError(cause),
		},
		RawPayload:    string(raw),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		ProcessorTier: p.opts.Tier,
	}
	msgID := bus.DedupID("payload-"+digest, "dead-letter")
	if err := p.bus.PublishStream(context.WithoutCancel(ctx), p.opts.DeadLetterSubject, msgID, letter); err != nil {
		logger.Error("publish dead letter failed", "subject", p.opts.DeadLetterSubject, "err", err)
	} else {
		p.metrics.deadLettered()
	}
	p.metrics.jobDone("rejected")
}

func (p *Pipeline) handleJob(ctx context.Context, msg schema.JobMessage, raw []byte) (err error) {
	jobLogger := p.logger.With("job_id", msg.JobID, "tier", p.opts.Tier)
	state := newProcessingState(msg.JobID, p.opts.Tier)

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			jobLogger.Error("recovered panic", "panic", r)
			err = p.fail(ctx, msg, state, fmt.Errorf("panic while processing job: %v", r), stack, jobLogger)
		}
	}()

	// Step 1: Validate message
	if err := msg.Validate(); err != nil {
		return p.fail(ctx, msg, state, invalid("%v", err), nil, jobLogger)
	}
	jobLogger.Info("received job", "bucket", msg.Bucket, "key", msg.Key, "file_name", msg.FileName, "file_size", msg.FileSize, "file_type", msg.FileType)

	// Step 2: Mark processing; a terminal record means this is a redelivery
	start := jobs.Processing(string(schema.StageStarting), 0)
	start.Tier = &p.opts.Tier
	start.FileName = &msg.FileName
	start.UserID = &msg.UserID
	if _, err := p.jobs.Update(ctx, msg.JobID, start); err != nil {
		if errors.Is(err, jobs.ErrTerminal) {
			jobLogger.Info("job already finished, skipping redelivery", "err", err)
			p.metrics.jobDone("skipped")
			return nil
		}
		return p.fail(ctx, msg, state, downstream("mark job processing", err), nil, jobLogger)
	}
	p.publishLifecycleEvent(state.AddLifecycleEvent(schema.StageStarting, 0, nil, ""))

	// Step 3: Route oversized files before downloading anything
	if p.shouldReroute(msg) {
		return p.reroute(ctx, msg, raw, state, jobLogger)
	}

	// Step 4: Fetch source
	p.advance(ctx, state, schema.StageDownloading, 10, jobLogger)
	source, err := p.blob.FetchSource(ctx, msg.Bucket, msg.Key)
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) && !errors.Is(err, blob.ErrTooLarge) {
			err = downstream("fetch source", err)
		}
		return p.fail(ctx, msg, state, err, nil, jobLogger)
	}
	fileName := resolveFileName(msg, source)
	jobLogger.Info("downloaded source", "bytes", len(source.Body), "mime_type", source.MimeType, "file_name", fileName)

	// Step 5: Detect format
	p.advance(ctx, state, schema.StageDetecting, 25, jobLogger)
	declared := msg.FileType
	if declared == "" {
		declared = source.MimeType
	}
	detection := detectKind(source.Body, fileName, declared)
	if !detection.Known() {
		jobLogger.Warn("unsupported format", "declared_type", declared, "reason", detection.Reason)
		return p.fail(ctx, msg, state, &extract.UnsupportedFormatError{DeclaredType: declared, DetectedKind: detection.Kind}, nil, jobLogger)
	}
	jobLogger.Info("detected format", "kind", detection.Kind, "method", detection.Method, "confidence", detection.Confidence)

	// Step 6: Extract
	processor, err := extract.NewProcessor(detection.Kind, extract.Config{
		MinCharsPerPage: p.opts.MinCharsPerPage,
		OCR:             p.ocr,
		Logger:          jobLogger,
	})
	if err != nil {
		var unsupported *extract.UnsupportedFormatError
		if errors.As(err, &unsupported) {
			unsupported.DeclaredType = declared
		}
		return p.fail(ctx, msg, state, err, nil, jobLogger)
	}

	extractStart := time.Now()
	result, err := processor.Process(ctx, extract.Params{
		Buffer:   source.Body,
		FileName: fileName,
		JobID:    msg.JobID,
		Options:  msg.ProcessingOptions,
		Progress: strategyProgress{p: p, state: state, logger: jobLogger},
	})
	p.metrics.observeExtraction(string(detection.Kind), time.Since(extractStart))
	if err != nil {
		return p.fail(ctx, msg, state, fmt.Errorf("%s extraction: %w", processor.Name(), err), nil, jobLogger)
	}
	result.Metadata["detectedFormat"] = string(detection.Kind)
	result.Metadata["detectionMethod"] = string(detection.Method)
	result.Metadata["detectionConfidence"] = detection.Confidence
	result.Metadata["processorTier"] = p.opts.Tier
	jobLogger.Info("extracted document", "processor", processor.Name(), "method", result.Metadata["extractionMethod"], "chars", len(result.Text), "chunks", len(result.Chunks))

	// Step 7: Store result
	p.advance(ctx, state, schema.StageStoringResult, 95, jobLogger)
	completed, err := p.storeResult(ctx, msg, result)
	if err != nil {
		return p.fail(ctx, msg, state, err, nil, jobLogger)
	}

	// Step 8: Mark completed
	if _, err := p.jobs.Update(ctx, msg.JobID, completed); err != nil {
		if errors.Is(err, jobs.ErrTerminal) {
			jobLogger.Info("job finished concurrently, keeping existing record", "err", err)
			return nil
		}
		return p.fail(ctx, msg, state, downstream("mark job completed", err), nil, jobLogger)
	}
	p.publishLifecycleEvent(state.AddLifecycleEvent(schema.StageCompleted, 100, nil, ""))
	p.metrics.jobDone("completed")

	// Step 9: Hand chunks to the embedding service
	if msg.ProcessingOptions.GenerateEmbeddings && len(result.Chunks) > 0 {
		p.publishLifecycleEvent(state.AddLifecycleEvent(schema.StagePublishing, 100, nil, ""))
		if err := p.publishChunks(ctx, msg, fileName, result.Chunks); err != nil {
			// The job stays completed; the dead letter lets an operator replay
			// the chunk publish.
			jobLogger.Error("publish chunks failed", "chunks", len(result.Chunks), "err", err)
			p.deadLetter(ctx, msg, err, debug.Stack(), "chunks-dead-letter", jobLogger)
		}
	}

	jobLogger.Info("completed job", "processing_time_ms", state.GetProcessingDuration())
	return nil
}

func (p *Pipeline) shouldReroute(msg schema.JobMessage) bool {
	return p.opts.Tier == config.TierStandard && msg.FileSize > p.opts.HighMemoryThreshold
}

// reroute forwards the message unchanged to the high-memory subject.
func (p *Pipeline) reroute(ctx context.Context, msg schema.JobMessage, raw []byte, state *ProcessingState, logger *slog.Logger) error {
	var payload any = json.RawMessage(raw)
	if len(raw) == 0 {
		payload = msg
	}
	// The stage is written first so it cannot overwrite progress made by the
	// high-memory worker once the message is out.
	p.advance(ctx, state, schema.StageRouting, 0, logger)
	if err := p.bus.PublishStream(ctx, p.opts.HighMemorySubject, bus.DedupID(msg.JobID, "reroute"), payload); err != nil {
		return p.fail(ctx, msg, state, downstream("reroute to high-memory tier", err), nil, logger)
	}
	p.metrics.rerouted()
	logger.Info("rerouted job to high-memory tier", "file_size", msg.FileSize, "threshold", p.opts.HighMemoryThreshold, "subject", p.opts.HighMemorySubject)
	return nil
}

// ResultKey is the object key of a result too large to keep inline.
func ResultKey(jobID string) string {
	return "results/" + jobID + "/result.json"
}

func (p *Pipeline) storeResult(ctx context.Context, msg schema.JobMessage, result *extract.Result) (jobs.Update, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return jobs.Update{}, fmt.Errorf("encode result: %w", err)
	}
	return p.placeResult(ctx, msg, data)
}

// placeResult keeps results up to InlineResultLimit bytes in the record and
// writes larger ones to blob storage under a deterministic key.
func (p *Pipeline) placeResult(ctx context.Context, msg schema.JobMessage, data []byte) (jobs.Update, error) {
	if len(data) <= p.opts.InlineResultLimit {
		return jobs.Completed(jobs.ResultInline, data, ""), nil
	}

	bucket := p.opts.ResultBucket
	if bucket == "" {
		bucket = msg.Bucket
	}
	key := ResultKey(msg.JobID)
	err := p.blob.Upload(ctx, bucket, key, data, blob.UploadOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"job-id": msg.JobID},
	})
	if err != nil {
		return jobs.Update{}, downstream("store result", err)
	}
	p.logger.Info("stored result externally", "job_id", msg.JobID, "bucket", bucket, "key", key, "bytes", len(data))
	return jobs.Completed(jobs.ResultExternal, nil, key), nil
}

func (p *Pipeline) publishChunks(ctx context.Context, msg schema.JobMessage, fileName string, chunks []chunk.Chunk) error {
	count := (len(chunks) + maxChunksPerMessage - 1) / maxChunksPerMessage
	for i := 0; i < count; i++ {
		part := chunks[i*maxChunksPerMessage : min((i+1)*maxChunksPerMessage, len(chunks))]
		batch := schema.ChunkBatch{
			JobID:      msg.JobID,
			UserID:     msg.UserID,
			FileName:   fileName,
			BatchIndex: i,
			BatchCount: count,
			Chunks:     make([]schema.ChunkMessage, 0, len(part)),
			HappenedAt: time.Now().Unix(),
		}
		for _, c := range part {
			batch.Chunks = append(batch.Chunks, schema.ChunkMessage{
				JobID:      msg.JobID,
				ChunkIndex: c.Index,
				Content:    c.Content,
				Metadata:   c.Metadata,
			})
		}
		msgID := bus.DedupID(msg.JobID, fmt.Sprintf("chunks-%d", i))
		if err := p.bus.PublishStream(ctx, p.opts.EmbeddingSubject, msgID, batch); err != nil {
			return downstream("publish chunks", err)
		}
	}
	p.metrics.chunksPublished(len(chunks))
	return nil
}

// fail marks the job failed, publishes a dead letter and returns cause.
func (p *Pipeline) fail(ctx context.Context, msg schema.JobMessage, state *ProcessingState, cause error, stack []byte, logger *slog.Logger) error {
	// Bookkeeping must still happen when the job context was cancelled.
	ctx = context.WithoutCancel(ctx)
	failureType := classifyError(cause)
	logger.Error("job failed", "err", cause, "failure_type", failureType)

	if msg.JobID != "" {
		if _, err := p.jobs.Update(ctx, msg.JobID, jobs.Failed(cause)); err != nil {
			logger.Error("mark job failed", "err", err)
		}
	}
	p.publishLifecycleEvent(state.AddLifecycleEvent(schema.StageFailed, state.LastProgress(), cause, failureType))

	if stack == nil {
		stack = debug.Stack()
	}
	p.deadLetter(ctx, msg, cause, stack, "dead-letter", logger)
	p.metrics.jobDone("failed")
	return cause
}

func (p *Pipeline) deadLetter(ctx context.Context, msg schema.JobMessage, cause error, stack []byte, kind string, logger *slog.Logger) {
	letter := schema.DeadLetter{
		JobID: msg.JobID,
		Error: schema.ErrorDetail{
			Message: cause.Error(),
			Stack:   string(stack),
			Type:    classifyError(cause),
		},
		Context:       msg,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		ProcessorTier: p.opts.Tier,
	}
	msgID := ""
	if msg.JobID != "" {
		msgID = bus.DedupID(msg.JobID, kind)
	}
	if err := p.bus.PublishStream(ctx, p.opts.DeadLetterSubject, msgID, letter); err != nil {
		logger.Error("publish dead letter failed", "subject", p.opts.DeadLetterSubject, "err", err)
		return
	}
	p.metrics.deadLettered()
}

func detectKind(buf []byte, fileName, declaredType string) detect.Result {
	r := detect.Detect(buf, fileName, declaredType)
	if r.Known() {
		return r
	}
	return detect.Fallback(fileName, declaredType)
}

func resolveFileName(msg schema.JobMessage, source *blob.Source) string {
	switch {
	case msg.FileName != "":
		return msg.FileName
	case source != nil && source.Filename != "":
		return source.Filename
	case msg.Key != "":
		return path.Base(msg.Key)
	}
	return "document"
}
