// pkg/schema/events.go
package schema

import "fmt"

// ProcessingOptions are the per-job switches carried by every job message.
type ProcessingOptions struct {
	ExtractText        bool `json:"extractText"`
	ConvertToMarkdown  bool `json:"convertToMarkdown"`
	ExtractImages      bool `json:"extractImages"`
	GenerateEmbeddings bool `json:"generateEmbeddings"`
	OCREnabled         bool `json:"ocrEnabled"`
}

// JobMessage is the inbound job published by the upload service. The same
// shape is republished verbatim to the high-memory queue.
type JobMessage struct {
	JobID             string            `json:"jobId"`
	Bucket            string            `json:"bucket"`
	Key               string            `json:"key"`
	FileName          string            `json:"fileName"`
	FileSize          int64             `json:"fileSize"`
	FileType          string            `json:"fileType"`
	UserID            string            `json:"userId"`
	ProcessingOptions ProcessingOptions `json:"processingOptions"`
}

// Validate reports the first missing field required to process the job.
func (m JobMessage) Validate() error {
	switch {
	case m.JobID == "":
		return fmt.Errorf("job message missing jobId")
	case m.Bucket == "":
		return fmt.Errorf("job %s missing bucket", m.JobID)
	case m.Key == "":
		return fmt.Errorf("job %s missing key", m.JobID)
	case m.FileSize < 0:
		return fmt.Errorf("job %s has negative fileSize %d", m.JobID, m.FileSize)
	}
	return nil
}

type ProcessingStage string

const (
	StageQueued        ProcessingStage = "queued"
	StageStarting      ProcessingStage = "starting"
	StageRouting       ProcessingStage = "routing_to_high_memory"
	StageDownloading   ProcessingStage = "downloading"
	StageDetecting     ProcessingStage = "detecting_format"
	StageStoringResult ProcessingStage = "storing_result"
	StagePublishing    ProcessingStage = "publishing_chunks"
	StageCompleted     ProcessingStage = "completed"
	StageFailed        ProcessingStage = "failed"
)

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
)

// ErrorDetail is the error section of a dead-letter message.
type ErrorDetail struct {
	Message string      `json:"message"`
	Stack   string      `json:"stack,omitempty"`
	Type    FailureType `json:"type,omitempty"`
}

// DeadLetter is published when a job fails and needs manual triage.
type DeadLetter struct {
	JobID         string      `json:"jobId"`
	Error         ErrorDetail `json:"error"`
	Context       JobMessage  `json:"context"`
	// RawPayload is the undecoded message when it had no usable job id.
	RawPayload    string      `json:"rawPayload,omitempty"`
	Timestamp     string      `json:"timestamp"`
	ProcessorTier string      `json:"processorTier"`
}

// ChunkMessage is one chunk handed to the embedding service.
type ChunkMessage struct {
	JobID      string         `json:"jobId"`
	ChunkIndex int            `json:"chunkIndex"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ChunkBatch carries the chunks of one job. Large documents are split over
// several batches; BatchIndex counts from 0 up to BatchCount-1.
type ChunkBatch struct {
	JobID      string         `json:"jobId"`
	UserID     string         `json:"userId,omitempty"`
	FileName   string         `json:"fileName,omitempty"`
	BatchIndex int            `json:"batchIndex"`
	BatchCount int            `json:"batchCount"`
	Chunks     []ChunkMessage `json:"chunks"`
	HappenedAt int64          `json:"happened_at"`
}

// JobLifecycleEvent is emitted on every stage change for observers that do
// not poll the job record.
type JobLifecycleEvent struct {
	JobID       string          `json:"job_id"`
	Stage       ProcessingStage `json:"stage"`
	Progress    int             `json:"progress"`
	Tier        string          `json:"tier,omitempty"`
	StartedAt   int64           `json:"processing_start,omitempty"`
	EndedAt     int64           `json:"processing_end,omitempty"`
	Error       string          `json:"error,omitempty"`
	FailureType FailureType     `json:"failure_type,omitempty"`
	HappenedAt  int64           `json:"happened_at"`
}
