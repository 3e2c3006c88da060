// internal/jobs/record.go
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tendant/simple-extractor/pkg/schema"
)

// Status represents the lifecycle state of a processing job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	}
	return 0
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.rank() > 0 }

// ResultLocation tells readers where the extraction result lives.
type ResultLocation string

const (
	ResultInline   ResultLocation = "inline"
	ResultExternal ResultLocation = "external"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrTerminal = errors.New("job already in a terminal state")
)

// Record is the persisted job status document.
type Record struct {
	JobID             string          `json:"jobId"`
	Status            Status          `json:"status"`
	Stage             string          `json:"stage,omitempty"`
	Progress          int             `json:"progress"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	FailedAt          *time.Time      `json:"failedAt,omitempty"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	ResultLocation    ResultLocation  `json:"resultLocation,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	ResultExternalKey string          `json:"resultExternalKey,omitempty"`
	TTL               int64           `json:"ttl,omitempty"`
	Tier              string          `json:"tier,omitempty"`
	FileName          string          `json:"fileName,omitempty"`
	UserID            string          `json:"userId,omitempty"`
}

// NewRecord returns a queued record for jobID.
func NewRecord(jobID, fileName, userID string) Record {
	now := time.Now().UTC()
	return Record{
		JobID:     jobID,
		Status:    StatusQueued,
		Stage:     string(schema.StageQueued),
		CreatedAt: now,
		UpdatedAt: now,
		FileName:  fileName,
		UserID:    userID,
	}
}

// Update lists the fields to change. Nil fields are left alone.
type Update struct {
	Status            *Status
	Stage             *string
	Progress          *int
	ErrorMessage      *string
	ResultLocation    *ResultLocation
	Result            json.RawMessage
	ResultExternalKey *string
	Tier              *string
	FileName          *string
	UserID            *string
}

// Processing is the update applied when a worker picks a job up.
func Processing(stage string, progress int) Update {
	return Update{Status: ptr(StatusProcessing), Stage: &stage, Progress: &progress}
}

// Progressing only moves stage and progress.
func Progressing(stage string, progress int) Update {
	return Update{Stage: &stage, Progress: &progress}
}

// Completed marks the job done with the result stored inline or externally.
func Completed(location ResultLocation, result json.RawMessage, externalKey string) Update {
	u := Update{
		Status:         ptr(StatusCompleted),
		Stage:          ptr(string(StatusCompleted)),
		Progress:       ptr(100),
		ResultLocation: &location,
	}
	switch location {
	case ResultExternal:
		u.ResultExternalKey = &externalKey
	default:
		u.Result = result
	}
	return u
}

// Failed marks the job failed with the error message.
func Failed(err error) Update {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Update{
		Status:       ptr(StatusFailed),
		Stage:        ptr(string(StatusFailed)),
		ErrorMessage: &msg,
	}
}

// Apply merges u into r. Status only moves forward and progress never
// decreases. A terminal record is left untouched and ErrTerminal returned.
func (r *Record) Apply(u Update, now time.Time) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}

	if u.Status != nil && u.Status.rank() > r.Status.rank() {
		r.Status = *u.Status
		switch r.Status {
		case StatusCompleted:
			r.CompletedAt = &now
		case StatusFailed:
			r.FailedAt = &now
		}
	}
	if u.Stage != nil {
		r.Stage = *u.Stage
	}
	if u.Progress != nil {
		p := clampProgress(*u.Progress)
		if p > r.Progress {
			r.Progress = p
		}
	}
	if r.Status == StatusFailed && u.ErrorMessage != nil {
		r.ErrorMessage = *u.ErrorMessage
	}
	if r.Status == StatusCompleted {
		if u.ResultLocation != nil {
			r.ResultLocation = *u.ResultLocation
		}
		if len(u.Result) > 0 {
			r.Result = u.Result
		}
		if u.ResultExternalKey != nil {
			r.ResultExternalKey = *u.ResultExternalKey
		}
	}
	if u.Tier != nil {
		r.Tier = *u.Tier
	}
	if u.FileName != nil && r.FileName == "" {
		r.FileName = *u.FileName
	}
	if u.UserID != nil && r.UserID == "" {
		r.UserID = *u.UserID
	}
	r.UpdatedAt = now
	return nil
}

// Store persists job records.
type Store interface {
	// Create stores rec unless a record with the same id exists, in which
	// case the existing record is returned unchanged.
	Create(ctx context.Context, rec Record) (*Record, error)
	Get(ctx context.Context, jobID string) (*Record, error)
	// Update merges u into the stored record, creating it when missing.
	Update(ctx context.Context, jobID string, u Update) (*Record, error)
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func ptr[T any](v T) *T { return &v }
