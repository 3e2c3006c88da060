// Package api exposes job submission and status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tendant/simple-extractor/internal/bus"
	"github.com/tendant/simple-extractor/internal/jobs"
	"github.com/tendant/simple-extractor/pkg/schema"
)

// maxRequestBytes bounds a job submission body; documents travel through
// blob storage, not the API.
const maxRequestBytes = 1 << 20

// Publisher enqueues job messages. *bus.Client implements it.
type Publisher interface {
	PublishStream(ctx context.Context, subject, msgID string, v any) error
}

type Options struct {
	JobSubject        string
	OCREnabledDefault bool
}

type Server struct {
	jobs   jobs.Store
	bus    Publisher
	opts   Options
	logger *slog.Logger
}

func NewServer(store jobs.Store, publisher Publisher, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{jobs: store, bus: publisher, opts: opts, logger: logger}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{jobID}", s.handleGetJob)
	return r
}

// createJobRequest mirrors schema.JobMessage; ocrEnabled is a pointer so an
// omitted value picks up the server default.
type createJobRequest struct {
	JobID             string `json:"jobId"`
	Bucket            string `json:"bucket"`
	Key               string `json:"key"`
	FileName          string `json:"fileName"`
	FileSize          int64  `json:"fileSize"`
	FileType          string `json:"fileType"`
	UserID            string `json:"userId"`
	ProcessingOptions struct {
		ExtractText        bool  `json:"extractText"`
		ConvertToMarkdown  bool  `json:"convertToMarkdown"`
		ExtractImages      bool  `json:"extractImages"`
		GenerateEmbeddings bool  `json:"generateEmbeddings"`
		OCREnabled         *bool `json:"ocrEnabled"`
	} `json:"processingOptions"`
}

func (req createJobRequest) message(ocrDefault bool) schema.JobMessage {
	msg := schema.JobMessage{
		JobID:    req.JobID,
		Bucket:   req.Bucket,
		Key:      req.Key,
		FileName: req.FileName,
		FileSize: req.FileSize,
		FileType: req.FileType,
		UserID:   req.UserID,
		ProcessingOptions: schema.ProcessingOptions{
			ExtractText:        req.ProcessingOptions.ExtractText,
			ConvertToMarkdown:  req.ProcessingOptions.ConvertToMarkdown,
			ExtractImages:      req.ProcessingOptions.ExtractImages,
			GenerateEmbeddings: req.ProcessingOptions.GenerateEmbeddings,
			OCREnabled:         ocrDefault,
		},
	}
	if req.ProcessingOptions.OCREnabled != nil {
		msg.ProcessingOptions.OCREnabled = *req.ProcessingOptions.OCREnabled
	}
	if msg.JobID == "" {
		msg.JobID = uuid.NewString()
	}
	return msg
}

// handleCreateJob records a queued job and publishes it.
// POST /jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg := req.message(s.opts.OCREnabledDefault)
	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger := s.logger.With("job_id", msg.JobID, "request_id", middleware.GetReqID(r.Context()))

	rec, err := s.jobs.Create(r.Context(), jobs.NewRecord(msg.JobID, msg.FileName, msg.UserID))
	if err != nil {
		logger.Error("create job record failed", "err", err)
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}
	if rec.Status.Terminal() {
		// Resubmitting a finished job returns its record without requeueing.
		writeJSON(w, http.StatusOK, rec)
		return
	}

	if err := s.bus.PublishStream(r.Context(), s.opts.JobSubject, bus.DedupID(msg.JobID, "submit"), msg); err != nil {
		logger.Error("publish job failed", "subject", s.opts.JobSubject, "err", err)
		writeError(w, http.StatusServiceUnavailable, "could not enqueue job")
		return
	}
	logger.Info("job submitted", "bucket", msg.Bucket, "key", msg.Key, "file_size", msg.FileSize)
	writeJSON(w, http.StatusAccepted, rec)
}

// handleGetJob returns the job record.
// GET /jobs/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	rec, err := s.jobs.Get(r.Context(), jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", "job_id", jobID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
