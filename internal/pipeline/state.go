package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/simple-extractor/internal/jobs"
	"github.com/tendant/simple-extractor/pkg/schema"
)

// ProcessingState tracks one job through the worker and mirrors every stage
// change into the job record and the lifecycle subject.
type ProcessingState struct {
	JobID     string
	Tier      string
	StartTime time.Time
	Lifecycle []schema.JobLifecycleEvent
}

func newProcessingState(jobID, tier string) *ProcessingState {
	return &ProcessingState{
		JobID:     jobID,
		Tier:      tier,
		StartTime: time.Now(),
		Lifecycle: make([]schema.JobLifecycleEvent, 0, 8),
	}
}

func (ps *ProcessingState) AddLifecycleEvent(stage schema.ProcessingStage, progress int, err error, failureType schema.FailureType) schema.JobLifecycleEvent {
	event := schema.JobLifecycleEvent{
		JobID:      ps.JobID,
		Stage:      stage,
		Progress:   progress,
		Tier:       ps.Tier,
		StartedAt:  ps.StartTime.UnixMilli(),
		HappenedAt: time.Now().Unix(),
	}
	if stage == schema.StageCompleted || stage == schema.StageFailed {
		event.EndedAt = time.Now().UnixMilli()
	}
	if err != nil {
		event.Error = err.Error()
		event.FailureType = failureType
	}
	ps.Lifecycle = append(ps.Lifecycle, event)
	return event
}

func (ps *ProcessingState) GetProcessingDuration() int64 {
	if ps.StartTime.IsZero() {
		return 0
	}
	return time.Since(ps.StartTime).Milliseconds()
}

func (ps *ProcessingState) LastProgress() int {
	if len(ps.Lifecycle) == 0 {
		return 0
	}
	return ps.Lifecycle[len(ps.Lifecycle)-1].Progress
}

// advance records an intermediate stage. Store and publish failures are
// logged; they do not fail the job.
func (p *Pipeline) advance(ctx context.Context, state *ProcessingState, stage schema.ProcessingStage, progress int, logger *slog.Logger) {
	event := state.AddLifecycleEvent(stage, progress, nil, "")
	if _, err := p.jobs.Update(ctx, state.JobID, jobs.Progressing(string(stage), progress)); err != nil {
		logger.Warn("update job progress failed", "stage", stage, "progress", progress, "err", err)
	}
	p.publishLifecycleEvent(event)
}

func (p *Pipeline) publishLifecycleEvent(event schema.JobLifecycleEvent) {
	if p.opts.LifecycleSubject == "" {
		return
	}
	if err := p.bus.PublishJSON(p.opts.LifecycleSubject, event); err != nil {
		p.logger.Error("publish lifecycle event failed", "subject", p.opts.LifecycleSubject, "stage", event.Stage, "job_id", event.JobID, "err", err)
	}
}

// strategyProgress maps a strategy's own 0-100 progress into the 30-95 band
// of the overall job.
type strategyProgress struct {
	p      *Pipeline
	state  *ProcessingState
	logger *slog.Logger
}

const (
	strategyBandStart = 30
	strategyBandEnd   = 95
)

func scaleStrategyPercent(percent int) int {
	percent = max(0, min(percent, 100))
	return strategyBandStart + percent*(strategyBandEnd-strategyBandStart)/100
}

func (sp strategyProgress) Report(ctx context.Context, stage string, percent int) {
	sp.p.advance(ctx, sp.state, schema.ProcessingStage(stage), scaleStrategyPercent(percent), sp.logger)
}
