package orchestrator

import (
	"context"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
)

// Stage is one leg of a RunStep round.
type Stage string

const (
	StageCompose  Stage = "compose"
	StageGenerate Stage = "generate"
	StageReview   Stage = "review"
	StageRecord   Stage = "record"
)

// stages lists a round's legs in the order they run.
var stages = []Stage{StageCompose, StageGenerate, StageReview, StageRecord}

// StageStatus is where a stage is.
type StageStatus string

const (
	StageStarted   StageStatus = "started"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// StepProgress reports progress through a RunStep round.
type StepProgress struct {
	PipelineID string      `json:"pipeline_id"`
	Step       int         `json:"step"`
	Stage      Stage       `json:"stage"`
	Status     StageStatus `json:"status"`
	Message    string      `json:"message,omitempty"`
	Percentage int         `json:"percentage"`
}

// ProgressCallback receives progress updates during RunStep.
type ProgressCallback func(StepProgress)

// WithProgress sets the progress callback.
func WithProgress(cb ProgressCallback) Option {
	return func(o *Orchestrator) { o.progress = cb }
}

// round tracks one RunStep call for progress reporting.
type round struct {
	cb         ProgressCallback
	pipelineID string
	step       int
}

// begin checks for cancellation and reports the stage as started.
func (r round) begin(ctx context.Context, s Stage) error {
	select {
	case <-ctx.Done():
		r.report(s, StageFailed, ctx.Err().Error())
		return ctx.Err()
	default:
	}
	r.report(s, StageStarted, "")
	return nil
}

func (r round) done(s Stage) { r.report(s, StageCompleted, "") }

func (r round) fail(s Stage, err error) { r.report(s, StageFailed, err.Error()) }

func (r round) report(s Stage, status StageStatus, msg string) {
	if r.cb == nil {
		return
	}
	i := stageIndex(s)
	if status == StageCompleted {
		i++
	}
	r.cb(StepProgress{
		PipelineID: r.pipelineID,
		Step:       r.step,
		Stage:      s,
		Status:     status,
		Message:    msg,
		Percentage: i * 100 / len(stages),
	})
}

func stageIndex(s Stage) int {
	for i, st := range stages {
		if st == s {
			return i
		}
	}
	return 0
}

// outcomeFor maps a classified rejection to the attempt outcome. A critical
// rejection stops the step outright; anything else may be retried.
func outcomeFor(ev classifier.Event) pipeline.Outcome {
	if ev.Severity == classifier.SeverityCritical {
		return pipeline.OutcomeRejectedCritical
	}
	return pipeline.OutcomeRejectedRetryable
}
