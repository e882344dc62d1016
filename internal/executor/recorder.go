package executor

import (
	"context"

	"github.com/me/cwlcore/pkg/model"
)

// Recorder persists run progress. Errors are logged and never fail a run.
type Recorder interface {
	RunStarted(ctx context.Context, run *model.Run) error
	StepUpdated(ctx context.Context, rec *model.StepRecord) error
	RunFinished(ctx context.Context, run *model.Run) error
}

type nopRecorder struct{}

func (nopRecorder) RunStarted(context.Context, *model.Run) error         { return nil }
func (nopRecorder) StepUpdated(context.Context, *model.StepRecord) error { return nil }
func (nopRecorder) RunFinished(context.Context, *model.Run) error        { return nil }
