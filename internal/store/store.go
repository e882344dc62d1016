package store

import (
	"context"

	"github.com/me/cwlcore/pkg/model"
)

// Store persists runs and their step records. It satisfies
// executor.Recorder, so an Executor can write through it directly.
type Store interface {
	// Recording
	RunStarted(ctx context.Context, run *model.Run) error
	StepUpdated(ctx context.Context, rec *model.StepRecord) error
	RunFinished(ctx context.Context, run *model.Run) error

	// Queries
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	ListSteps(ctx context.Context, runID string) ([]model.StepRecord, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
