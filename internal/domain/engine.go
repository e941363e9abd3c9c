package domain

import (
	"context"
	"time"
)

// EngineJobStatus is the status of a build as the engine reports it.
type EngineJobStatus string

const (
	JobPending   EngineJobStatus = "pending"
	JobStarted   EngineJobStatus = "started"
	JobSucceeded EngineJobStatus = "succeeded"
	JobFailed    EngineJobStatus = "failed"
	JobErrored   EngineJobStatus = "errored"
	JobAborted   EngineJobStatus = "aborted"
)

// IsRunning reports whether the engine still considers the build live.
func (s EngineJobStatus) IsRunning() bool {
	return s == JobPending || s == JobStarted
}

// EngineJob is one row of the engine's build listing.
type EngineJob struct {
	ID       string          `json:"id"`
	Pipeline string          `json:"pipeline"`
	Job      string          `json:"job"`
	Build    string          `json:"build"`
	Status   EngineJobStatus `json:"status"`
	Start    string          `json:"start"`
	End      string          `json:"end"`
}

// Engine is the external pipeline engine.
type Engine interface {
	LoginAndSync(ctx context.Context) error
	StartPipeline(ctx context.Context, pipelineID, definitionPath string, vars map[string]string) error
	AbortPipeline(ctx context.Context, pipelineID, buildNumber string) error
	DestroyPipeline(ctx context.Context, pipelineID string) error
	GetPipelineJobs(ctx context.Context) ([]EngineJob, error)
	GetPipelineLogs(ctx context.Context, pipelineID, jobName string) (string, error)
}

// CommandRunner runs one shell command line and reports success by exit code only.
type CommandRunner interface {
	Run(ctx context.Context, label, command string) (stdout string, err error)
}

// Clock is injected where the watchdog measures age and duration.
type Clock interface {
	Now() time.Time
}
