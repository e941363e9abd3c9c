// internal/domain/execution.go
package domain

import (
	"context"
	"fmt"
	"time"
)

// ExecutionResult is the coarse result stored on an execution row.
type ExecutionResult string

const (
	ResultInProgress        ExecutionResult = "in-progress"
	ResultEnqueued          ExecutionResult = "Enqueued Build"
	ResultBuildFailed       ExecutionResult = "Build Failed"
	ResultTimedOut          ExecutionResult = "Timed Out"
	ResultPipelineCompleted ExecutionResult = "Pipeline Completed"
)

// Build step names and states the reconciler relies on.
const (
	StepPipelineCompleted = "Pipeline Completed"
	StepPipelineFailed    = "Pipeline Failed"

	StepStateSucceeded = "succeeded"
	StepStateFailed    = "failed"
	StepStateStarted   = "started"
)

// Execution is one pipeline run ("build") of a project.
type Execution struct {
	ID                  uint            `json:"id" gorm:"primaryKey"`
	Name                string          `json:"name"`
	Message             string          `json:"message" gorm:"type:text"`
	Result              ExecutionResult `json:"result" gorm:"size:64"`
	ProjectID           uint            `json:"project_id" gorm:"index"`
	ReasonType          ReasonType      `json:"reason_type" gorm:"size:32"`
	ReasonCommitSha     string          `json:"reason_commit_sha" gorm:"column:reason_commit_sha"`
	ReasonCommitURL     string          `json:"reason_commit_url" gorm:"column:reason_commit_url"`
	ReasonCompareURL    string          `json:"reason_compare_url" gorm:"column:reason_compare_url"`
	ReasonAuthor        string          `json:"reason_author"`
	ReasonAvatarURL     string          `json:"reason_avatar_url" gorm:"column:reason_avatar_url"`
	ReasonCreatedDate   time.Time       `json:"reason_created_date"`
	ConcoursePipelineID string          `json:"concourse_pipeline_id" gorm:"size:64;index"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Validate checks the fields every persisted execution must carry.
func (e *Execution) Validate() error {
	if e.ProjectID == 0 {
		return fmt.Errorf("execution project id cannot be empty")
	}
	if e.ReasonType == "" {
		return fmt.Errorf("execution reason type cannot be empty")
	}
	if e.Result == "" {
		return fmt.Errorf("execution result cannot be empty")
	}
	return nil
}

// BuildStep is an event recorded against an execution.
type BuildStep struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	Name       string    `json:"name" gorm:"index"`
	Type       string    `json:"type"`
	State      string    `json:"state" gorm:"size:32"`
	BuildID    uint      `json:"build_id" gorm:"index"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	ArtifactID *uint     `json:"artifact_id"`
}

// Artifact is a stored blob, used here for engine logs.
type Artifact struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Body        string    `json:"-" gorm:"type:longtext"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExecutionRepository persists execution rows.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *Execution) error
	Save(ctx context.Context, execution *Execution) error
	// Get returns ErrNotFound when the row does not exist.
	Get(ctx context.Context, id uint) (*Execution, error)
	FindByIDs(ctx context.Context, ids []uint) ([]*Execution, error)
	// ListActiveIDs returns ids of executions without a terminal build step:
	// no "Pipeline Completed" step and no step in the failed state.
	ListActiveIDs(ctx context.Context) ([]uint, error)
}

// BuildStepRepository persists build steps.
type BuildStepRepository interface {
	Create(ctx context.Context, step *BuildStep) error
	Save(ctx context.Context, step *BuildStep) error
	// FindByName returns the most recent step with the given name for a
	// build, or ErrNotFound.
	FindByName(ctx context.Context, buildID uint, name string) (*BuildStep, error)
}

// ArtifactRepository persists artifacts.
type ArtifactRepository interface {
	Create(ctx context.Context, artifact *Artifact) error
}
