package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ci-control-plane/internal/domain"
	"ci-control-plane/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	stepTypePipeline = "pipeline"
	logsArtifactName = "pipeline-logs"
)

// ExecutionAborter stops a running execution. ExecutionService implements it.
type ExecutionAborter interface {
	AbortExecution(ctx context.Context, execution *domain.Execution) error
}

// Report summarizes one reconciliation run.
type Report struct {
	Skipped  bool `json:"skipped"`
	Tracked  int  `json:"tracked"`
	Running  int  `json:"running"`
	NotFound int  `json:"not_found"`
	Stopped  int  `json:"stopped"`
	TimedOut int  `json:"timed_out"`
	Failures int  `json:"failures"`
}

// WatchdogDeps are the collaborators of a WatchdogService. Locker is
// optional; without it only the in-process guard prevents overlap.
type WatchdogDeps struct {
	Guard      domain.Guard
	Locker     domain.Locker
	LockName   string
	Pinger     domain.Pinger
	Executions domain.ExecutionRepository
	Steps      domain.BuildStepRepository
	Artifacts  domain.ArtifactRepository
	Engine     domain.Engine
	Aborter    ExecutionAborter
	// Timeout aborts running executions older than this. Zero disables it.
	Timeout time.Duration
	Clock   domain.Clock
}

// WatchdogService heals drift between the executions the store believes are
// running and the builds the engine actually reports.
type WatchdogService struct {
	deps   WatchdogDeps
	logger *slog.Logger
	tracer trace.Tracer
}

// NewWatchdogService creates a new WatchdogService instance.
func NewWatchdogService(deps WatchdogDeps, logger *slog.Logger) *WatchdogService {
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	return &WatchdogService{
		deps:   deps,
		logger: logger.With("component", "watchdog"),
		tracer: otel.Tracer("ci-control-plane-usecase"),
	}
}

// Reconcile runs one pass. A pass that finds another one in progress, in
// this process or on another replica, returns a skipped report. Failures
// remediating one execution are logged and never stop the others.
func (w *WatchdogService) Reconcile(ctx context.Context) (Report, error) {
	if !w.deps.Guard.TryAcquire() {
		w.logger.Info("watchdog run already in progress, skipping")
		metrics.WatchdogRunsTotal.WithLabelValues("skipped").Inc()
		return Report{Skipped: true}, nil
	}
	defer w.deps.Guard.Release()

	ctx, span := w.tracer.Start(ctx, "service.Reconcile")
	defer span.End()

	start := w.deps.Clock.Now()
	w.logger.Info("watchdog run started")

	report, err := w.reconcile(ctx)

	duration := w.deps.Clock.Now().Sub(start)
	metrics.WatchdogRunDuration.Observe(duration.Seconds())
	span.SetAttributes(
		attribute.Int("executions.tracked", report.Tracked),
		attribute.Int("executions.failures", report.Failures),
	)

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "watchdog run aborted")
		metrics.WatchdogRunsTotal.WithLabelValues("aborted").Inc()
		w.logger.Error("watchdog run aborted", "duration", duration, "error", err)
	case report.Skipped:
		metrics.WatchdogRunsTotal.WithLabelValues("skipped").Inc()
		w.logger.Info("watchdog run skipped, lock held elsewhere", "duration", duration)
	default:
		metrics.WatchdogRunsTotal.WithLabelValues("completed").Inc()
		w.logger.Info("watchdog run finished",
			"duration", duration,
			"tracked", report.Tracked,
			"running", report.Running,
			"not_found", report.NotFound,
			"stopped", report.Stopped,
			"timed_out", report.TimedOut,
			"failures", report.Failures,
		)
	}
	return report, err
}

func (w *WatchdogService) reconcile(ctx context.Context) (Report, error) {
	var report Report

	if w.deps.Locker != nil {
		lock, err := w.deps.Locker.Lock(ctx, w.deps.LockName)
		if errors.Is(err, domain.ErrLockNotAcquired) {
			report.Skipped = true
			return report, nil
		}
		if err != nil {
			return report, fmt.Errorf("failed to take watchdog lock: %w", err)
		}
		defer func() {
			if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				w.logger.Warn("failed to release watchdog lock", "error", err)
			}
		}()
	}

	if err := w.deps.Pinger.Ping(ctx); err != nil {
		return report, fmt.Errorf("store unavailable: %w", err)
	}

	ids, err := w.deps.Executions.ListActiveIDs(ctx)
	if err != nil {
		return report, err
	}
	if len(ids) == 0 {
		return report, nil
	}

	executions, err := w.deps.Executions.FindByIDs(ctx, ids)
	if err != nil {
		return report, err
	}
	report.Tracked = len(executions)

	// One snapshot for the whole batch.
	jobs, err := w.deps.Engine.GetPipelineJobs(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list engine jobs: %w", err)
	}
	byPipeline := make(map[string][]domain.EngineJob, len(jobs))
	for _, job := range jobs {
		byPipeline[job.Pipeline] = append(byPipeline[job.Pipeline], job)
	}

	for _, execution := range executions {
		w.reconcileExecution(ctx, execution, byPipeline[execution.ConcoursePipelineID], &report)
	}
	return report, nil
}

func (w *WatchdogService) reconcileExecution(ctx context.Context, execution *domain.Execution, matches []domain.EngineJob, report *Report) {
	logger := w.logger.With("execution_id", execution.ID, "pipeline_id", execution.ConcoursePipelineID)

	if len(matches) == 0 {
		report.NotFound++
		metrics.WatchdogRemediationsTotal.WithLabelValues("not_found").Inc()
		logger.Warn("pipeline not found on the engine, failing execution")
		w.failNotFound(ctx, execution, logger, report)
		return
	}

	for _, job := range matches {
		if job.Status.IsRunning() {
			report.Running++
			logger.Debug("pipeline still running", "build", job.ID, "status", job.Status, "matches", len(matches))
			w.enforceTimeout(ctx, execution, logger, report)
			return
		}
	}

	stopped := matches[0]
	report.Stopped++
	metrics.WatchdogRemediationsTotal.WithLabelValues("stopped").Inc()
	logger.Warn("pipeline stopped without a terminal step, failing execution",
		"build", stopped.ID, "status", stopped.Status, "matches", len(matches))
	w.failStopped(ctx, execution, stopped, logger, report)
}

func (w *WatchdogService) failureStep(execution *domain.Execution) *domain.BuildStep {
	now := w.deps.Clock.Now()
	return &domain.BuildStep{
		BuildID:   execution.ID,
		Name:      domain.StepPipelineFailed,
		Type:      stepTypePipeline,
		State:     domain.StepStateFailed,
		StartDate: now,
		EndDate:   now,
	}
}

// failNotFound records the failure and clears the correlation id. There is
// nothing on the engine to fetch logs from. An aborted execution keeps its
// Timed Out result.
func (w *WatchdogService) failNotFound(ctx context.Context, execution *domain.Execution, logger *slog.Logger, report *Report) {
	if err := w.deps.Steps.Create(ctx, w.failureStep(execution)); err != nil {
		report.Failures++
		logger.Error("failed to create failure step", "error", err)
	}

	execution.ConcoursePipelineID = ""
	if execution.Result != domain.ResultTimedOut {
		execution.Result = domain.ResultBuildFailed
	}
	if err := w.deps.Executions.Save(ctx, execution); err != nil {
		report.Failures++
		logger.Error("failed to clear pipeline id", "error", err)
	}
}

// failStopped records the failure and attaches the engine logs to it.
func (w *WatchdogService) failStopped(ctx context.Context, execution *domain.Execution, job domain.EngineJob, logger *slog.Logger, report *Report) {
	if err := w.deps.Steps.Create(ctx, w.failureStep(execution)); err != nil {
		report.Failures++
		logger.Error("failed to create failure step", "error", err)
		return
	}

	logs, err := w.deps.Engine.GetPipelineLogs(ctx, execution.ConcoursePipelineID, job.Job)
	if err != nil {
		report.Failures++
		logger.Error("failed to fetch pipeline logs", "job", job.Job, "error", err)
		return
	}

	artifact := &domain.Artifact{Name: logsArtifactName, ContentType: "text/plain", Body: logs}
	if err := w.deps.Artifacts.Create(ctx, artifact); err != nil {
		report.Failures++
		logger.Error("failed to store pipeline logs", "error", err)
		return
	}

	step, err := w.deps.Steps.FindByName(ctx, execution.ID, domain.StepPipelineFailed)
	if err != nil {
		report.Failures++
		logger.Error("could not find failure step to link logs to", "artifact_id", artifact.ID, "error", err)
		return
	}
	step.ArtifactID = &artifact.ID
	if err := w.deps.Steps.Save(ctx, step); err != nil {
		report.Failures++
		logger.Error("failed to link logs to failure step", "artifact_id", artifact.ID, "error", err)
	}
}

func (w *WatchdogService) enforceTimeout(ctx context.Context, execution *domain.Execution, logger *slog.Logger, report *Report) {
	if w.deps.Timeout <= 0 || w.deps.Aborter == nil || execution.CreatedAt.IsZero() {
		return
	}
	age := w.deps.Clock.Now().Sub(execution.CreatedAt)
	if age <= w.deps.Timeout {
		return
	}

	report.TimedOut++
	metrics.WatchdogRemediationsTotal.WithLabelValues("timed_out").Inc()
	logger.Warn("execution exceeded timeout, aborting", "age", age, "timeout", w.deps.Timeout)
	if err := w.deps.Aborter.AbortExecution(ctx, execution); err != nil {
		report.Failures++
		logger.Error("failed to abort timed out execution", "error", err)
	}
}
