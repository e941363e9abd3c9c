package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"ci-control-plane/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var watchdogNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type watchdogHarness struct {
	guard      *fakeGuard
	executions *fakeExecutions
	steps      *fakeSteps
	artifacts  *fakeArtifacts
	engine     *fakeEngine
	aborter    *fakeAborter
	deps       WatchdogDeps
}

func newWatchdogHarness() *watchdogHarness {
	h := &watchdogHarness{
		guard:      &fakeGuard{},
		executions: newFakeExecutions(),
		steps:      &fakeSteps{},
		artifacts:  &fakeArtifacts{},
		engine:     &fakeEngine{logs: map[string]string{}},
		aborter:    &fakeAborter{},
	}
	h.deps = WatchdogDeps{
		Guard:      h.guard,
		Pinger:     fakePinger{},
		Executions: h.executions,
		Steps:      h.steps,
		Artifacts:  h.artifacts,
		Engine:     h.engine,
		Aborter:    h.aborter,
		Clock:      fixedClock{now: watchdogNow},
	}
	return h
}

func (h *watchdogHarness) service() *WatchdogService {
	return NewWatchdogService(h.deps, testLogger())
}

func (h *watchdogHarness) track(id uint, pipelineID string) *domain.Execution {
	e := &domain.Execution{
		ID:                  id,
		ProjectID:           7,
		ReasonType:          domain.ReasonPush,
		Result:              domain.ResultEnqueued,
		ConcoursePipelineID: pipelineID,
		CreatedAt:           watchdogNow.Add(-10 * time.Minute),
	}
	h.executions.add(e)
	return e
}

func TestReconcileZeroMatchFailsAndClearsPipelineID(t *testing.T) {
	h := newWatchdogHarness()
	e := h.track(1, "gone")

	report, err := h.service().Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.NotFound)
	assert.Empty(t, e.ConcoursePipelineID)
	assert.Equal(t, domain.ResultBuildFailed, e.Result)

	steps := h.steps.forBuild(1)
	require.Len(t, steps, 1)
	assert.Equal(t, domain.StepPipelineFailed, steps[0].Name)
	assert.Equal(t, domain.StepStateFailed, steps[0].State)
	assert.Nil(t, steps[0].ArtifactID)
	assert.Empty(t, h.engine.logCalls)
	assert.Empty(t, h.artifacts.created)
	require.Len(t, h.executions.saves, 1)
}

func TestReconcileLeavesRunningPipelineAlone(t *testing.T) {
	h := newWatchdogHarness()
	h.track(1, "p-1")
	h.engine.jobs = []domain.EngineJob{{ID: "12", Pipeline: "p-1", Job: "build-and-deploy", Status: domain.JobStarted}}

	report, err := h.service().Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Running)
	assert.Empty(t, h.steps.created)
	assert.Empty(t, h.executions.saves)
	assert.Empty(t, h.aborter.aborted)
}

func TestReconcileStoppedPipelineAttachesLogs(t *testing.T) {
	h := newWatchdogHarness()
	e := h.track(1, "p-1")
	h.engine.jobs = []domain.EngineJob{{ID: "12", Pipeline: "p-1", Job: "build-and-deploy", Status: domain.JobErrored}}
	h.engine.logs["p-1"] = "cf push failed"

	report, err := h.service().Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stopped)
	assert.Zero(t, report.Failures)
	assert.Equal(t, "p-1", e.ConcoursePipelineID)

	require.Len(t, h.artifacts.created, 1)
	assert.Equal(t, "cf push failed", h.artifacts.created[0].Body)

	steps := h.steps.forBuild(1)
	require.Len(t, steps, 1)
	require.NotNil(t, steps[0].ArtifactID)
	assert.Equal(t, h.artifacts.created[0].ID, *steps[0].ArtifactID)
}

func TestReconcileMultiMatchWithRunnerIsSkipped(t *testing.T) {
	h := newWatchdogHarness()
	h.track(1, "p-1")
	h.engine.jobs = []domain.EngineJob{
		{ID: "12", Pipeline: "p-1", Job: "build-and-deploy", Status: domain.JobPending},
		{ID: "11", Pipeline: "p-1", Job: "build-and-deploy", Status: domain.JobAborted},
	}

	report, err := h.service().Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Running)
	assert.Empty(t, h.steps.created)
	assert.Empty(t, h.executions.saves)
	assert.Empty(t, h.artifacts.created)
}

func TestReconcileMultiMatchAllStoppedIsFailed(t *testing.T) {
	h := newWatchdogHarness()
	h.track(1, "p-1")
	h.engine.jobs = []domain.EngineJob{
		{ID: "12", Pipeline: "p-1", Job: "build-and-deploy", Status: domain.JobFailed},
		{ID: "11", Pipeline: "p-1", Job: "build-and-deploy", Status: domain.JobAborted},
	}

	report, err := h.service().Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stopped)
	assert.Len(t, h.steps.forBuild(1), 1)
	assert.Len(t, h.artifacts.created, 1)
}

func TestReconcileOneBadRowDoesNotStopTheBatch(t *testing.T) {
	h := newWatchdogHarness()
	h.track(1, "p-1")
	h.track(2, "p-2")
	h.engine.jobs = []domain.EngineJob{
		{ID: "1", Pipeline: "p-1", Job: "build-and-deploy", Status: domain.JobFailed},
		{ID: "2", Pipeline: "p-2", Job: "build-and-deploy", Status: domain.JobFailed},
	}
	broken := errors.New("deadlock found when trying to get lock")
	h.steps.createFn = func(s *domain.BuildStep) error {
		if s.BuildID == 1 {
			return broken
		}
		return nil
	}

	report, err := h.service().Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Stopped)
	assert.Equal(t, 1, report.Failures)

	assert.Empty(t, h.steps.forBuild(1))
	steps := h.steps.forBuild(2)
	require.Len(t, steps, 1)
	require.NotNil(t, steps[0].ArtifactID)
	assert.Equal(t, []string{"p-2"}, h.engine.logCalls)
	require.Len(t, h.artifacts.created, 1, "no orphan artifact for the row whose step failed")
}

func TestReconcileZeroMatchKeepsTimedOutResult(t *testing.T) {
	h := newWatchdogHarness()
	e := h.track(1, "p-1")
	e.Result = domain.ResultTimedOut

	report, err := h.service().Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.NotFound)
	assert.Equal(t, domain.ResultTimedOut, e.Result)
	assert.Empty(t, e.ConcoursePipelineID)
	assert.Len(t, h.steps.forBuild(1), 1)
}

func TestAbortThenReconcileStaysTimedOut(t *testing.T) {
	eh := newExecutionHarness(t)
	h := newWatchdogHarness()
	h.executions = eh.executions
	h.deps.Executions = eh.executions
	h.deps.Aborter = eh.service
	e := h.track(1, "p-1")

	require.NoError(t, eh.service.AbortExecution(context.Background(), e))
	require.Equal(t, domain.ResultTimedOut, e.Result)

	_, err := h.service().Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.ResultTimedOut, e.Result)
}

func TestReconcileFetchesEngineJobsOnce(t *testing.T) {
	h := newWatchdogHarness()
	h.track(1, "a")
	h.track(2, "b")
	h.track(3, "c")

	_, err := h.service().Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.engine.jobCalls)
}

func TestReconcileAbortsWhenEngineUnavailable(t *testing.T) {
	h := newWatchdogHarness()
	h.track(1, "p-1")
	h.engine.jobsErr = domain.NewError(domain.KindTransient, "Listing builds", errors.New("exit status 1"))

	_, err := h.service().Reconcile(context.Background())
	require.Error(t, err)
	assert.Empty(t, h.steps.created)
	assert.False(t, h.guard.held, "guard must be released on failure")
}

func TestReconcileAbortsWhenStoreUnavailable(t *testing.T) {
	h := newWatchdogHarness()
	h.track(1, "p-1")
	h.deps.Pinger = fakePinger{err: errors.New("dial tcp: connection refused")}

	_, err := h.service().Reconcile(context.Background())
	require.Error(t, err)
	assert.Zero(t, h.engine.jobCalls)
	assert.False(t, h.guard.held)
}

func TestReconcileWithNothingTracked(t *testing.T) {
	h := newWatchdogHarness()

	report, err := h.service().Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Tracked)
	assert.Zero(t, h.engine.jobCalls)
}

func TestReconcileDropsOverlappingRun(t *testing.T) {
	h := newWatchdogHarness()
	h.track(1, "gone")
	require.True(t, h.guard.TryAcquire())

	report, err := h.service().Reconcile(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Skipped)
	assert.Zero(t, h.engine.jobCalls)
	assert.Empty(t, h.steps.created)
	assert.True(t, h.guard.held, "a dropped run must not release the holder's slot")
}

func TestReconcileSkipsWhenLockHeldElsewhere(t *testing.T) {
	h := newWatchdogHarness()
	h.track(1, "gone")
	h.deps.Locker = &fakeLocker{err: domain.ErrLockNotAcquired}
	h.deps.LockName = "watchdog"

	report, err := h.service().Reconcile(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Skipped)
	assert.Zero(t, h.engine.jobCalls)
	assert.False(t, h.guard.held)
}

func TestReconcileReleasesLock(t *testing.T) {
	h := newWatchdogHarness()
	locker := &fakeLocker{}
	h.deps.Locker = locker
	h.deps.LockName = "watchdog"

	_, err := h.service().Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, locker.unlocked)
}

func TestReconcileAbortsExecutionsPastTimeout(t *testing.T) {
	h := newWatchdogHarness()
	h.deps.Timeout = 5 * time.Minute
	old := h.track(1, "p-1")
	fresh := h.track(2, "p-2")
	fresh.CreatedAt = watchdogNow.Add(-time.Minute)
	h.engine.jobs = []domain.EngineJob{
		{ID: "1", Pipeline: "p-1", Job: "build-and-deploy", Status: domain.JobStarted},
		{ID: "2", Pipeline: "p-2", Job: "build-and-deploy", Status: domain.JobStarted},
	}

	report, err := h.service().Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.TimedOut)
	assert.Equal(t, []uint{old.ID}, h.aborter.aborted)
}
