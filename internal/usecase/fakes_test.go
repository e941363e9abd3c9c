package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"ci-control-plane/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Project store ---

type fakeProjects struct {
	mu    sync.Mutex
	calls map[string]int

	project        *domain.Project
	vcs            *domain.Vcs
	target         *domain.DeploymentTarget
	notifications  []*domain.NotificationTarget
	tasks          []*domain.PipelineTask
	appImage       *domain.ApplicationImage
	buildContainer *domain.BuildContainer
}

func (f *fakeProjects) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
}

func (f *fakeProjects) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeProjects) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeProjects) GetProject(_ context.Context, id uint) (*domain.Project, error) {
	f.record("GetProject")
	if f.project == nil || f.project.ID != id {
		return nil, domain.ErrNotFound
	}
	return f.project, nil
}

func (f *fakeProjects) GetVcs(_ context.Context, _ uint) (*domain.Vcs, error) {
	f.record("GetVcs")
	if f.vcs == nil {
		return nil, domain.ErrNotFound
	}
	return f.vcs, nil
}

func (f *fakeProjects) GetDeploymentTarget(_ context.Context, _ uint) (*domain.DeploymentTarget, error) {
	f.record("GetDeploymentTarget")
	if f.target == nil {
		return nil, domain.ErrNotFound
	}
	return f.target, nil
}

func (f *fakeProjects) ListNotificationTargets(_ context.Context, _ uint) ([]*domain.NotificationTarget, error) {
	f.record("ListNotificationTargets")
	return f.notifications, nil
}

func (f *fakeProjects) ListPipelineTasks(_ context.Context, _ uint) ([]*domain.PipelineTask, error) {
	f.record("ListPipelineTasks")
	return f.tasks, nil
}

func (f *fakeProjects) GetApplicationImage(_ context.Context, _ uint) (*domain.ApplicationImage, error) {
	f.record("GetApplicationImage")
	if f.appImage == nil {
		return nil, domain.ErrNotFound
	}
	return f.appImage, nil
}

func (f *fakeProjects) GetBuildContainer(_ context.Context, _ uint) (*domain.BuildContainer, error) {
	f.record("GetBuildContainer")
	if f.buildContainer == nil {
		return nil, domain.ErrNotFound
	}
	return f.buildContainer, nil
}

// --- Executions ---

type fakeExecutions struct {
	mu     sync.Mutex
	nextID uint
	rows   map[uint]*domain.Execution
	saves  []domain.Execution

	activeIDs []uint
	saveFn    func(*domain.Execution) error
	createErr error
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{rows: map[uint]*domain.Execution{}}
}

func (f *fakeExecutions) add(e *domain.Execution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[e.ID] = e
	f.activeIDs = append(f.activeIDs, e.ID)
}

func (f *fakeExecutions) Create(_ context.Context, e *domain.Execution) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	e.ID = f.nextID
	f.rows[e.ID] = e
	return nil
}

func (f *fakeExecutions) Save(_ context.Context, e *domain.Execution) error {
	if f.saveFn != nil {
		if err := f.saveFn(e); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, *e)
	f.rows[e.ID] = e
	return nil
}

func (f *fakeExecutions) Get(_ context.Context, id uint) (*domain.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return e, nil
}

func (f *fakeExecutions) FindByIDs(_ context.Context, ids []uint) ([]*domain.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Execution
	for _, id := range ids {
		if e, ok := f.rows[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeExecutions) ListActiveIDs(context.Context) ([]uint, error) {
	return f.activeIDs, nil
}

// --- Build steps and artifacts ---

type fakeSteps struct {
	nextID  uint
	created []*domain.BuildStep
	saved   []*domain.BuildStep

	createFn func(*domain.BuildStep) error
	findFn   func(buildID uint) error
}

func (f *fakeSteps) Create(_ context.Context, step *domain.BuildStep) error {
	if f.createFn != nil {
		if err := f.createFn(step); err != nil {
			return err
		}
	}
	f.nextID++
	step.ID = f.nextID
	f.created = append(f.created, step)
	return nil
}

func (f *fakeSteps) Save(_ context.Context, step *domain.BuildStep) error {
	f.saved = append(f.saved, step)
	return nil
}

func (f *fakeSteps) FindByName(_ context.Context, buildID uint, name string) (*domain.BuildStep, error) {
	if f.findFn != nil {
		if err := f.findFn(buildID); err != nil {
			return nil, err
		}
	}
	for i := len(f.created) - 1; i >= 0; i-- {
		if s := f.created[i]; s.BuildID == buildID && s.Name == name {
			return s, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeSteps) forBuild(buildID uint) []*domain.BuildStep {
	var out []*domain.BuildStep
	for _, s := range f.created {
		if s.BuildID == buildID {
			out = append(out, s)
		}
	}
	return out
}

type fakeArtifacts struct {
	nextID  uint
	created []*domain.Artifact
}

func (f *fakeArtifacts) Create(_ context.Context, a *domain.Artifact) error {
	f.nextID++
	a.ID = f.nextID
	f.created = append(f.created, a)
	return nil
}

// --- Engine ---

type fakeEngine struct {
	mu sync.Mutex

	jobs     []domain.EngineJob
	jobsErr  error
	startErr error
	logs     map[string]string

	started   []startCall
	aborted   []string
	destroyed []string
	jobCalls  int
	logCalls  []string
}

type startCall struct {
	pipelineID string
	path       string
	vars       map[string]string
	definition []byte
}

func (f *fakeEngine) LoginAndSync(context.Context) error { return nil }

func (f *fakeEngine) StartPipeline(_ context.Context, pipelineID, path string, vars map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := startCall{pipelineID: pipelineID, path: path, vars: vars}
	call.definition, _ = os.ReadFile(path)
	f.started = append(f.started, call)
	return f.startErr
}

func (f *fakeEngine) AbortPipeline(_ context.Context, pipelineID, build string) error {
	f.aborted = append(f.aborted, pipelineID+"/"+build)
	return errors.New("abort-build exited 1")
}

func (f *fakeEngine) DestroyPipeline(_ context.Context, pipelineID string) error {
	f.destroyed = append(f.destroyed, pipelineID)
	return nil
}

func (f *fakeEngine) GetPipelineJobs(context.Context) ([]domain.EngineJob, error) {
	f.jobCalls++
	return f.jobs, f.jobsErr
}

func (f *fakeEngine) GetPipelineLogs(_ context.Context, pipelineID, _ string) (string, error) {
	f.logCalls = append(f.logCalls, pipelineID)
	if logs, ok := f.logs[pipelineID]; ok {
		return logs, nil
	}
	return "No logs available", nil
}

// --- Small collaborators ---

type fakeSettings struct {
	values map[string]string
	calls  int
}

func (f *fakeSettings) Get(_ context.Context, key string) (string, error) {
	f.calls++
	v, ok := f.values[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

type fakeDeployments struct {
	rows    []*domain.Deployment
	deleted []*domain.Deployment
}

func (f *fakeDeployments) FindByPR(_ context.Context, projectID uint, pr int) (*domain.Deployment, error) {
	for _, d := range f.rows {
		if d.ProjectID == projectID && d.PRNumber == pr {
			return d, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeDeployments) Delete(_ context.Context, d *domain.Deployment) error {
	f.deleted = append(f.deleted, d)
	return nil
}

type fakeSystemImages struct {
	images []*domain.SystemImage
	err    error
}

func (f *fakeSystemImages) List(context.Context) ([]*domain.SystemImage, error) {
	return f.images, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeGuard struct{ held bool }

func (g *fakeGuard) TryAcquire() bool {
	if g.held {
		return false
	}
	g.held = true
	return true
}

func (g *fakeGuard) Release() { g.held = false }

type fakeLocker struct {
	err      error
	unlocked int
}

type fakeLock struct{ l *fakeLocker }

func (l fakeLock) Unlock(context.Context) error {
	l.l.unlocked++
	return nil
}

func (f *fakeLocker) Lock(context.Context, string) (domain.Lock, error) {
	if f.err != nil {
		return nil, f.err
	}
	return fakeLock{l: f}, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeAborter struct{ aborted []uint }

func (f *fakeAborter) AbortExecution(_ context.Context, e *domain.Execution) error {
	f.aborted = append(f.aborted, e.ID)
	return nil
}
