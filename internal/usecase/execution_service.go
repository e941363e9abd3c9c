package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ci-control-plane/internal/crypto"
	"ci-control-plane/internal/domain"
	"ci-control-plane/internal/metrics"
	"ci-control-plane/internal/pipeline"
	"ci-control-plane/internal/webhook"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ExecutionService creates, starts and aborts pipeline executions.
type ExecutionService struct {
	projects    domain.ProjectStore
	executions  domain.ExecutionRepository
	deployments domain.DeploymentRepository
	settings    domain.SettingRepository
	images      *SystemImageCache
	engine      domain.Engine
	providers   *webhook.Registry
	decrypter   crypto.Decrypter
	pipelineDir string

	newID      func() string
	removeFile func(string) error
	clock      domain.Clock

	logger *slog.Logger
	tracer trace.Tracer
}

// ExecutionDeps are the collaborators of an ExecutionService.
type ExecutionDeps struct {
	Projects    domain.ProjectStore
	Executions  domain.ExecutionRepository
	Deployments domain.DeploymentRepository
	Settings    domain.SettingRepository
	Images      *SystemImageCache
	Engine      domain.Engine
	Providers   *webhook.Registry
	Decrypter   crypto.Decrypter
	PipelineDir string
}

// ExecutionOption overrides a default of the ExecutionService.
type ExecutionOption func(*ExecutionService)

// WithIDGenerator replaces the UUID correlation id generator.
func WithIDGenerator(fn func() string) ExecutionOption {
	return func(s *ExecutionService) { s.newID = fn }
}

// WithFileRemover replaces os.Remove for rendered definitions.
func WithFileRemover(fn func(string) error) ExecutionOption {
	return func(s *ExecutionService) { s.removeFile = fn }
}

// WithClock replaces the wall clock.
func WithClock(c domain.Clock) ExecutionOption {
	return func(s *ExecutionService) { s.clock = c }
}

// NewExecutionService creates a new ExecutionService instance.
func NewExecutionService(deps ExecutionDeps, logger *slog.Logger, opts ...ExecutionOption) *ExecutionService {
	s := &ExecutionService{
		projects:    deps.Projects,
		executions:  deps.Executions,
		deployments: deps.Deployments,
		settings:    deps.Settings,
		images:      deps.Images,
		engine:      deps.Engine,
		providers:   deps.Providers,
		decrypter:   deps.Decrypter,
		pipelineDir: deps.PipelineDir,
		newID:       func() string { return uuid.New().String() },
		removeFile:  os.Remove,
		clock:       systemClock{},
		logger:      logger.With("component", "execution-service"),
		tracer:      otel.Tracer("ci-control-plane-usecase"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// pipelineConfig is everything gathered about a project before rendering.
type pipelineConfig struct {
	target         *domain.DeploymentTarget
	targetPassword string
	notifications  []pipeline.Notification
	tasks          []pipeline.Task
	appImage       *pipeline.Image
	imageTag       string
	buildContainer *pipeline.Image
}

// StartExecution turns a commit into a started pipeline. Engine failures are
// recorded on the returned execution, not returned as errors; only failures
// before the row exists and the final save are returned.
func (s *ExecutionService) StartExecution(ctx context.Context, reason domain.ReasonType, project *domain.Project, vcs *domain.Vcs, commit *domain.Commit) (*domain.Execution, error) {
	ctx, span := s.tracer.Start(ctx, "service.StartExecution", trace.WithAttributes(
		attribute.Int64("project.id", int64(project.ID)),
		attribute.String("reason", string(reason)),
	))
	defer span.End()
	logger := s.logger.With("project_id", project.ID, "reason", reason)

	if err := s.checkCreationEnabled(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline creation unavailable")
		return nil, err
	}

	cfg, err := s.gatherConfig(ctx, reason, project, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to gather project configuration")
		return nil, err
	}

	execution := &domain.Execution{
		Name:                commit.Title,
		Message:             commit.Message,
		Result:              domain.ResultInProgress,
		ProjectID:           project.ID,
		ReasonType:          reason,
		ReasonCommitSha:     commit.CommitSha,
		ReasonCommitURL:     commit.CommitURL,
		ReasonCompareURL:    commit.CompareURL,
		ReasonAuthor:        commit.Author,
		ReasonAvatarURL:     commit.AvatarURL,
		ReasonCreatedDate:   commit.Timestamp,
		ConcoursePipelineID: s.newID(),
	}
	if execution.ReasonCreatedDate.IsZero() {
		execution.ReasonCreatedDate = s.clock.Now()
	}
	if err := s.executions.Create(ctx, execution); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create execution")
		return nil, err
	}
	pipelineID := execution.ConcoursePipelineID
	span.SetAttributes(attribute.String("pipeline.id", pipelineID))
	logger = logger.With("execution_id", execution.ID, "pipeline_id", pipelineID)

	if err := s.images.Refresh(ctx); err != nil {
		logger.Warn("failed to refresh system images, using cached values", "error", err)
	}

	req := &pipeline.Request{
		PipelineID:     pipelineID,
		Reason:         reason,
		Project:        project,
		Commit:         commit,
		Target:         cfg.target,
		TargetPassword: cfg.targetPassword,
		Notifications:  cfg.notifications,
		Tasks:          cfg.tasks,
		AppImage:       cfg.appImage,
		BuildContainer: cfg.buildContainer,
		SystemImages:   s.images.Snapshot(),
	}
	if vcs != nil {
		req.VcsKind = vcs.Kind
	}
	if cfg.appImage != nil {
		req.ImageTags = imageTags(reason, project, commit, cfg.imageTag)
	}

	execution.Result = s.startPipeline(ctx, req, logger)
	metrics.ExecutionsStartedTotal.WithLabelValues(string(reason), string(execution.Result)).Inc()

	if err := s.executions.Save(ctx, execution); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save execution")
		return nil, err
	}
	logger.Info("execution started", "result", execution.Result)
	return execution, nil
}

// startPipeline renders the definition, hands it to the engine and removes
// the file. It returns the result to store on the execution.
func (s *ExecutionService) startPipeline(ctx context.Context, req *pipeline.Request, logger *slog.Logger) domain.ExecutionResult {
	def, err := pipeline.Render(req)
	if err != nil {
		logger.Error("failed to render pipeline definition", "error", err)
		return domain.ResultBuildFailed
	}

	path := filepath.Join(s.pipelineDir, req.PipelineID+".yml")
	if err := pipeline.Write(path, def.Config); err != nil {
		logger.Error("failed to write pipeline definition", "error", err)
		return domain.ResultBuildFailed
	}
	defer func() {
		if err := s.removeFile(path); err != nil {
			logger.Warn("failed to remove pipeline definition", "path", path, "error", err)
		}
	}()

	if err := s.engine.StartPipeline(ctx, req.PipelineID, path, def.Vars); err != nil {
		logger.Error("failed to start pipeline", "error", err)
		return domain.ResultBuildFailed
	}
	return domain.ResultEnqueued
}

// checkCreationEnabled is the global kill switch. An unset flag means enabled.
func (s *ExecutionService) checkCreationEnabled(ctx context.Context) error {
	v, err := s.settings.Get(ctx, domain.SettingPipelineCreationEnabled)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read pipeline creation flag: %w", err)
	}
	if v == "0" {
		return domain.NewError(domain.KindMaintenance, "Pipeline creation is disabled for maintenance", nil)
	}
	return nil
}

// gatherConfig loads the project's relations concurrently. Every fetch must
// finish before rendering; the first hard error wins.
func (s *ExecutionService) gatherConfig(ctx context.Context, reason domain.ReasonType, project *domain.Project, logger *slog.Logger) (*pipelineConfig, error) {
	cfg := &pipelineConfig{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		target, err := s.projects.GetDeploymentTarget(gctx, project.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewError(domain.KindValidation, fmt.Sprintf("Project %d has no deployment target", project.ID), err)
		}
		if err != nil {
			return err
		}
		password, err := s.decrypter.Decrypt(target.EncPassword)
		if err != nil {
			return fmt.Errorf("failed to decrypt deployment target password: %w", err)
		}
		cfg.target, cfg.targetPassword = target, password
		return nil
	})

	g.Go(func() error {
		targets, err := s.projects.ListNotificationTargets(gctx, project.ID)
		if err != nil {
			return err
		}
		for _, t := range targets {
			if t.Type == domain.NotifierPRStatus && !reason.IsPullRequest() {
				continue
			}
			token, err := s.decrypter.Decrypt(t.EncToken)
			if err != nil {
				return fmt.Errorf("failed to decrypt token of notification target %d: %w", t.ID, err)
			}
			cfg.notifications = append(cfg.notifications, pipeline.Notification{Type: t.Type, Name: t.Name, URL: t.URL, Token: token})
		}
		return nil
	})

	g.Go(func() error {
		tasks, err := s.projects.ListPipelineTasks(gctx, project.ID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			metadata := map[string]any{}
			if strings.TrimSpace(t.Metadata) != "" {
				if err := json.Unmarshal([]byte(t.Metadata), &metadata); err != nil {
					return fmt.Errorf("failed to decode metadata of pipeline task %d: %w", t.ID, err)
				}
			}
			cfg.tasks = append(cfg.tasks, pipeline.Task{Name: t.Name, Type: t.Type, Position: t.Position, Metadata: metadata})
		}
		return nil
	})

	g.Go(func() error {
		img, err := s.projects.GetApplicationImage(gctx, project.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		password, err := s.decrypter.Decrypt(img.EncPassword)
		if err != nil {
			return fmt.Errorf("failed to decrypt application image password: %w", err)
		}
		cfg.appImage = &pipeline.Image{Repository: img.Repository, Tag: img.Tag, Username: img.Username, Password: password}
		cfg.imageTag = img.Tag
		return nil
	})

	g.Go(func() error {
		c, err := s.projects.GetBuildContainer(gctx, project.ID)
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("project has no build container, using the default builder image")
			return nil
		}
		if err != nil {
			return err
		}
		password, err := s.decrypter.Decrypt(c.EncPassword)
		if err != nil {
			return fmt.Errorf("failed to decrypt build container password: %w", err)
		}
		cfg.buildContainer = &pipeline.Image{Repository: c.Repository, Tag: c.Tag, Username: c.Username, Password: password}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// imageTags computes the tags an application image is pushed with. Pull
// request builds get one deterministic tag per repo, branch and PR number;
// other builds get the commit sha plus the configured tag.
func imageTags(reason domain.ReasonType, project *domain.Project, commit *domain.Commit, configured string) []string {
	if reason.IsPullRequest() {
		repo := project.RepoFullName()
		if commit.HeadRepo != nil && commit.HeadRepo.FullName != "" {
			repo = commit.HeadRepo.FullName
		}
		sum := xxhash.Sum64String(fmt.Sprintf("%s/%s/%d", repo, commit.RepoBranch, commit.Number))
		return []string{fmt.Sprintf("pr-%d-%x", commit.Number, sum)}
	}

	if configured == "" {
		configured = "latest"
	}
	if commit.CommitSha == "" {
		return []string{configured}
	}
	return []string{commit.CommitSha, configured}
}

// AbortExecution stops an execution's pipeline and marks it timed out.
// Engine calls are best-effort; only the final save can fail the call.
func (s *ExecutionService) AbortExecution(ctx context.Context, execution *domain.Execution) error {
	ctx, span := s.tracer.Start(ctx, "service.AbortExecution", trace.WithAttributes(
		attribute.Int64("execution.id", int64(execution.ID)),
		attribute.String("pipeline.id", execution.ConcoursePipelineID),
	))
	defer span.End()

	pipelineID := execution.ConcoursePipelineID
	logger := s.logger.With("execution_id", execution.ID, "pipeline_id", pipelineID)

	if pipelineID != "" {
		jobs, err := s.engine.GetPipelineJobs(ctx)
		if err != nil {
			logger.Warn("failed to list engine jobs before abort", "error", err)
		}
		for _, job := range jobs {
			if job.Pipeline != pipelineID || !job.Status.IsRunning() {
				continue
			}
			if err := s.engine.AbortPipeline(ctx, pipelineID, job.ID); err != nil {
				logger.Warn("failed to abort build", "build", job.ID, "error", err)
			}
		}
		if err := s.engine.DestroyPipeline(ctx, pipelineID); err != nil {
			logger.Warn("failed to destroy pipeline", "error", err)
		}
	}

	execution.Result = domain.ResultTimedOut
	if err := s.executions.Save(ctx, execution); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save aborted execution")
		return err
	}
	logger.Info("execution aborted")
	return nil
}

// AbortByID loads an execution and aborts it.
func (s *ExecutionService) AbortByID(ctx context.Context, id uint) (*domain.Execution, error) {
	execution, err := s.executions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.AbortExecution(ctx, execution); err != nil {
		return nil, err
	}
	return execution, nil
}

// ProcessPRClosed starts the teardown pipeline of a closed pull request and
// removes its preview deployment. The teardown is not rolled back when the
// deployment cannot be removed.
func (s *ExecutionService) ProcessPRClosed(ctx context.Context, project *domain.Project, vcs *domain.Vcs, commit *domain.Commit) (*domain.Execution, error) {
	execution, err := s.StartExecution(ctx, domain.ReasonClosePullRequest, project, vcs, commit)
	if err != nil {
		return nil, err
	}

	deployment, err := s.deployments.FindByPR(ctx, project.ID, commit.Number)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Info("no deployment for closed pull request", "project_id", project.ID, "pr", commit.Number)
		return execution, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.deployments.Delete(ctx, deployment); err != nil {
		return nil, err
	}
	return execution, nil
}

// TriggerManual builds the HEAD of a branch. An empty branch means the
// project's tracked branch.
func (s *ExecutionService) TriggerManual(ctx context.Context, projectID uint, branch, message string) (*domain.Execution, error) {
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	vcs, err := s.projects.GetVcs(ctx, project.VcsID)
	if err != nil {
		return nil, err
	}
	provider, err := s.providers.Get(vcs.Kind)
	if err != nil {
		return nil, err
	}
	token, err := s.decrypter.Decrypt(project.EncToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt project token: %w", err)
	}

	if branch == "" {
		branch = project.Branch
	}
	if message == "" {
		message = "Manual build of " + branch
	}
	commit := &domain.Commit{
		Title:      message,
		Message:    message,
		Author:     "manual",
		Timestamp:  s.clock.Now(),
		RepoBranch: branch,
		BaseBranch: branch,
		CloneURL:   provider.CloneURL(repoCloneURL(vcs, project), token),
	}
	return s.StartExecution(ctx, domain.ReasonManual, project, vcs, commit)
}

var defaultVcsBaseURLs = map[domain.VcsKind]string{
	domain.VcsGitHub:    "https://github.com",
	domain.VcsBitBucket: "https://bitbucket.org",
}

func repoCloneURL(vcs *domain.Vcs, project *domain.Project) string {
	base := vcs.BaseURL
	if base == "" {
		base = defaultVcsBaseURLs[vcs.Kind]
	}
	return strings.TrimRight(base, "/") + "/" + project.RepoFullName() + ".git"
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
