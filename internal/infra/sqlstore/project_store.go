package sqlstore

import (
	"context"
	"fmt"

	"ci-control-plane/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type projectStore struct {
	db     *gorm.DB
	tracer trace.Tracer
}

// NewProjectStore creates the accessor over projects and their relations.
func NewProjectStore(db *gorm.DB) domain.ProjectStore {
	return &projectStore{db: db, tracer: otel.Tracer("ci-control-plane-sql-project-store")}
}

// first loads one row matching query into dest.
func (s *projectStore) first(ctx context.Context, span, what string, dest any, query string, args ...any) error {
	ctx, sp := s.tracer.Start(ctx, span)
	defer sp.End()

	if err := s.db.WithContext(ctx).Where(query, args...).First(dest).Error; err != nil {
		sp.RecordError(err)
		return notFound(err, "failed to get %s", what)
	}
	return nil
}

func (s *projectStore) GetProject(ctx context.Context, id uint) (*domain.Project, error) {
	var p domain.Project
	if err := s.first(ctx, "repo.sql.GetProject", fmt.Sprintf("project %d", id), &p, "id = ?", id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *projectStore) GetVcs(ctx context.Context, id uint) (*domain.Vcs, error) {
	var v domain.Vcs
	if err := s.first(ctx, "repo.sql.GetVcs", fmt.Sprintf("vcs %d", id), &v, "id = ?", id); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *projectStore) GetDeploymentTarget(ctx context.Context, projectID uint) (*domain.DeploymentTarget, error) {
	var t domain.DeploymentTarget
	what := fmt.Sprintf("deployment target of project %d", projectID)
	if err := s.first(ctx, "repo.sql.GetDeploymentTarget", what, &t, "project_id = ?", projectID); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *projectStore) ListNotificationTargets(ctx context.Context, projectID uint) ([]*domain.NotificationTarget, error) {
	ctx, span := s.tracer.Start(ctx, "repo.sql.ListNotificationTargets")
	defer span.End()

	var targets []*domain.NotificationTarget
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("id").Find(&targets).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list notification targets of project %d: %w", projectID, err)
	}
	return targets, nil
}

func (s *projectStore) ListPipelineTasks(ctx context.Context, projectID uint) ([]*domain.PipelineTask, error) {
	ctx, span := s.tracer.Start(ctx, "repo.sql.ListPipelineTasks")
	defer span.End()

	var tasks []*domain.PipelineTask
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("position, id").Find(&tasks).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list pipeline tasks of project %d: %w", projectID, err)
	}
	return tasks, nil
}

func (s *projectStore) GetApplicationImage(ctx context.Context, projectID uint) (*domain.ApplicationImage, error) {
	var img domain.ApplicationImage
	what := fmt.Sprintf("application image of project %d", projectID)
	if err := s.first(ctx, "repo.sql.GetApplicationImage", what, &img, "project_id = ?", projectID); err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *projectStore) GetBuildContainer(ctx context.Context, projectID uint) (*domain.BuildContainer, error) {
	var c domain.BuildContainer
	what := fmt.Sprintf("build container of project %d", projectID)
	if err := s.first(ctx, "repo.sql.GetBuildContainer", what, &c, "project_id = ?", projectID); err != nil {
		return nil, err
	}
	return &c, nil
}

type deploymentRepository struct {
	db *gorm.DB
}

// NewDeploymentRepository creates a repository for deployments.
func NewDeploymentRepository(db *gorm.DB) domain.DeploymentRepository {
	return &deploymentRepository{db: db}
}

func (r *deploymentRepository) FindByPR(ctx context.Context, projectID uint, prNumber int) (*domain.Deployment, error) {
	var d domain.Deployment
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND pr_number = ?", projectID, prNumber).
		First(&d).Error
	if err != nil {
		return nil, notFound(err, "failed to find deployment of project %d for PR %d", projectID, prNumber)
	}
	return &d, nil
}

func (r *deploymentRepository) Delete(ctx context.Context, deployment *domain.Deployment) error {
	if err := r.db.WithContext(ctx).Delete(deployment).Error; err != nil {
		return fmt.Errorf("failed to delete deployment %d: %w", deployment.ID, err)
	}
	return nil
}

type settingRepository struct {
	db *gorm.DB
}

// NewSettingRepository creates a reader over persisted settings.
func NewSettingRepository(db *gorm.DB) domain.SettingRepository {
	return &settingRepository{db: db}
}

func (r *settingRepository) Get(ctx context.Context, key string) (string, error) {
	var s domain.Setting
	if err := r.db.WithContext(ctx).Where(&domain.Setting{Key: key}).First(&s).Error; err != nil {
		return "", notFound(err, "failed to get setting %q", key)
	}
	return s.Value, nil
}

type systemImageRepository struct {
	db *gorm.DB
}

// NewSystemImageRepository creates a reader over the control plane's images.
func NewSystemImageRepository(db *gorm.DB) domain.SystemImageRepository {
	return &systemImageRepository{db: db}
}

func (r *systemImageRepository) List(ctx context.Context) ([]*domain.SystemImage, error) {
	var images []*domain.SystemImage
	if err := r.db.WithContext(ctx).Order("name").Find(&images).Error; err != nil {
		return nil, fmt.Errorf("failed to list system images: %w", err)
	}
	return images, nil
}
