package sqlstore

import (
	"context"
	"fmt"
	"log/slog"

	"ci-control-plane/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type buildStepRepository struct {
	db     *gorm.DB
	logger *slog.Logger
	tracer trace.Tracer
}

// NewBuildStepRepository creates a repository for build steps.
func NewBuildStepRepository(db *gorm.DB, logger *slog.Logger) domain.BuildStepRepository {
	return &buildStepRepository{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("ci-control-plane-sql-build-step-repo"),
	}
}

func (r *buildStepRepository) Create(ctx context.Context, step *domain.BuildStep) error {
	ctx, span := r.tracer.Start(ctx, "repo.sql.CreateBuildStep",
		trace.WithAttributes(attribute.Int64("execution.id", int64(step.BuildID)), attribute.String("step.name", step.Name)))
	defer span.End()

	if err := r.db.WithContext(ctx).Create(step).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert build step")
		return fmt.Errorf("failed to create build step %q for execution %d: %w", step.Name, step.BuildID, err)
	}
	return nil
}

func (r *buildStepRepository) Save(ctx context.Context, step *domain.BuildStep) error {
	ctx, span := r.tracer.Start(ctx, "repo.sql.SaveBuildStep")
	defer span.End()

	if err := r.db.WithContext(ctx).Save(step).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save build step")
		return fmt.Errorf("failed to save build step %d: %w", step.ID, err)
	}
	return nil
}

func (r *buildStepRepository) FindByName(ctx context.Context, buildID uint, name string) (*domain.BuildStep, error) {
	ctx, span := r.tracer.Start(ctx, "repo.sql.FindBuildStep")
	defer span.End()

	var step domain.BuildStep
	err := r.db.WithContext(ctx).
		Where("build_id = ? AND name = ?", buildID, name).
		Order("id DESC").
		First(&step).Error
	if err != nil {
		span.RecordError(err)
		return nil, notFound(err, "failed to find build step %q for execution %d", name, buildID)
	}
	return &step, nil
}

type artifactRepository struct {
	db     *gorm.DB
	tracer trace.Tracer
}

// NewArtifactRepository creates a repository for stored artifacts.
func NewArtifactRepository(db *gorm.DB) domain.ArtifactRepository {
	return &artifactRepository{db: db, tracer: otel.Tracer("ci-control-plane-sql-artifact-repo")}
}

func (r *artifactRepository) Create(ctx context.Context, artifact *domain.Artifact) error {
	ctx, span := r.tracer.Start(ctx, "repo.sql.CreateArtifact")
	defer span.End()

	if err := r.db.WithContext(ctx).Create(artifact).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert artifact")
		return fmt.Errorf("failed to create artifact %q: %w", artifact.Name, err)
	}
	return nil
}
