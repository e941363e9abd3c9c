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

type executionRepository struct {
	db     *gorm.DB
	logger *slog.Logger
	tracer trace.Tracer
}

// NewExecutionRepository creates a repository for execution rows.
func NewExecutionRepository(db *gorm.DB, logger *slog.Logger) domain.ExecutionRepository {
	return &executionRepository{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("ci-control-plane-sql-execution-repo"),
	}
}

func (r *executionRepository) Create(ctx context.Context, execution *domain.Execution) error {
	ctx, span := r.tracer.Start(ctx, "repo.sql.CreateExecution")
	defer span.End()

	if err := execution.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid execution")
		return domain.NewError(domain.KindValidation, "invalid execution", err)
	}
	if err := r.db.WithContext(ctx).Create(execution).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert execution")
		return fmt.Errorf("failed to create execution for project %d: %w", execution.ProjectID, err)
	}
	span.SetAttributes(
		attribute.Int64("execution.id", int64(execution.ID)),
		attribute.String("pipeline.id", execution.ConcoursePipelineID),
	)
	return nil
}

// Save writes every column of the row. There is no version check: the last
// writer wins.
func (r *executionRepository) Save(ctx context.Context, execution *domain.Execution) error {
	ctx, span := r.tracer.Start(ctx, "repo.sql.SaveExecution",
		trace.WithAttributes(attribute.Int64("execution.id", int64(execution.ID))))
	defer span.End()

	if err := r.db.WithContext(ctx).Save(execution).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save execution")
		return fmt.Errorf("failed to save execution %d: %w", execution.ID, err)
	}
	return nil
}

func (r *executionRepository) Get(ctx context.Context, id uint) (*domain.Execution, error) {
	ctx, span := r.tracer.Start(ctx, "repo.sql.GetExecution",
		trace.WithAttributes(attribute.Int64("execution.id", int64(id))))
	defer span.End()

	var execution domain.Execution
	if err := r.db.WithContext(ctx).First(&execution, id).Error; err != nil {
		span.RecordError(err)
		return nil, notFound(err, "failed to get execution %d", id)
	}
	return &execution, nil
}

func (r *executionRepository) FindByIDs(ctx context.Context, ids []uint) ([]*domain.Execution, error) {
	ctx, span := r.tracer.Start(ctx, "repo.sql.FindExecutions",
		trace.WithAttributes(attribute.Int("ids", len(ids))))
	defer span.End()

	var executions []*domain.Execution
	if len(ids) == 0 {
		return executions, nil
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&executions).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find executions")
		return nil, fmt.Errorf("failed to find executions: %w", err)
	}
	return executions, nil
}

func (r *executionRepository) ListActiveIDs(ctx context.Context) ([]uint, error) {
	ctx, span := r.tracer.Start(ctx, "repo.sql.ListActiveExecutionIDs")
	defer span.End()

	db := r.db.WithContext(ctx)
	terminal := db.Model(&domain.BuildStep{}).
		Select("build_id").
		Where("name = ? OR state = ?", domain.StepPipelineCompleted, domain.StepStateFailed)

	var ids []uint
	err := db.Model(&domain.Execution{}).
		Where("id NOT IN (?)", terminal).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list active executions")
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}
	span.SetAttributes(attribute.Int("active", len(ids)))
	return ids, nil
}
