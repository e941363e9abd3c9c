// Package sqlstore implements the domain repositories on a relational store.
package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"ci-control-plane/internal/config"
	"ci-control-plane/internal/domain"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Models lists every table the control plane owns, in migration order.
var Models = []any{
	&domain.Vcs{},
	&domain.Project{},
	&domain.DeploymentTarget{},
	&domain.NotificationTarget{},
	&domain.PipelineTask{},
	&domain.ApplicationImage{},
	&domain.BuildContainer{},
	&domain.Deployment{},
	&domain.SystemImage{},
	&domain.Setting{},
	&domain.Execution{},
	&domain.BuildStep{},
	&domain.Artifact{},
}

// Open connects to MySQL.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	// refer https://github.com/go-sql-driver/mysql#dsn-data-source-name for details
	dsn := fmt.Sprintf(
		"%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username, cfg.Password, cfg.Host, cfg.Name,
	)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return db, nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

type pinger struct {
	db *gorm.DB
}

// NewPinger checks connectivity of the underlying connection pool.
func NewPinger(db *gorm.DB) domain.Pinger {
	return &pinger{db: db}
}

func (p *pinger) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// notFound maps gorm's missing-row error onto the domain sentinel.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
