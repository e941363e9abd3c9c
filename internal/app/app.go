// Package app wires the control plane's components from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"ci-control-plane/internal/config"
	"ci-control-plane/internal/crypto"
	"ci-control-plane/internal/domain"
	"ci-control-plane/internal/infra/concourse"
	"ci-control-plane/internal/infra/etcd"
	"ci-control-plane/internal/infra/shell"
	"ci-control-plane/internal/infra/sqlstore"
	"ci-control-plane/internal/scheduler"
	"ci-control-plane/internal/usecase"
	"ci-control-plane/internal/webhook"

	clientv3 "go.etcd.io/etcd/client/v3"
	"gorm.io/gorm"
)

// App holds the wired services and the resources they share.
type App struct {
	DB         *gorm.DB
	Pinger     domain.Pinger
	Engine     *concourse.Client
	Executions *usecase.ExecutionService
	Dispatch   *usecase.DispatchService
	Watchdog   *usecase.WatchdogService

	etcdClient *clientv3.Client
}

var openStore = sqlstore.Open

// NewLogger builds the JSON logger at the configured level.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func newDecrypter(cfg config.SecurityConfig) (crypto.Decrypter, error) {
	if cfg.AESKey == "" {
		return crypto.Plaintext{}, nil
	}
	aes, err := crypto.NewAes(cfg.AESKey)
	if err != nil {
		return nil, fmt.Errorf("invalid security.aes_key: %w", err)
	}
	return aes, nil
}

// New opens the store, the optional etcd client and the engine client and
// builds every service on top of them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	decrypter, err := newDecrypter(cfg.Security)
	if err != nil {
		return nil, err
	}

	db, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{DB: db, Pinger: sqlstore.NewPinger(db)}

	if cfg.Database.AutoMigrate {
		if err := sqlstore.Migrate(db); err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("database schema migrated")
	}

	if err := os.MkdirAll(cfg.Pipeline.Dir, 0o700); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create pipeline dir %s: %w", cfg.Pipeline.Dir, err)
	}

	a.Engine = concourse.NewClient(concourse.Config{
		URL:      cfg.Concourse.URL,
		Team:     cfg.Concourse.Team,
		Target:   cfg.Concourse.Target,
		Username: cfg.Concourse.Username,
		Password: cfg.Concourse.Password,
		FlyPath:  cfg.Concourse.FlyPath,
	}, shell.NewRunner(logger), logger)
	if err := a.Engine.LoginAndSync(ctx); err != nil {
		// the first command's relogin retries this
		logger.Warn("initial engine login failed", "error", err)
	}

	providers := webhook.NewRegistry(webhook.NewGitHub(logger), webhook.NewBitBucket(logger))
	projects := sqlstore.NewProjectStore(db)
	executions := sqlstore.NewExecutionRepository(db, logger)

	a.Executions = usecase.NewExecutionService(usecase.ExecutionDeps{
		Projects:    projects,
		Executions:  executions,
		Deployments: sqlstore.NewDeploymentRepository(db),
		Settings:    sqlstore.NewSettingRepository(db),
		Images:      usecase.NewSystemImageCache(sqlstore.NewSystemImageRepository(db), decrypter),
		Engine:      a.Engine,
		Providers:   providers,
		Decrypter:   decrypter,
		PipelineDir: cfg.Pipeline.Dir,
	}, logger)

	a.Dispatch = usecase.NewDispatchService(projects, providers, a.Executions, decrypter, logger,
		usecase.WithPublicURL(cfg.PublicURL))

	var locker domain.Locker
	if len(cfg.EtcdEndpoints) > 0 {
		a.etcdClient, err = etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			a.Close()
			return nil, err
		}
		locker = etcd.NewLocker(a.etcdClient, logger)
		logger.Info("connected to etcd, watchdog runs are coordinated across replicas")
	}

	a.Watchdog = usecase.NewWatchdogService(usecase.WatchdogDeps{
		Guard:      &scheduler.RunGuard{},
		Locker:     locker,
		LockName:   cfg.Watchdog.LockName,
		Pinger:     a.Pinger,
		Executions: executions,
		Steps:      sqlstore.NewBuildStepRepository(db, logger),
		Artifacts:  sqlstore.NewArtifactRepository(db),
		Engine:     a.Engine,
		Aborter:    a.Executions,
		Timeout:    cfg.Watchdog.ExecutionTimeout,
	}, logger)

	return a, nil
}

// ScheduleWatchdog registers the reconciler on s with the configured schedule.
func (a *App) ScheduleWatchdog(s *scheduler.CronScheduler, schedule string) error {
	return s.AddTask("watchdog", schedule, func(ctx context.Context) error {
		_, err := a.Watchdog.Reconcile(ctx)
		return err
	})
}

// Close releases the store and etcd connections.
func (a *App) Close() {
	if a.etcdClient != nil {
		_ = a.etcdClient.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
