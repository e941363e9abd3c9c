package domain

import (
	"context"
	"time"
)

// VcsKind tags the source-control provider a project is linked to.
type VcsKind string

const (
	VcsGitHub    VcsKind = "github"
	VcsBitBucket VcsKind = "bitbucket"
)

// Project is the configuration root of everything a pipeline is built from.
// Secrets are stored encrypted and decrypted on use.
type Project struct {
	ID               uint   `json:"id" gorm:"primaryKey"`
	Name             string `json:"name"`
	VcsID            uint   `json:"vcs_id"`
	RepoOwner        string `json:"repo_owner"`
	RepoName         string `json:"repo_name"`
	Branch           string `json:"branch"`
	WebhookID        string `json:"webhook_id"`
	EncWebhookSecret string `json:"-" gorm:"column:webhook_secret"`
	EncToken         string `json:"-" gorm:"column:token"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RepoFullName returns "owner/name".
func (p *Project) RepoFullName() string {
	return p.RepoOwner + "/" + p.RepoName
}

// Vcs is the provider linkage row of a project.
type Vcs struct {
	ID      uint    `json:"id" gorm:"primaryKey"`
	Kind    VcsKind `json:"kind" gorm:"size:32"`
	Name    string  `json:"name"`
	BaseURL string  `json:"base_url"`
}

func (Vcs) TableName() string { return "vcs" }

// DeploymentTarget is where a project's pipeline deploys to.
type DeploymentTarget struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	ProjectID   uint   `json:"project_id" gorm:"uniqueIndex"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	Org         string `json:"org"`
	Space       string `json:"space"`
	Username    string `json:"username"`
	EncPassword string `json:"-" gorm:"column:password"`
}

// Notification target types. PR-status notifiers only apply to PR events.
const (
	NotifierSlack    = "slack"
	NotifierFlowdock = "flowdock"
	NotifierPRStatus = "pr_status"
)

// NotificationTarget receives pipeline status updates.
type NotificationTarget struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	ProjectID uint   `json:"project_id" gorm:"index"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	EncToken  string `json:"-" gorm:"column:token"`
}

// PipelineTask is a post-deploy task; Metadata holds JSON.
type PipelineTask struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	ProjectID uint   `json:"project_id" gorm:"index"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Position  int    `json:"position"`
	Metadata  string `json:"metadata" gorm:"type:text"`
}

// ApplicationImage is the registry image a project's build publishes.
type ApplicationImage struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	ProjectID   uint   `json:"project_id" gorm:"uniqueIndex"`
	Repository  string `json:"repository"`
	Tag         string `json:"tag"`
	Username    string `json:"username"`
	EncPassword string `json:"-" gorm:"column:password"`
}

// BuildContainer is the image the build and test steps run in.
type BuildContainer struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	ProjectID   uint   `json:"project_id" gorm:"uniqueIndex"`
	Repository  string `json:"repository"`
	Tag         string `json:"tag"`
	Username    string `json:"username"`
	EncPassword string `json:"-" gorm:"column:password"`
}

// Deployment is a live deployment, keyed by PR number for preview environments.
type Deployment struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	ProjectID uint   `json:"project_id" gorm:"index"`
	PRNumber  int    `json:"pr_number" gorm:"index"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	CreatedAt time.Time
}

// SystemImage is a worker or notifier image the control plane itself uses.
type SystemImage struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	Name        string `json:"name" gorm:"uniqueIndex;size:128"`
	Repository  string `json:"repository"`
	Tag         string `json:"tag"`
	Username    string `json:"username"`
	EncPassword string `json:"-" gorm:"column:password"`
}

// Setting is a persisted key/value flag.
type Setting struct {
	Key   string `gorm:"primaryKey;size:128"`
	Value string
}

// SettingPipelineCreationEnabled is the global kill-switch for new executions.
const SettingPipelineCreationEnabled = "pipeline_creation_enabled"

// ProjectStore is the accessor surface over a project and its relations.
// Single-row getters return ErrNotFound when the relation is absent.
type ProjectStore interface {
	GetProject(ctx context.Context, id uint) (*Project, error)
	GetVcs(ctx context.Context, id uint) (*Vcs, error)
	GetDeploymentTarget(ctx context.Context, projectID uint) (*DeploymentTarget, error)
	ListNotificationTargets(ctx context.Context, projectID uint) ([]*NotificationTarget, error)
	ListPipelineTasks(ctx context.Context, projectID uint) ([]*PipelineTask, error)
	GetApplicationImage(ctx context.Context, projectID uint) (*ApplicationImage, error)
	GetBuildContainer(ctx context.Context, projectID uint) (*BuildContainer, error)
}

// DeploymentRepository manages deployment rows.
type DeploymentRepository interface {
	FindByPR(ctx context.Context, projectID uint, prNumber int) (*Deployment, error)
	Delete(ctx context.Context, deployment *Deployment) error
}

// SettingRepository reads persisted flags. Get returns ErrNotFound for unset keys.
type SettingRepository interface {
	Get(ctx context.Context, key string) (string, error)
}

// SystemImageRepository lists the control plane's own images.
type SystemImageRepository interface {
	List(ctx context.Context) ([]*SystemImage, error)
}

// Pinger checks store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
