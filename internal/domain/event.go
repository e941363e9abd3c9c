package domain

import "time"

// ReasonType records why an execution was created.
type ReasonType string

const (
	ReasonPush             ReasonType = "push"
	ReasonPullRequest      ReasonType = "pull_request"
	ReasonManual           ReasonType = "manual"
	ReasonClosePullRequest ReasonType = "close_pull_request"
)

// IsPullRequest reports whether the reason belongs to a pull request lifecycle.
func (r ReasonType) IsPullRequest() bool {
	return r == ReasonPullRequest || r == ReasonClosePullRequest
}

// FriendlyEventType is the provider-independent classification of a webhook event.
type FriendlyEventType string

const (
	EventPush       FriendlyEventType = "PUSH"
	EventPROpened   FriendlyEventType = "PR_OPENED"
	EventPRUpdated  FriendlyEventType = "PR_UPDATED"
	EventPRReopened FriendlyEventType = "PR_REOPENED"
	EventPRClosed   FriendlyEventType = "PR_CLOSED"
)

// RepoRef describes one side of a pull request.
type RepoRef struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    string `json:"owner"`
	CloneURL string `json:"clone_url"`
	HTMLURL  string `json:"html_url"`
}

// Commit is the normalized view of the change a webhook reports.
// It lives for a single webhook call.
type Commit struct {
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	CommitSha  string    `json:"commit_sha"`
	CommitURL  string    `json:"commit_url"`
	CompareURL string    `json:"compare_url"`
	Author     string    `json:"author"`
	AvatarURL  string    `json:"avatar_url"`
	Timestamp  time.Time `json:"timestamp"`
	RepoBranch string    `json:"repo_branch"`
	BaseBranch string    `json:"base_branch"`
	Number     int       `json:"number,omitempty"`
	BaseRepo   *RepoRef  `json:"base_repo,omitempty"`
	HeadRepo   *RepoRef  `json:"head_repo,omitempty"`
	CloneURL   string    `json:"clone_url,omitempty"`
}

// IsPullRequest reports whether the commit carries a pull request number.
func (c *Commit) IsPullRequest() bool {
	return c.Number > 0
}
