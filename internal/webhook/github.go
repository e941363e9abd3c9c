package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"ci-control-plane/internal/domain"

	"github.com/google/go-github/v35/github"
)

const (
	githubEventHeader     = "X-Github-Event"
	githubSignatureHeader = "X-Hub-Signature"

	githubPush        = "push"
	githubPullRequest = "pull_request"

	branchRefPrefix = "refs/heads/"
)

var githubPRActions = map[string]domain.FriendlyEventType{
	"opened":      domain.EventPROpened,
	"synchronize": domain.EventPRUpdated,
	"reopened":    domain.EventPRReopened,
	"closed":      domain.EventPRClosed,
}

// GitHub normalizes GitHub webhooks.
type GitHub struct {
	logger *slog.Logger
}

// NewGitHub creates the GitHub provider.
func NewGitHub(logger *slog.Logger) *GitHub {
	return &GitHub{logger: logger.With("component", "webhook-github")}
}

var _ Provider = (*GitHub)(nil)

func (g *GitHub) Kind() domain.VcsKind { return domain.VcsGitHub }

func (g *GitHub) Accepts(header http.Header, body []byte) (*Delivery, bool) {
	event := header.Get(githubEventHeader)
	if event == "" {
		return nil, false
	}
	return &Delivery{
		Provider:  domain.VcsGitHub,
		EventType: event,
		Signature: header.Get(githubSignatureHeader),
		Body:      body,
	}, true
}

func (g *GitHub) decode(d *Delivery) (any, error) {
	if !d.decoded {
		d.payload, d.err = github.ParseWebHook(d.EventType, d.Body)
		d.decoded = true
	}
	return d.payload, d.err
}

// IsSupportedEvent accepts branch pushes and the pull request actions that
// open, update, reopen or close a PR. Pings and branch deletions are not
// supported.
func (g *GitHub) IsSupportedEvent(d *Delivery) bool {
	if d.EventType != githubPush && d.EventType != githubPullRequest {
		return false
	}
	payload, err := g.decode(d)
	if err != nil {
		return false
	}
	switch e := payload.(type) {
	case *github.PushEvent:
		return !e.GetDeleted()
	case *github.PullRequestEvent:
		_, ok := githubPRActions[e.GetAction()]
		return ok
	}
	return false
}

// IsValidIdentity checks the HMAC-SHA1 signature of the raw body against
// the project's webhook secret.
func (g *GitHub) IsValidIdentity(d *Delivery, project *domain.Project, secret string) bool {
	sig, ok := strings.CutPrefix(d.Signature, "sha1=")
	if !ok || secret == "" {
		g.logger.Warn("missing webhook signature or secret", "project_id", project.ID)
		return false
	}
	provided, err := hex.DecodeString(sig)
	if err != nil {
		g.logger.Warn("malformed webhook signature", "project_id", project.ID)
		return false
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(d.Body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		g.logger.Warn("webhook signature mismatch", "project_id", project.ID)
		return false
	}
	return true
}

func (g *GitHub) IsValidPayload(d *Delivery) bool {
	payload, err := g.decode(d)
	if err != nil {
		g.logger.Warn("undecodable payload", "event", d.EventType, "error", err)
		return false
	}

	switch e := payload.(type) {
	case *github.PushEvent:
		head := e.GetHeadCommit()
		if e.GetRef() == "" || head == nil || head.GetID() == "" || e.GetRepo().GetCloneURL() == "" {
			g.logger.Warn("push payload missing ref, head commit or repository")
			return false
		}
		return true
	case *github.PullRequestEvent:
		pr := e.GetPullRequest()
		if pr == nil || e.GetNumber() == 0 {
			g.logger.Warn("pull request payload missing pull_request or number")
			return false
		}
		head, base := pr.GetHead(), pr.GetBase()
		if head.GetRef() == "" || head.GetSHA() == "" || base.GetRef() == "" || head.GetRepo().GetCloneURL() == "" {
			g.logger.Warn("pull request payload missing head or base", "number", e.GetNumber())
			return false
		}
		return true
	}
	g.logger.Warn("unexpected payload type", "event", d.EventType)
	return false
}

// IsValidBranch compares the pushed branch, or a PR's base branch, with the
// branch the project tracks.
func (g *GitHub) IsValidBranch(d *Delivery, project *domain.Project) bool {
	payload, err := g.decode(d)
	if err != nil {
		return false
	}
	switch e := payload.(type) {
	case *github.PushEvent:
		ref := e.GetRef()
		return strings.HasPrefix(ref, branchRefPrefix) && strings.TrimPrefix(ref, branchRefPrefix) == project.Branch
	case *github.PullRequestEvent:
		return e.GetPullRequest().GetBase().GetRef() == project.Branch
	}
	return false
}

func (g *GitHub) ExtractCommit(d *Delivery, token string) (*domain.Commit, error) {
	payload, err := g.decode(d)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", d.EventType, err)
	}

	switch e := payload.(type) {
	case *github.PushEvent:
		head := e.GetHeadCommit()
		branch := strings.TrimPrefix(e.GetRef(), branchRefPrefix)
		author := head.GetAuthor().GetName()
		if author == "" {
			author = e.GetSender().GetLogin()
		}
		return &domain.Commit{
			Title:      firstLine(head.GetMessage()),
			Message:    head.GetMessage(),
			CommitSha:  head.GetID(),
			CommitURL:  head.GetURL(),
			CompareURL: e.GetCompare(),
			Author:     author,
			AvatarURL:  e.GetSender().GetAvatarURL(),
			Timestamp:  head.GetTimestamp().Time,
			RepoBranch: branch,
			BaseBranch: branch,
			CloneURL:   g.CloneURL(e.GetRepo().GetCloneURL(), token),
		}, nil

	case *github.PullRequestEvent:
		pr := e.GetPullRequest()
		head, base := pr.GetHead(), pr.GetBase()
		return &domain.Commit{
			Title:      pr.GetTitle(),
			Message:    pr.GetBody(),
			CommitSha:  head.GetSHA(),
			CommitURL:  pr.GetHTMLURL(),
			CompareURL: pr.GetHTMLURL() + "/files",
			Author:     pr.GetUser().GetLogin(),
			AvatarURL:  pr.GetUser().GetAvatarURL(),
			Timestamp:  pr.GetUpdatedAt(),
			RepoBranch: head.GetRef(),
			BaseBranch: base.GetRef(),
			Number:     e.GetNumber(),
			BaseRepo:   githubRepoRef(base.GetRepo()),
			HeadRepo:   githubRepoRef(head.GetRepo()),
			CloneURL:   g.CloneURL(head.GetRepo().GetCloneURL(), token),
		}, nil
	}
	return nil, domain.NewError(domain.KindInternal, fmt.Sprintf("cannot extract commit from %q event", d.EventType), nil)
}

func githubRepoRef(r *github.Repository) *domain.RepoRef {
	if r == nil {
		return nil
	}
	return &domain.RepoRef{
		Name:     r.GetName(),
		FullName: r.GetFullName(),
		Owner:    r.GetOwner().GetLogin(),
		CloneURL: r.GetCloneURL(),
		HTMLURL:  r.GetHTMLURL(),
	}
}

func (g *GitHub) FriendlyEventType(d *Delivery) (domain.FriendlyEventType, error) {
	if d.EventType == githubPush {
		return domain.EventPush, nil
	}
	payload, err := g.decode(d)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s payload: %w", d.EventType, err)
	}
	if e, ok := payload.(*github.PullRequestEvent); ok {
		if t, ok := githubPRActions[e.GetAction()]; ok {
			return t, nil
		}
		return "", fmt.Errorf("unhandled pull request action %q", e.GetAction())
	}
	return "", fmt.Errorf("unhandled event %q", d.EventType)
}

// CloneURL embeds the token as the userinfo of an https clone URL.
func (g *GitHub) CloneURL(httpURL, token string) string {
	return withUserinfo(httpURL, token, url.User(token))
}

func (g *GitHub) WebhookURL(publicURL string, project *domain.Project) string {
	return hookURL(publicURL, project)
}

func (g *GitHub) IsPullRequest(eventType string) bool {
	return eventType == githubPullRequest
}

func withUserinfo(httpURL, token string, user *url.Userinfo) string {
	if token == "" || httpURL == "" {
		return httpURL
	}
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	u.User = user
	return u.String()
}
