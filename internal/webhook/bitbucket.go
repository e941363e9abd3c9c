package webhook

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ci-control-plane/internal/domain"
)

const (
	bitbucketEventHeader = "X-Event-Key"
	bitbucketHookHeader  = "X-Hook-Uuid"

	bitbucketPush = "repo:push"
)

var bitbucketPREvents = map[string]domain.FriendlyEventType{
	"pullrequest:created":   domain.EventPROpened,
	"pullrequest:updated":   domain.EventPRUpdated,
	"pullrequest:fulfilled": domain.EventPRClosed,
	"pullrequest:rejected":  domain.EventPRClosed,
}

type bbLink struct {
	Href string `json:"href"`
}

type bbUser struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Links       struct {
		Avatar bbLink `json:"avatar"`
	} `json:"links"`
}

func (u *bbUser) name() string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return u.DisplayName
}

func (u *bbUser) avatar() string {
	if u == nil {
		return ""
	}
	return u.Links.Avatar.Href
}

type bbRepository struct {
	Name     string  `json:"name"`
	FullName string  `json:"full_name"`
	Owner    *bbUser `json:"owner"`
	Links    struct {
		HTML bbLink `json:"html"`
	} `json:"links"`
}

func (r *bbRepository) htmlURL() string {
	if r == nil {
		return ""
	}
	return r.Links.HTML.Href
}

func (r *bbRepository) ref() *domain.RepoRef {
	if r == nil {
		return nil
	}
	return &domain.RepoRef{
		Name:     r.Name,
		FullName: r.FullName,
		Owner:    r.Owner.name(),
		CloneURL: bitbucketCloneURL(r.htmlURL()),
		HTMLURL:  r.htmlURL(),
	}
}

type bbCommit struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Date    time.Time `json:"date"`
	Author  struct {
		Raw  string  `json:"raw"`
		User *bbUser `json:"user"`
	} `json:"author"`
	Links struct {
		HTML bbLink `json:"html"`
	} `json:"links"`
}

type bbChange struct {
	New *struct {
		Type   string    `json:"type"`
		Name   string    `json:"name"`
		Target *bbCommit `json:"target"`
	} `json:"new"`
	Links struct {
		HTML bbLink `json:"html"`
	} `json:"links"`
}

type bbEndpoint struct {
	Branch *struct {
		Name string `json:"name"`
	} `json:"branch"`
	Commit *struct {
		Hash string `json:"hash"`
	} `json:"commit"`
	Repository *bbRepository `json:"repository"`
}

func (e *bbEndpoint) branch() string {
	if e == nil || e.Branch == nil {
		return ""
	}
	return e.Branch.Name
}

func (e *bbEndpoint) hash() string {
	if e == nil || e.Commit == nil {
		return ""
	}
	return e.Commit.Hash
}

type bbPullRequest struct {
	ID          int         `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	UpdatedOn   time.Time   `json:"updated_on"`
	Author      *bbUser     `json:"author"`
	Source      *bbEndpoint `json:"source"`
	Destination *bbEndpoint `json:"destination"`
	Links       struct {
		HTML bbLink `json:"html"`
	} `json:"links"`
}

type bbPayload struct {
	Actor       *bbUser        `json:"actor"`
	Repository  *bbRepository  `json:"repository"`
	PullRequest *bbPullRequest `json:"pullrequest"`
	Push        *struct {
		Changes []bbChange `json:"changes"`
	} `json:"push"`
}

// change returns the first branch update of a push, or nil.
func (p *bbPayload) change() *bbChange {
	if p.Push == nil || len(p.Push.Changes) == 0 {
		return nil
	}
	c := &p.Push.Changes[0]
	if c.New == nil || c.New.Type != "branch" {
		return nil
	}
	return c
}

// BitBucket normalizes Bitbucket Cloud webhooks.
type BitBucket struct {
	logger *slog.Logger
}

// NewBitBucket creates the BitBucket provider.
func NewBitBucket(logger *slog.Logger) *BitBucket {
	return &BitBucket{logger: logger.With("component", "webhook-bitbucket")}
}

var _ Provider = (*BitBucket)(nil)

func (b *BitBucket) Kind() domain.VcsKind { return domain.VcsBitBucket }

func (b *BitBucket) Accepts(header http.Header, body []byte) (*Delivery, bool) {
	event := header.Get(bitbucketEventHeader)
	if event == "" {
		return nil, false
	}
	return &Delivery{
		Provider:  domain.VcsBitBucket,
		EventType: event,
		HookUUID:  header.Get(bitbucketHookHeader),
		Body:      body,
	}, true
}

func (b *BitBucket) decode(d *Delivery) (*bbPayload, error) {
	if !d.decoded {
		var p bbPayload
		d.err = json.Unmarshal(d.Body, &p)
		d.payload = &p
		d.decoded = true
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.payload.(*bbPayload), nil
}

func (b *BitBucket) IsSupportedEvent(d *Delivery) bool {
	if _, ok := bitbucketPREvents[d.EventType]; ok {
		return true
	}
	if d.EventType != bitbucketPush {
		return false
	}
	p, err := b.decode(d)
	return err == nil && p.change() != nil
}

// IsValidIdentity matches the hook UUID header against the webhook id
// stored when the hook was registered. Bitbucket sends UUIDs in braces.
func (b *BitBucket) IsValidIdentity(d *Delivery, project *domain.Project, _ string) bool {
	got := strings.Trim(d.HookUUID, "{}")
	want := strings.Trim(project.WebhookID, "{}")
	if got == "" || got != want {
		b.logger.Warn("webhook uuid mismatch", "project_id", project.ID)
		return false
	}
	return true
}

func (b *BitBucket) IsValidPayload(d *Delivery) bool {
	p, err := b.decode(d)
	if err != nil {
		b.logger.Warn("undecodable payload", "event", d.EventType, "error", err)
		return false
	}
	if p.Repository == nil || p.Repository.htmlURL() == "" {
		b.logger.Warn("payload missing repository", "event", d.EventType)
		return false
	}

	if d.EventType == bitbucketPush {
		c := p.change()
		if c == nil || c.New.Name == "" || c.New.Target == nil || c.New.Target.Hash == "" {
			b.logger.Warn("push payload missing branch change")
			return false
		}
		return true
	}

	pr := p.PullRequest
	if pr == nil || pr.ID == 0 || pr.Source.branch() == "" || pr.Source.hash() == "" || pr.Destination.branch() == "" {
		b.logger.Warn("pull request payload missing source or destination", "event", d.EventType)
		return false
	}
	return true
}

func (b *BitBucket) IsValidBranch(d *Delivery, project *domain.Project) bool {
	p, err := b.decode(d)
	if err != nil {
		return false
	}
	if d.EventType == bitbucketPush {
		c := p.change()
		return c != nil && c.New.Name == project.Branch
	}
	return p.PullRequest != nil && p.PullRequest.Destination.branch() == project.Branch
}

func (b *BitBucket) ExtractCommit(d *Delivery, token string) (*domain.Commit, error) {
	p, err := b.decode(d)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", d.EventType, err)
	}
	repoURL := p.Repository.htmlURL()

	if d.EventType == bitbucketPush {
		c := p.change()
		if c == nil {
			return nil, domain.NewError(domain.KindInternal, "push payload has no branch change", nil)
		}
		target := c.New.Target
		author := target.Author.User.name()
		if author == "" {
			author = target.Author.Raw
		}
		return &domain.Commit{
			Title:      firstLine(target.Message),
			Message:    target.Message,
			CommitSha:  target.Hash,
			CommitURL:  target.Links.HTML.Href,
			CompareURL: c.Links.HTML.Href,
			Author:     author,
			AvatarURL:  p.Actor.avatar(),
			Timestamp:  target.Date,
			RepoBranch: c.New.Name,
			BaseBranch: c.New.Name,
			CloneURL:   b.CloneURL(bitbucketCloneURL(repoURL), token),
		}, nil
	}

	if _, ok := bitbucketPREvents[d.EventType]; !ok || p.PullRequest == nil ||
		p.PullRequest.Source == nil || p.PullRequest.Destination == nil {
		return nil, domain.NewError(domain.KindInternal, fmt.Sprintf("cannot extract commit from %q event", d.EventType), nil)
	}
	pr := p.PullRequest
	headRepo := pr.Source.Repository
	if headRepo == nil {
		headRepo = p.Repository
	}
	return &domain.Commit{
		Title:      pr.Title,
		Message:    pr.Description,
		CommitSha:  pr.Source.hash(),
		CommitURL:  pr.Links.HTML.Href,
		CompareURL: pr.Links.HTML.Href + "/diff",
		Author:     pr.Author.name(),
		AvatarURL:  pr.Author.avatar(),
		Timestamp:  pr.UpdatedOn,
		RepoBranch: pr.Source.branch(),
		BaseBranch: pr.Destination.branch(),
		Number:     pr.ID,
		BaseRepo:   pr.Destination.Repository.ref(),
		HeadRepo:   headRepo.ref(),
		CloneURL:   b.CloneURL(bitbucketCloneURL(headRepo.htmlURL()), token),
	}, nil
}

func (b *BitBucket) FriendlyEventType(d *Delivery) (domain.FriendlyEventType, error) {
	if d.EventType == bitbucketPush {
		return domain.EventPush, nil
	}
	if t, ok := bitbucketPREvents[d.EventType]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unhandled event %q", d.EventType)
}

// CloneURL embeds a repository access token with Bitbucket's x-token-auth user.
func (b *BitBucket) CloneURL(httpURL, token string) string {
	return withUserinfo(httpURL, token, url.UserPassword("x-token-auth", token))
}

func (b *BitBucket) WebhookURL(publicURL string, project *domain.Project) string {
	return hookURL(publicURL, project)
}

func (b *BitBucket) IsPullRequest(eventType string) bool {
	return strings.HasPrefix(eventType, "pullrequest:")
}

func bitbucketCloneURL(htmlURL string) string {
	if htmlURL == "" || strings.HasSuffix(htmlURL, ".git") {
		return htmlURL
	}
	return htmlURL + ".git"
}
