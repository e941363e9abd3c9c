// Package webhook normalizes provider webhooks into domain commits.
package webhook

import (
	"fmt"
	"net/http"
	"strings"

	"ci-control-plane/internal/domain"
)

// Delivery is one inbound webhook call: the provider's event type, the
// identity headers and the raw body exactly as received.
type Delivery struct {
	Provider  domain.VcsKind
	EventType string
	Signature string
	HookUUID  string
	Body      []byte

	decoded bool
	payload any
	err     error
}

// Provider is the per-VCS contract the dispatcher drives. Predicates never
// panic on malformed payloads; they report false instead.
type Provider interface {
	Kind() domain.VcsKind
	// Accepts reports whether the headers belong to this provider and, if
	// so, returns the delivery built from them.
	Accepts(header http.Header, body []byte) (*Delivery, bool)

	IsSupportedEvent(d *Delivery) bool
	IsValidIdentity(d *Delivery, project *domain.Project, secret string) bool
	IsValidPayload(d *Delivery) bool
	IsValidBranch(d *Delivery, project *domain.Project) bool
	ExtractCommit(d *Delivery, token string) (*domain.Commit, error)
	FriendlyEventType(d *Delivery) (domain.FriendlyEventType, error)

	CloneURL(httpURL, token string) string
	WebhookURL(publicURL string, project *domain.Project) string
	IsPullRequest(eventType string) bool
}

// Registry selects a Provider by VCS kind or by request headers.
type Registry struct {
	providers []Provider
}

// NewRegistry creates a registry. Detection tries providers in order.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// Get returns the provider for a stored VCS kind.
func (r *Registry) Get(kind domain.VcsKind) (Provider, error) {
	for _, p := range r.providers {
		if p.Kind() == kind {
			return p, nil
		}
	}
	return nil, domain.NewError(domain.KindInternal, fmt.Sprintf("unsupported vcs kind %q", kind), nil)
}

// Detect finds the provider that sent a webhook from its headers.
func (r *Registry) Detect(header http.Header, body []byte) (Provider, *Delivery, error) {
	for _, p := range r.providers {
		if d, ok := p.Accepts(header, body); ok {
			return p, d, nil
		}
	}
	return nil, nil, domain.NewError(domain.KindValidation, "unrecognized webhook provider", nil)
}

// hookURL is the webhook endpoint registered with every provider.
func hookURL(publicURL string, project *domain.Project) string {
	return fmt.Sprintf("%s/v2/hooks/%d", strings.TrimRight(publicURL, "/"), project.ID)
}

// firstLine returns the commit title of a message.
func firstLine(message string) string {
	title, _, _ := strings.Cut(message, "\n")
	return strings.TrimSpace(title)
}
