package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"ci-control-plane/internal/crypto"
	"ci-control-plane/internal/domain"
	"ci-control-plane/internal/metrics"
	"ci-control-plane/internal/webhook"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AcceptedMessage is the body of every accepted webhook.
const AcceptedMessage = "Build Request Accepted"

const defaultPublicURL = "http://localhost:8080"

// Actuator starts executions for dispatched webhooks. ExecutionService
// implements it.
type Actuator interface {
	StartExecution(ctx context.Context, reason domain.ReasonType, project *domain.Project, vcs *domain.Vcs, commit *domain.Commit) (*domain.Execution, error)
	ProcessPRClosed(ctx context.Context, project *domain.Project, vcs *domain.Vcs, commit *domain.Commit) (*domain.Execution, error)
}

// Outcome is a terminal, non-error dispatch state.
type Outcome struct {
	Status    int
	Message   string
	Execution *domain.Execution
}

// DispatchService turns one webhook delivery into at most one execution.
type DispatchService struct {
	projects  domain.ProjectStore
	providers *webhook.Registry
	actuator  Actuator
	decrypter crypto.Decrypter
	publicURL string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// DispatchOption configures a DispatchService.
type DispatchOption func(*DispatchService)

// WithPublicURL sets the externally reachable base URL providers call back.
func WithPublicURL(publicURL string) DispatchOption {
	return func(s *DispatchService) {
		if publicURL != "" {
			s.publicURL = publicURL
		}
	}
}

// NewDispatchService creates a new DispatchService instance.
func NewDispatchService(projects domain.ProjectStore, providers *webhook.Registry, actuator Actuator, decrypter crypto.Decrypter, logger *slog.Logger, opts ...DispatchOption) *DispatchService {
	s := &DispatchService{
		projects:  projects,
		providers: providers,
		actuator:  actuator,
		decrypter: decrypter,
		publicURL: defaultPublicURL,
		logger:    logger.With("component", "dispatch-service"),
		tracer:    otel.Tracer("ci-control-plane-usecase"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WebhookURL returns the endpoint to register with the project's VCS.
func (s *DispatchService) WebhookURL(ctx context.Context, projectID uint) (string, error) {
	ctx, span := s.tracer.Start(ctx, "service.WebhookURL", trace.WithAttributes(
		attribute.Int64("project.id", int64(projectID)),
	))
	defer span.End()

	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	vcs, err := s.projects.GetVcs(ctx, project.VcsID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	provider, err := s.providers.Get(vcs.Kind)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return provider.WebhookURL(s.publicURL, project), nil
}

// Dispatch validates a delivery, extracts its commit and routes it.
// Unsupported events are ignored before the project is loaded. Validation
// strictly precedes extraction, which strictly precedes the start.
func (s *DispatchService) Dispatch(ctx context.Context, projectID uint, header http.Header, body []byte) (*Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "service.Dispatch", trace.WithAttributes(
		attribute.Int64("project.id", int64(projectID)),
	))
	defer span.End()

	provider, delivery, err := s.providers.Detect(header, body)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("unknown", "rejected").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown provider")
		return nil, err
	}
	kind := string(provider.Kind())
	span.SetAttributes(
		attribute.String("vcs.kind", kind),
		attribute.String("webhook.event", delivery.EventType),
	)
	logger := s.logger.With("project_id", projectID, "provider", kind, "event", delivery.EventType)

	if !provider.IsSupportedEvent(delivery) {
		metrics.WebhookDeliveriesTotal.WithLabelValues(kind, "ignored").Inc()
		logger.Info("ignoring unsupported webhook event")
		return &Outcome{
			Status:  http.StatusOK,
			Message: fmt.Sprintf("Ignored %s event for project %d", delivery.EventType, projectID),
		}, nil
	}

	execution, err := s.dispatch(ctx, projectID, provider, delivery, logger)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(kind, "rejected").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook rejected")
		logger.Warn("webhook rejected", "error", err)
		return nil, err
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues(kind, "accepted").Inc()
	logger.Info("webhook accepted", "execution_id", execution.ID, "result", execution.Result)
	return &Outcome{Status: http.StatusAccepted, Message: AcceptedMessage, Execution: execution}, nil
}

func (s *DispatchService) dispatch(ctx context.Context, projectID uint, provider webhook.Provider, delivery *webhook.Delivery, logger *slog.Logger) (*domain.Execution, error) {
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	secret, err := s.decrypter.Decrypt(project.EncWebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt webhook secret of project %d: %w", projectID, err)
	}

	identity := provider.IsValidIdentity(delivery, project, secret)
	payload := identity && provider.IsValidPayload(delivery)
	branch := payload && provider.IsValidBranch(delivery, project)
	if !branch {
		logger.Debug("webhook validation failed", "identity", identity, "payload", payload, "branch", branch)
		return nil, domain.NewError(domain.KindValidation,
			fmt.Sprintf("Project %d: webhook failed validation of its Hmac/Webhook, Payload, and Branch", projectID), nil)
	}

	token, err := s.decrypter.Decrypt(project.EncToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token of project %d: %w", projectID, err)
	}
	commit, err := provider.ExtractCommit(delivery, token)
	if err != nil {
		return nil, err
	}

	vcs, err := s.projects.GetVcs(ctx, project.VcsID)
	if err != nil {
		return nil, err
	}
	if vcs.Kind != provider.Kind() {
		return nil, domain.NewError(domain.KindValidation,
			fmt.Sprintf("Project %d is linked to %s, not %s", projectID, vcs.Kind, provider.Kind()), nil)
	}

	friendly, err := provider.FriendlyEventType(delivery)
	if err != nil {
		return nil, err
	}

	switch friendly {
	case domain.EventPush:
		return s.actuator.StartExecution(ctx, domain.ReasonPush, project, vcs, commit)
	case domain.EventPROpened, domain.EventPRUpdated, domain.EventPRReopened:
		return s.actuator.StartExecution(ctx, domain.ReasonPullRequest, project, vcs, commit)
	case domain.EventPRClosed:
		return s.actuator.ProcessPRClosed(ctx, project, vcs, commit)
	default:
		return nil, domain.NewError(domain.KindInternal, fmt.Sprintf("no route for %s event", friendly), nil)
	}
}
