package usecase

import (
	"context"
	"net/http"
	"testing"

	"ci-control-plane/internal/crypto"
	"ci-control-plane/internal/domain"
	"ci-control-plane/internal/webhook/webhooktest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type actuatorCall struct {
	method string
	reason domain.ReasonType
	commit *domain.Commit
}

type fakeActuator struct {
	calls []actuatorCall
}

func (f *fakeActuator) StartExecution(_ context.Context, reason domain.ReasonType, _ *domain.Project, _ *domain.Vcs, commit *domain.Commit) (*domain.Execution, error) {
	f.calls = append(f.calls, actuatorCall{method: "StartExecution", reason: reason, commit: commit})
	return &domain.Execution{ID: 1, ReasonType: reason, Result: domain.ResultEnqueued}, nil
}

func (f *fakeActuator) ProcessPRClosed(_ context.Context, _ *domain.Project, _ *domain.Vcs, commit *domain.Commit) (*domain.Execution, error) {
	f.calls = append(f.calls, actuatorCall{method: "ProcessPRClosed", reason: domain.ReasonClosePullRequest, commit: commit})
	return &domain.Execution{ID: 2, ReasonType: domain.ReasonClosePullRequest}, nil
}

func githubHeader(event string, body []byte, secret string) http.Header {
	h := http.Header{}
	h.Set("X-Github-Event", event)
	h.Set("X-Hub-Signature", webhooktest.SignSHA1(secret, body))
	return h
}

func bitbucketHeader(event, hookUUID string) http.Header {
	h := http.Header{}
	h.Set("X-Event-Key", event)
	h.Set("X-Hook-Uuid", hookUUID)
	return h
}

func newDispatchHarness() (*DispatchService, *fakeProjects, *fakeActuator) {
	projects := &fakeProjects{
		project: testProject(),
		vcs:     &domain.Vcs{ID: 1, Kind: domain.VcsGitHub},
	}
	actuator := &fakeActuator{}
	return NewDispatchService(projects, testRegistry(), actuator, crypto.Plaintext{}, testLogger()), projects, actuator
}

func TestDispatchIgnoresUnsupportedEventsBeforeProjectLookup(t *testing.T) {
	svc, projects, actuator := newDispatchHarness()
	body := webhooktest.GitHubPing()

	for i := 0; i < 2; i++ {
		outcome, err := svc.Dispatch(context.Background(), 7, githubHeader("ping", body, "hook-secret"), body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, outcome.Status)
		assert.Contains(t, outcome.Message, "ping")
		assert.Contains(t, outcome.Message, "7")
	}

	assert.Zero(t, projects.total())
	assert.Empty(t, actuator.calls)
}

func TestDispatchIgnoresUnknownBitBucketEvent(t *testing.T) {
	svc, projects, actuator := newDispatchHarness()

	outcome, err := svc.Dispatch(context.Background(), 7, bitbucketHeader("repo:fork", "{1b2c3d}"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, outcome.Status)
	assert.Zero(t, projects.total())
	assert.Empty(t, actuator.calls)
}

func TestDispatchRejectsUnknownProvider(t *testing.T) {
	svc, _, _ := newDispatchHarness()

	_, err := svc.Dispatch(context.Background(), 7, http.Header{}, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestDispatchGitHubPushIsAccepted(t *testing.T) {
	svc, _, actuator := newDispatchHarness()
	body := webhooktest.GitHubPush("master", "0d1a26e67d8f5eaf1f6ba5c57fc3c7d91ac0fd1c")

	outcome, err := svc.Dispatch(context.Background(), 7, githubHeader("push", body, "hook-secret"), body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, outcome.Status)
	assert.Equal(t, "Build Request Accepted", outcome.Message)
	require.Len(t, actuator.calls, 1)
	assert.Equal(t, domain.ReasonPush, actuator.calls[0].reason)
	assert.Equal(t, "0d1a26e67d8f5eaf1f6ba5c57fc3c7d91ac0fd1c", actuator.calls[0].commit.CommitSha)
}

func TestDispatchValidationGate(t *testing.T) {
	tests := []struct {
		name   string
		body   []byte
		secret string
	}{
		{name: "wrong branch", body: webhooktest.GitHubPush("develop", "abc"), secret: "hook-secret"},
		{name: "bad signature", body: webhooktest.GitHubPush("master", "abc"), secret: "other-secret"},
		{name: "malformed payload", body: []byte(`{"ref": "refs/heads/master"}`), secret: "hook-secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, actuator := newDispatchHarness()

			_, err := svc.Dispatch(context.Background(), 7, githubHeader("push", tt.body, tt.secret), tt.body)
			require.Error(t, err)

			assert.True(t, domain.IsKind(err, domain.KindValidation))
			assert.Equal(t, "Project 7: webhook failed validation of its Hmac/Webhook, Payload, and Branch", err.Error())
			assert.Empty(t, actuator.calls)
		})
	}
}

func TestDispatchMissingProject(t *testing.T) {
	svc, _, actuator := newDispatchHarness()
	body := webhooktest.GitHubPush("master", "abc")

	_, err := svc.Dispatch(context.Background(), 99, githubHeader("push", body, "hook-secret"), body)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, domain.HTTPStatus(err))
	assert.Empty(t, actuator.calls)
}

func TestDispatchRoutesPullRequestActions(t *testing.T) {
	tests := []struct {
		action string
		method string
		reason domain.ReasonType
	}{
		{action: "opened", method: "StartExecution", reason: domain.ReasonPullRequest},
		{action: "synchronize", method: "StartExecution", reason: domain.ReasonPullRequest},
		{action: "reopened", method: "StartExecution", reason: domain.ReasonPullRequest},
		{action: "closed", method: "ProcessPRClosed", reason: domain.ReasonClosePullRequest},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			svc, _, actuator := newDispatchHarness()
			body := webhooktest.GitHubPullRequest(tt.action, "master", 5)

			outcome, err := svc.Dispatch(context.Background(), 7, githubHeader("pull_request", body, "hook-secret"), body)
			require.NoError(t, err)

			assert.Equal(t, http.StatusAccepted, outcome.Status)
			require.Len(t, actuator.calls, 1)
			assert.Equal(t, tt.method, actuator.calls[0].method)
			assert.Equal(t, tt.reason, actuator.calls[0].reason)
			assert.Equal(t, 5, actuator.calls[0].commit.Number)
		})
	}
}

func TestDispatchBitBucketPush(t *testing.T) {
	svc, projects, actuator := newDispatchHarness()
	projects.vcs = &domain.Vcs{ID: 1, Kind: domain.VcsBitBucket}
	body := webhooktest.BitBucketPush("master", "b1e2")

	outcome, err := svc.Dispatch(context.Background(), 7, bitbucketHeader("repo:push", "{1b2c3d}"), body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, outcome.Status)
	require.Len(t, actuator.calls, 1)
	assert.Equal(t, "b1e2", actuator.calls[0].commit.CommitSha)
}

func TestDispatchRejectsProviderMismatch(t *testing.T) {
	svc, _, actuator := newDispatchHarness()
	body := webhooktest.BitBucketPush("master", "b1e2")

	_, err := svc.Dispatch(context.Background(), 7, bitbucketHeader("repo:push", "{1b2c3d}"), body)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
	assert.Empty(t, actuator.calls)
}

// Dispatch driven end to end into a real actuator.
func TestDispatchGitHubPushCreatesExecution(t *testing.T) {
	h := newExecutionHarness(t)
	svc := NewDispatchService(h.projects, testRegistry(), h.service, crypto.Plaintext{}, testLogger())
	body := webhooktest.GitHubPush("master", "0d1a26e67d8f5eaf1f6ba5c57fc3c7d91ac0fd1c")

	outcome, err := svc.Dispatch(context.Background(), 7, githubHeader("push", body, "hook-secret"), body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, outcome.Status)
	assert.Equal(t, "Build Request Accepted", outcome.Message)
	require.Len(t, h.executions.rows, 1)
	execution := outcome.Execution
	assert.Equal(t, domain.ReasonPush, execution.ReasonType)
	assert.Equal(t, "0d1a26e67d8f5eaf1f6ba5c57fc3c7d91ac0fd1c", execution.ReasonCommitSha)
	assert.Equal(t, domain.ResultEnqueued, execution.Result)
}

func TestWebhookURLUsesPublicURL(t *testing.T) {
	projects := &fakeProjects{
		project: testProject(),
		vcs:     &domain.Vcs{ID: 1, Kind: domain.VcsBitBucket},
	}
	svc := NewDispatchService(projects, testRegistry(), &fakeActuator{}, crypto.Plaintext{}, testLogger(),
		WithPublicURL("https://ci.example.com/"))

	url, err := svc.WebhookURL(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "https://ci.example.com/v2/hooks/7", url)
}

func TestWebhookURLDefaultsToLocalhost(t *testing.T) {
	svc, _, _ := newDispatchHarness()

	url, err := svc.WebhookURL(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/v2/hooks/7", url)
}

func TestWebhookURLMissingProject(t *testing.T) {
	svc, _, _ := newDispatchHarness()

	_, err := svc.WebhookURL(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
