package http

// TriggerExecutionRequest is the DTO for a manual build of a branch HEAD.
// An empty branch builds the project's tracked branch.
type TriggerExecutionRequest struct {
	Branch  string `json:"branch" validate:"omitempty,max=255,gitref"`
	Message string `json:"message" validate:"omitempty,max=1024"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Message    string   `json:"message"`
	Details    []string `json:"details,omitempty"`
	Status     int      `json:"status"`
	APIVersion string   `json:"api_version"`
	Log        []string `json:"log,omitempty"`
}

// WebhookResponse is the body of GET /v2/projects/{project_id}/webhook.
type WebhookResponse struct {
	ProjectID uint   `json:"project_id"`
	URL       string `json:"webhook_url"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}
