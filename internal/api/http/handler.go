// internal/api/http/handler.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"ci-control-plane/internal/domain"
	"ci-control-plane/internal/metrics"
	"ci-control-plane/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxWebhookBodySize = 5 << 20

// WebhookDispatcher handles one inbound webhook delivery and reports where
// providers should send them.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, projectID uint, header http.Header, body []byte) (*usecase.Outcome, error)
	WebhookURL(ctx context.Context, projectID uint) (string, error)
}

// ExecutionController starts and aborts executions on request.
type ExecutionController interface {
	TriggerManual(ctx context.Context, projectID uint, branch, message string) (*domain.Execution, error)
	AbortByID(ctx context.Context, id uint) (*domain.Execution, error)
}

// Handler serves the control-plane HTTP API.
type Handler struct {
	dispatcher WebhookDispatcher
	executions ExecutionController
	pinger     domain.Pinger
	apiVersion string
	logger     *slog.Logger
	validate   *validator.Validate
	tracer     trace.Tracer
}

// NewHandler creates a new Handler and initializes the validator.
func NewHandler(dispatcher WebhookDispatcher, executions ExecutionController, pinger domain.Pinger, apiVersion string, logger *slog.Logger) *Handler {
	validate := validator.New()

	// branch names as git accepts them in a refspec
	_ = validate.RegisterValidation("gitref", func(fl validator.FieldLevel) bool {
		ref := fl.Field().String()
		if strings.HasPrefix(ref, "-") || strings.HasSuffix(ref, "/") || strings.HasSuffix(ref, ".lock") || strings.Contains(ref, "..") {
			return false
		}
		return !strings.ContainsAny(ref, " ~^:?*[\\")
	})

	return &Handler{
		dispatcher: dispatcher,
		executions: executions,
		pinger:     pinger,
		apiVersion: apiVersion,
		logger:     logger.With("component", "http-handler"),
		validate:   validate,
		tracer:     otel.Tracer("ci-control-plane-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	h.handle(mux, "POST", "/v2/hooks/{project_id}", h.handleWebhook)
	h.handle(mux, "GET", "/v2/projects/{project_id}/webhook", h.handleWebhookURL)
	h.handle(mux, "POST", "/v2/projects/{project_id}/executions", h.handleTriggerExecution)
	h.handle(mux, "POST", "/v2/executions/{execution_id}/abort", h.handleAbortExecution)
	h.handle(mux, "GET", "/healthz", h.handleHealth)
}

// handle wraps a route with a span and the request counter. The route
// pattern, not the raw path, is the metric label.
func (h *Handler) handle(mux *http.ServeMux, method, path string, fn http.HandlerFunc) {
	mux.HandleFunc(method+" "+path, func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		fn(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleWebhook handles POST /v2/hooks/{project_id}.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "project_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		h.writeError(w, r, domain.NewError(domain.KindValidation, "failed to read webhook body", err))
		return
	}

	outcome, err := h.dispatcher.Dispatch(r.Context(), projectID, r.Header, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(outcome.Status)
	_, _ = io.WriteString(w, outcome.Message)
}

// handleWebhookURL handles GET /v2/projects/{project_id}/webhook.
func (h *Handler) handleWebhookURL(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "project_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	url, err := h.dispatcher.WebhookURL(r.Context(), projectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WebhookResponse{ProjectID: projectID, URL: url})
}

// handleTriggerExecution handles POST /v2/projects/{project_id}/executions.
func (h *Handler) handleTriggerExecution(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "project_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req TriggerExecutionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, r, domain.NewError(domain.KindValidation, "failed to decode request body", err))
			return
		}
	}

	if err := h.validate.Struct(req); err != nil {
		var details []string
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fe := range validationErrors {
				details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
			}
		}
		h.writeErrorDetails(w, r, domain.NewError(domain.KindValidation, "Validation failed", err), details)
		return
	}

	execution, err := h.executions.TriggerManual(r.Context(), projectID, req.Branch, req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, execution)
}

// handleAbortExecution handles POST /v2/executions/{execution_id}/abort.
func (h *Handler) handleAbortExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "execution_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	execution, err := h.executions.AbortByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.pinger.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Store: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Store: "ok"})
}

func pathID(r *http.Request, name string) (uint, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, domain.NewError(domain.KindValidation, fmt.Sprintf("invalid %s %q", name, raw), nil)
	}
	return uint(id), nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrorDetails(w, r, err, nil)
}

// writeErrorDetails maps err to a status and writes the error body. The log
// excerpt carries the trace id so callers can correlate with server logs.
func (h *Handler) writeErrorDetails(w http.ResponseWriter, r *http.Request, err error, details []string) {
	status := domain.HTTPStatus(err)
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)

	resp := ErrorResponse{
		Message:    err.Error(),
		Details:    details,
		Status:     status,
		APIVersion: h.apiVersion,
	}
	var de *domain.Error
	if errors.As(err, &de) {
		resp.Message = de.Message
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		h.logger.Warn("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		resp.Log = append(resp.Log, "trace_id="+sc.TraceID().String())
	}
	resp.Log = append(resp.Log, err.Error())

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
