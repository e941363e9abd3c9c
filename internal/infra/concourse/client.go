package concourse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"ci-control-plane/internal/domain"
	"ci-control-plane/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
)

// NoLogs is returned by GetPipelineLogs when the engine printed nothing.
const NoLogs = "No logs available"

// buildsCount bounds how many recent builds one listing returns.
const buildsCount = "500"

// Config binds the client to one Concourse target.
type Config struct {
	URL      string
	Team     string
	Target   string
	Username string
	Password string
	FlyPath  string
}

// Client drives Concourse through the fly CLI. Every command goes through
// exec, which retries exactly once after a successful relogin.
type Client struct {
	cfg    Config
	runner domain.CommandRunner
	logger *slog.Logger
	tracer trace.Tracer
}

// NewClient creates an engine client.
func NewClient(cfg Config, runner domain.CommandRunner, logger *slog.Logger) *Client {
	if cfg.FlyPath == "" {
		cfg.FlyPath = "fly"
	}
	return &Client{
		cfg:    cfg,
		runner: runner,
		logger: logger.With("component", "concourse-client", "target", cfg.Target),
		tracer: otel.Tracer("ci-control-plane-concourse"),
	}
}

var _ domain.Engine = (*Client)(nil)

func (c *Client) fly(args ...string) string {
	return commandLine(c.cfg.FlyPath, append([]string{"-t", c.cfg.Target}, args...)...)
}

func (c *Client) fail(label string, err error) error {
	metrics.EngineCommandFailuresTotal.WithLabelValues(label, "true").Inc()
	return domain.NewError(domain.KindTransient, label, err)
}

// LoginAndSync logs in to the target and syncs the fly binary with the
// server. Without credentials it is a single login step.
func (c *Client) LoginAndSync(ctx context.Context) error {
	if c.cfg.Username == "" {
		if _, err := c.runner.Run(ctx, "Logging in to Concourse", c.fly("login", "-c", c.cfg.URL, "-n", c.cfg.Team)); err != nil {
			return c.fail("Logging in to Concourse", err)
		}
		return nil
	}

	login := c.fly("login", "-c", c.cfg.URL, "-n", c.cfg.Team, "-u", c.cfg.Username, "-p", c.cfg.Password)
	if _, err := c.runner.Run(ctx, "Logging in to Concourse", login); err != nil {
		return c.fail("Logging in to Concourse", err)
	}
	if _, err := c.runner.Run(ctx, "Syncing fly", c.fly("sync")); err != nil {
		return c.fail("Syncing fly", err)
	}
	return nil
}

// exec runs one named command with the retry-with-relogin policy. A failed
// relogin surfaces the command's original error; a failed retry surfaces
// the retry's error.
func (c *Client) exec(ctx context.Context, label, command string) (string, error) {
	out, err := c.runner.Run(ctx, label, command)
	if err == nil {
		return out, nil
	}
	metrics.EngineCommandFailuresTotal.WithLabelValues(label, "false").Inc()

	c.logger.Warn("command failed, logging in again before retry", "label", label, "error", err)
	if loginErr := c.LoginAndSync(ctx); loginErr != nil {
		c.logger.Error("relogin failed", "label", label, "error", loginErr)
		return "", c.fail(label, err)
	}

	out, err = c.runner.Run(ctx, label, command)
	if err != nil {
		return "", c.fail(label, err)
	}
	return out, nil
}

// StartPipeline sets, unpauses and triggers the pipeline defined at
// definitionPath. The triggered job is the first job of the definition.
func (c *Client) StartPipeline(ctx context.Context, pipelineID, definitionPath string, vars map[string]string) error {
	ctx, span := c.tracer.Start(ctx, "concourse.StartPipeline",
		trace.WithAttributes(attribute.String("pipeline.id", pipelineID)))
	defer span.End()

	job, err := entryJob(definitionPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid pipeline definition")
		return err
	}

	setArgs := append([]string{"set-pipeline", "-n", "-p", pipelineID, "-c", definitionPath}, varArgs(vars)...)
	steps := []struct{ label, command string }{
		{"Setting pipeline", c.fly(setArgs...)},
		{"Unpausing pipeline", c.fly("unpause-pipeline", "-p", pipelineID)},
		{"Triggering pipeline", c.fly("trigger-job", "-j", pipelineID+"/"+job)},
	}
	for _, s := range steps {
		if _, err := c.exec(ctx, s.label, s.command); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, s.label+" failed")
			return err
		}
	}
	return nil
}

// AbortPipeline aborts one build of a pipeline. buildNumber is the
// engine-wide build id.
func (c *Client) AbortPipeline(ctx context.Context, pipelineID, buildNumber string) error {
	c.logger.Info("aborting build", "pipeline_id", pipelineID, "build", buildNumber)
	_, err := c.exec(ctx, "Aborting build", c.fly("abort-build", "-b", buildNumber))
	return err
}

// DestroyPipeline removes a pipeline and its build history from the engine.
func (c *Client) DestroyPipeline(ctx context.Context, pipelineID string) error {
	_, err := c.exec(ctx, "Destroying pipeline", c.fly("destroy-pipeline", "-n", "-p", pipelineID))
	return err
}

// GetPipelineJobs lists recent builds across all pipelines of the team.
func (c *Client) GetPipelineJobs(ctx context.Context) ([]domain.EngineJob, error) {
	ctx, span := c.tracer.Start(ctx, "concourse.GetPipelineJobs")
	defer span.End()

	out, err := c.exec(ctx, "Listing builds", c.fly("builds", "-c", buildsCount))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing builds failed")
		return nil, err
	}
	jobs := parseBuilds(out)
	span.SetAttributes(attribute.Int("jobs", len(jobs)))
	return jobs, nil
}

// GetPipelineLogs returns the log output of a pipeline job.
//
// fly watch exits with the watched build's own status, so its exit code
// cannot tell "engine unreachable" from "job failed". Connectivity is
// checked first with get-pipeline through the retry path; the watch then
// runs with a trailing no-op so a failed job never hides its logs.
func (c *Client) GetPipelineLogs(ctx context.Context, pipelineID, jobName string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "concourse.GetPipelineLogs",
		trace.WithAttributes(attribute.String("pipeline.id", pipelineID), attribute.String("job.name", jobName)))
	defer span.End()

	if _, err := c.exec(ctx, "Fetching pipeline", c.fly("get-pipeline", "-p", pipelineID)); err != nil {
		span.RecordError(err)
		return "", err
	}

	watch := c.fly("watch", "-j", pipelineID+"/"+jobName) + "; true"
	out, err := c.runner.Run(ctx, "Fetching pipeline logs", watch)
	if err != nil {
		span.RecordError(err)
		return "", c.fail("Fetching pipeline logs", err)
	}
	if strings.TrimSpace(out) == "" {
		return NoLogs, nil
	}
	return out, nil
}

// entryJob returns the name of the first job in a pipeline definition.
func entryJob(definitionPath string) (string, error) {
	data, err := os.ReadFile(definitionPath)
	if err != nil {
		return "", fmt.Errorf("failed to read pipeline definition %s: %w", definitionPath, err)
	}

	var def struct {
		Jobs []struct {
			Name string `yaml:"name"`
		} `yaml:"jobs"`
	}
	if err := yaml.Unmarshal(data, &def); err != nil {
		return "", fmt.Errorf("failed to parse pipeline definition %s: %w", definitionPath, err)
	}
	if len(def.Jobs) == 0 || def.Jobs[0].Name == "" {
		return "", fmt.Errorf("pipeline definition %s has no jobs", definitionPath)
	}
	return def.Jobs[0].Name, nil
}
