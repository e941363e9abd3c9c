package pipeline

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"ci-control-plane/internal/domain"

	"gopkg.in/yaml.v3"
)

// Job names per template. The first job of each template is the one the
// engine client triggers.
const (
	JobBuildAndDeploy = "build-and-deploy"
	JobPRPreview      = "pr-preview"
	JobPRTeardown     = "pr-teardown"
)

// System image names the templates look up.
const (
	ImageDeployer = "deployer"
	ImageNotifier = "notifier"
	ImageBuilder  = "builder"
)

var defaultImages = map[string]Image{
	ImageDeployer: {Repository: "governmentpaas/cf-cli", Tag: "latest"},
	ImageNotifier: {Repository: "curlimages/curl", Tag: "latest"},
	ImageBuilder:  {Repository: "alpine", Tag: "latest"},
}

// Image is a registry image with decrypted credentials.
type Image struct {
	Repository string
	Tag        string
	Username   string
	Password   string
}

// Notification is a decrypted notification target.
type Notification struct {
	Type  string
	Name  string
	URL   string
	Token string
}

// Task is a post-deploy task with decoded metadata.
type Task struct {
	Name     string
	Type     string
	Position int
	Metadata map[string]any
}

// Request carries everything one definition is rendered from. Secrets are
// plaintext here and leave the renderer only as pipeline variables.
type Request struct {
	PipelineID     string
	Reason         domain.ReasonType
	VcsKind        domain.VcsKind
	Project        *domain.Project
	Commit         *domain.Commit
	Target         *domain.DeploymentTarget
	TargetPassword string
	Notifications  []Notification
	Tasks          []Task
	AppImage       *Image
	ImageTags      []string
	BuildContainer *Image
	SystemImages   map[string]Image
}

// Definition is a rendered pipeline plus the variables set alongside it.
type Definition struct {
	Config *Config
	Vars   map[string]string
}

// Render selects a template by reason and renders it. Push, manual and
// branch-HEAD builds share one template; pull requests and their teardown
// have their own.
func Render(req *Request) (*Definition, error) {
	if req.Project == nil || req.Commit == nil {
		return nil, fmt.Errorf("render pipeline %s: project and commit are required", req.PipelineID)
	}
	r := &renderer{req: req, vars: map[string]string{}}

	var job Job
	switch req.Reason {
	case domain.ReasonPush, domain.ReasonManual:
		job = r.buildJob(JobBuildAndDeploy, req.Project.Name)
	case domain.ReasonPullRequest:
		job = r.buildJob(JobPRPreview, previewAppName(req.Project, req.Commit))
	case domain.ReasonClosePullRequest:
		job = r.teardownJob()
	default:
		return nil, fmt.Errorf("render pipeline %s: no template for reason %q", req.PipelineID, req.Reason)
	}

	return &Definition{
		Config: &Config{
			Resources: r.resources,
			Jobs:      []Job{job},
		},
		Vars: r.vars,
	}, nil
}

// Write stores a rendered definition as YAML.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline definition: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write pipeline definition %s: %w", path, err)
	}
	return nil
}

func previewAppName(project *domain.Project, commit *domain.Commit) string {
	return fmt.Sprintf("%s-pr-%d", project.Name, commit.Number)
}

type renderer struct {
	req       *Request
	vars      map[string]string
	resources []Resource
}

// secret registers a pipeline variable and returns its placeholder.
func (r *renderer) secret(name, value string) string {
	r.vars[name] = value
	return "((" + name + "))"
}

func (r *renderer) image(name string) Image {
	if img, ok := r.req.SystemImages[name]; ok && img.Repository != "" {
		return img
	}
	return defaultImages[name]
}

func (r *renderer) imageResource(img Image, varName string) ImageResource {
	tag := img.Tag
	if tag == "" {
		tag = "latest"
	}
	source := map[string]any{"repository": img.Repository, "tag": tag}
	if img.Username != "" {
		source["username"] = img.Username
		source["password"] = r.secret(varName, img.Password)
	}
	return ImageResource{Type: "registry-image", Source: source}
}

func (r *renderer) sourceResource() Step {
	c := r.req.Commit
	r.resources = append(r.resources, Resource{
		Name: "source",
		Type: "git",
		Source: map[string]any{
			"uri":    r.secret("git_uri", c.CloneURL),
			"branch": c.RepoBranch,
		},
	})
	step := Step{Get: "source"}
	if c.CommitSha != "" {
		step.Version = map[string]string{"ref": c.CommitSha}
	}
	return step
}

func (r *renderer) buildJob(name, appName string) Job {
	plan := []Step{r.sourceResource()}

	builder := r.image(ImageBuilder)
	if r.req.BuildContainer != nil {
		builder = *r.req.BuildContainer
	}
	plan = append(plan, Step{
		Task: "build",
		Config: &TaskConfig{
			Platform:      "linux",
			ImageResource: r.imageResource(builder, "build_container_password"),
			Inputs:        []TaskIO{{Name: "source"}},
			Outputs:       []TaskIO{{Name: "build"}},
			Params:        map[string]string{"IMAGE_TAGS": strings.Join(r.req.ImageTags, " ")},
			Run: Run{
				Path: "sh",
				Args: []string{"-exc", "if [ -x ci/build.sh ]; then ci/build.sh ../build; fi"},
				Dir:  "source",
			},
		},
	})

	if img := r.req.AppImage; img != nil && len(r.req.ImageTags) > 0 {
		source := map[string]any{"repository": img.Repository, "tag": r.req.ImageTags[0]}
		if img.Username != "" {
			source["username"] = img.Username
			source["password"] = r.secret("registry_password", img.Password)
		}
		r.resources = append(r.resources, Resource{Name: "app-image", Type: "registry-image", Source: source})

		params := map[string]any{"image": "build/image.tar"}
		if len(r.req.ImageTags) > 1 {
			params["additional_tags"] = "build/tags"
		}
		plan = append(plan, Step{Put: "app-image", Params: params})
	}

	plan = append(plan, r.deployStep(appName))
	plan = append(plan, r.taskSteps()...)

	job := Job{Name: name, Serial: true, Plan: plan}
	r.attachNotifications(&job)
	return job
}

func (r *renderer) deployParams(appName string) map[string]string {
	t := r.req.Target
	params := map[string]string{"APP_NAME": appName}
	if t != nil {
		params["CF_API"] = t.URL
		params["CF_ORG"] = t.Org
		params["CF_SPACE"] = t.Space
		params["CF_USERNAME"] = t.Username
		params["CF_PASSWORD"] = r.secret("cf_password", r.req.TargetPassword)
	}
	return params
}

const cfLogin = `cf api "$CF_API" && cf auth "$CF_USERNAME" "$CF_PASSWORD" && cf target -o "$CF_ORG" -s "$CF_SPACE"`

func (r *renderer) deployStep(appName string) Step {
	return Step{
		Task: "deploy",
		Config: &TaskConfig{
			Platform:      "linux",
			ImageResource: r.imageResource(r.image(ImageDeployer), "deployer_image_password"),
			Inputs:        []TaskIO{{Name: "source"}, {Name: "build"}},
			Params:        r.deployParams(appName),
			Run: Run{
				Path: "sh",
				Args: []string{"-ec", cfLogin + ` && cf push "$APP_NAME"`},
				Dir:  "source",
			},
		},
	}
}

func (r *renderer) teardownJob() Job {
	appName := previewAppName(r.req.Project, r.req.Commit)
	job := Job{
		Name:   JobPRTeardown,
		Serial: true,
		Plan: []Step{{
			Task: "teardown",
			Config: &TaskConfig{
				Platform:      "linux",
				ImageResource: r.imageResource(r.image(ImageDeployer), "deployer_image_password"),
				Params:        r.deployParams(appName),
				Run: Run{
					Path: "sh",
					Args: []string{"-ec", cfLogin + ` && cf delete -f -r "$APP_NAME"`},
				},
			},
		}},
	}
	r.attachNotifications(&job)
	return job
}

// taskSteps renders post-deploy tasks in position order. A task's "command"
// metadata is its script; other scalar metadata becomes upper-cased params.
func (r *renderer) taskSteps() []Step {
	tasks := append([]Task(nil), r.req.Tasks...)
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Position < tasks[j].Position })

	steps := make([]Step, 0, len(tasks))
	for _, t := range tasks {
		command, _ := t.Metadata["command"].(string)
		if command == "" {
			command = "true"
		}
		params := map[string]string{"TASK_TYPE": t.Type}
		for k, v := range t.Metadata {
			if k == "command" {
				continue
			}
			switch v.(type) {
			case string, float64, bool:
				params[strings.ToUpper(k)] = fmt.Sprint(v)
			}
		}
		steps = append(steps, Step{
			Task: t.Name,
			Config: &TaskConfig{
				Platform:      "linux",
				ImageResource: r.imageResource(r.image(ImageDeployer), "deployer_image_password"),
				Inputs:        []TaskIO{{Name: "source"}},
				Params:        params,
				Run:           Run{Path: "sh", Args: []string{"-exc", command}, Dir: "source"},
			},
		})
	}
	return steps
}

func (r *renderer) attachNotifications(job *Job) {
	if len(r.req.Notifications) == 0 {
		return
	}
	job.OnSuccess = r.notifyStep("succeeded")
	job.OnFailure = r.notifyStep("failed")
}

func (r *renderer) notifyStep(status string) *Step {
	c := r.req.Commit
	notifier := r.image(ImageNotifier)

	var steps []Step
	for i, n := range r.req.Notifications {
		params := map[string]string{
			"NOTIFY_TYPE": n.Type,
			"NOTIFY_URL":  n.URL,
			"STATUS":      status,
			"PIPELINE_ID": r.req.PipelineID,
			"COMMIT_SHA":  c.CommitSha,
			"COMMIT_URL":  c.CommitURL,
		}
		if r.req.VcsKind != "" {
			params["VCS_KIND"] = string(r.req.VcsKind)
		}
		if n.Token != "" {
			params["NOTIFY_TOKEN"] = r.secret(fmt.Sprintf("notify_%d_token", i), n.Token)
		}
		steps = append(steps, Step{
			Task: fmt.Sprintf("notify-%s-%d", status, i),
			Config: &TaskConfig{
				Platform:      "linux",
				ImageResource: r.imageResource(notifier, "notifier_image_password"),
				Params:        params,
				Run: Run{
					Path: "sh",
					Args: []string{"-ec", `curl -fsS -X POST -H "Authorization: Bearer $NOTIFY_TOKEN" -d "{\"status\":\"$STATUS\",\"pipeline\":\"$PIPELINE_ID\",\"sha\":\"$COMMIT_SHA\"}" "$NOTIFY_URL"`},
				},
			},
		})
	}
	return &Step{Do: steps}
}
