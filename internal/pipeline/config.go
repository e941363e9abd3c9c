// Package pipeline renders Concourse pipeline definitions for executions.
package pipeline

// Config is a Concourse pipeline definition.
type Config struct {
	Resources []Resource `yaml:"resources"`
	Jobs      []Job      `yaml:"jobs"`
}

type Resource struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Source map[string]any `yaml:"source"`
}

type Job struct {
	Name      string `yaml:"name"`
	Serial    bool   `yaml:"serial,omitempty"`
	Plan      []Step `yaml:"plan"`
	OnSuccess *Step  `yaml:"on_success,omitempty"`
	OnFailure *Step  `yaml:"on_failure,omitempty"`
}

// Step is one plan step. Exactly one of Get, Put, Task or Do is set.
type Step struct {
	Get     string            `yaml:"get,omitempty"`
	Put     string            `yaml:"put,omitempty"`
	Task    string            `yaml:"task,omitempty"`
	Do      []Step            `yaml:"do,omitempty"`
	Version map[string]string `yaml:"version,omitempty"`
	Params  map[string]any    `yaml:"params,omitempty"`
	Config  *TaskConfig       `yaml:"config,omitempty"`
}

type TaskConfig struct {
	Platform      string            `yaml:"platform"`
	ImageResource ImageResource     `yaml:"image_resource"`
	Inputs        []TaskIO          `yaml:"inputs,omitempty"`
	Outputs       []TaskIO          `yaml:"outputs,omitempty"`
	Params        map[string]string `yaml:"params,omitempty"`
	Run           Run               `yaml:"run"`
}

type ImageResource struct {
	Type   string         `yaml:"type"`
	Source map[string]any `yaml:"source"`
}

type TaskIO struct {
	Name string `yaml:"name"`
}

type Run struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args,omitempty"`
	Dir  string   `yaml:"dir,omitempty"`
}
