package fleet

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jxucoder/efimeral/pkg/model"
)

// TaskTemplate is the fixed definition every sandbox task is started from.
type TaskTemplate struct {
	Name          string            `yaml:"name"`
	Cluster       string            `yaml:"cluster"`
	Container     string            `yaml:"container"`
	Repository    string            `yaml:"repository"`
	DefaultTag    string            `yaml:"default_tag"`
	CPU           int               `yaml:"cpu"`        // CPU units, 1024 = one vCPU
	MemoryMiB     int               `yaml:"memory_mib"` // hard memory limit
	ContainerPort int               `yaml:"container_port"`
	StopTimeout   time.Duration     `yaml:"stop_timeout"` // SIGTERM grace before the task is killed
	InstanceType  string            `yaml:"instance_type"`
	MinCapacity   int               `yaml:"min_capacity"`
	MaxCapacity   int               `yaml:"max_capacity"`
	Env           map[string]string `yaml:"env"`
}

// DefaultTemplate returns the stock box template.
func DefaultTemplate() TaskTemplate {
	return TaskTemplate{
		Name:          "box-instantiation",
		Cluster:       "boxes-cluster",
		Container:     "box",
		Repository:    "efimeral-boxes",
		DefaultTag:    "alpine",
		CPU:           256,
		MemoryMiB:     512,
		ContainerPort: 8080,
		StopTimeout:   10 * time.Second,
		InstanceType:  "t2.nano",
		MinCapacity:   0,
		MaxCapacity:   10,
	}
}

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)

// Validate checks the template. Errors wrap model.ErrConfiguration.
func (t TaskTemplate) Validate() error {
	var problems []string
	if t.Cluster == "" {
		problems = append(problems, "cluster is required")
	}
	if t.Repository == "" {
		problems = append(problems, "repository is required")
	}
	if t.DefaultTag != "" && !tagPattern.MatchString(t.DefaultTag) {
		problems = append(problems, fmt.Sprintf("invalid default tag %q", t.DefaultTag))
	}
	if t.CPU <= 0 {
		problems = append(problems, "cpu must be positive")
	}
	if t.MemoryMiB <= 0 {
		problems = append(problems, "memory_mib must be positive")
	}
	if t.ContainerPort <= 0 || t.ContainerPort > 65535 {
		problems = append(problems, fmt.Sprintf("container_port %d out of range", t.ContainerPort))
	}
	if t.StopTimeout < 0 {
		problems = append(problems, "stop_timeout must not be negative")
	}
	if t.MinCapacity < 0 {
		problems = append(problems, "min_capacity must not be negative")
	}
	if t.MaxCapacity <= 0 || t.MaxCapacity < t.MinCapacity {
		problems = append(problems, fmt.Sprintf("max_capacity %d must be positive and >= min_capacity %d", t.MaxCapacity, t.MinCapacity))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: task template: %s", model.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// ImageRef returns the image reference for tag, or for the default tag when
// tag is empty. Errors wrap model.ErrConfiguration.
func (t TaskTemplate) ImageRef(tag string) (string, error) {
	if tag == "" {
		tag = t.DefaultTag
	}
	if !tagPattern.MatchString(tag) {
		return "", fmt.Errorf("%w: invalid image tag %q", model.ErrConfiguration, tag)
	}
	return t.Repository + ":" + tag, nil
}

// LoadTemplate reads a YAML template from path. Fields missing from the file
// keep their DefaultTemplate values.
func LoadTemplate(path string) (TaskTemplate, error) {
	tmpl := DefaultTemplate()
	data, err := os.ReadFile(path)
	if err != nil {
		return tmpl, fmt.Errorf("%w: reading task template: %v", model.ErrConfiguration, err)
	}
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return tmpl, fmt.Errorf("%w: invalid task template YAML: %v", model.ErrConfiguration, err)
	}
	if err := tmpl.Validate(); err != nil {
		return tmpl, err
	}
	return tmpl, nil
}
