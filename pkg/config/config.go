package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/stackctl/pkg/registry"
)

const DefaultConfigFilename = ".stackctl.yaml"

// File is the on-disk stack definition. When absent, the builtin RAG
// stack is used instead.
type File struct {
	Services []Service `yaml:"services"`
}

type Service struct {
	Name      string            `yaml:"name"`
	Command   []string          `yaml:"command,omitempty"`
	Cwd       string            `yaml:"cwd,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	DependsOn []string          `yaml:"depends_on,omitempty"`
	Optional  bool              `yaml:"optional,omitempty"`
	Tools     []Tool            `yaml:"tools,omitempty"`
	Health    *Health           `yaml:"health,omitempty"`
	Fallback  *Fallback         `yaml:"fallback,omitempty"`
	Container *Container        `yaml:"container,omitempty"`
}

type Tool struct {
	Name       string `yaml:"name"`
	Package    string `yaml:"package,omitempty"`
	MinVersion string `yaml:"min_version,omitempty"`
}

// Health uses string durations ("2s", "500ms") so the yaml stays
// readable; they are parsed during conversion.
type Health struct {
	Kind        string `yaml:"kind"`
	Port        int    `yaml:"port,omitempty"`
	URL         string `yaml:"url,omitempty"`
	Pattern     string `yaml:"pattern,omitempty"`
	Interval    string `yaml:"interval,omitempty"`
	Timeout     string `yaml:"timeout,omitempty"`
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
}

type Fallback struct {
	Command []string          `yaml:"command"`
	Cwd     string            `yaml:"cwd,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

type Container struct {
	Image   string            `yaml:"image"`
	Name    string            `yaml:"name,omitempty"`
	Ports   []string          `yaml:"ports,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Volumes []string          `yaml:"volumes,omitempty"`
}

func DefaultPath(root string) string {
	return filepath.Join(root, DefaultConfigFilename)
}

func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}
	return &f, nil
}

// LoadOptional returns an empty File when no config exists; the caller
// falls back to the builtin stack.
func LoadOptional(path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, errors.Wrap(err, "stat config")
	}
	return LoadFromFile(path)
}

// ServiceSpecs converts the file into registry specs, or returns the
// builtin stack when the file defines no services.
func (f *File) ServiceSpecs() ([]registry.ServiceSpec, error) {
	if f == nil || len(f.Services) == 0 {
		return registry.Builtin(), nil
	}

	out := make([]registry.ServiceSpec, 0, len(f.Services))
	for _, svc := range f.Services {
		spec := registry.ServiceSpec{
			Name:      svc.Name,
			Command:   svc.Command,
			Cwd:       svc.Cwd,
			Env:       svc.Env,
			DependsOn: svc.DependsOn,
			Optional:  svc.Optional,
		}
		for _, tool := range svc.Tools {
			spec.Tools = append(spec.Tools, registry.ToolRequirement{
				Name:       tool.Name,
				Package:    tool.Package,
				MinVersion: tool.MinVersion,
			})
		}
		if svc.Health != nil {
			h, err := svc.Health.toSpec()
			if err != nil {
				return nil, errors.Wrapf(err, "service %q health", svc.Name)
			}
			spec.Health = h
		}
		if svc.Fallback != nil {
			spec.Fallback = &registry.FallbackStart{
				Command: svc.Fallback.Command,
				Cwd:     svc.Fallback.Cwd,
				Env:     svc.Fallback.Env,
			}
		}
		if svc.Container != nil {
			spec.Container = &registry.ContainerSpec{
				Image:   svc.Container.Image,
				Name:    svc.Container.Name,
				Ports:   svc.Container.Ports,
				Env:     svc.Container.Env,
				Volumes: svc.Container.Volumes,
			}
		}
		out = append(out, spec)
	}
	return out, nil
}

func (h *Health) toSpec() (*registry.HealthCheck, error) {
	kind := registry.CheckKind(h.Kind)
	switch kind {
	case registry.CheckPortListening, registry.CheckHTTPGet, registry.CheckProcessAlive:
	default:
		return nil, errors.Errorf("unknown health check kind %q", h.Kind)
	}

	interval, err := parseDuration(h.Interval)
	if err != nil {
		return nil, errors.Wrap(err, "interval")
	}
	timeout, err := parseDuration(h.Timeout)
	if err != nil {
		return nil, errors.Wrap(err, "timeout")
	}

	return &registry.HealthCheck{
		Kind:        kind,
		Port:        h.Port,
		URL:         h.URL,
		Pattern:     h.Pattern,
		Interval:    interval,
		Timeout:     timeout,
		MaxAttempts: h.MaxAttempts,
	}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
