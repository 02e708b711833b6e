package registry

import "time"

// CheckKind selects how a service's readiness is probed. Port listening
// and HTTP responding are deliberately distinct signals; the registry
// author picks which one is authoritative per service.
type CheckKind string

const (
	CheckPortListening CheckKind = "port-listening"
	CheckHTTPGet       CheckKind = "http-get"
	CheckProcessAlive  CheckKind = "process-alive"
)

type HealthCheck struct {
	Kind CheckKind `yaml:"kind" json:"kind"`

	// Target, depending on Kind: a local TCP port, a URL, or a substring
	// matched against /proc cmdlines.
	Port    int    `yaml:"port,omitempty" json:"port,omitempty"`
	URL     string `yaml:"url,omitempty" json:"url,omitempty"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	Interval    time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxAttempts int           `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
}

// FallbackStart is an alternate start command tried exactly once if the
// primary start never reaches healthy.
type FallbackStart struct {
	Command []string          `yaml:"command" json:"command"`
	Cwd     string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// ContainerSpec describes a service that runs as a Docker container
// instead of a host process.
type ContainerSpec struct {
	Image string `yaml:"image" json:"image"`
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`

	// Ports maps "host:container" TCP bindings, e.g. "19530:19530".
	Ports   []string          `yaml:"ports,omitempty" json:"ports,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Volumes []string          `yaml:"volumes,omitempty" json:"volumes,omitempty"`
}

type ServiceSpec struct {
	Name      string            `yaml:"name" json:"name"`
	Command   []string          `yaml:"command,omitempty" json:"command,omitempty"`
	Cwd       string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	DependsOn []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Tools are host commands the start command relies on; the installer
	// ensures them before the service is started.
	Tools []ToolRequirement `yaml:"tools,omitempty" json:"tools,omitempty"`

	Health   *HealthCheck   `yaml:"health,omitempty" json:"health,omitempty"`
	Fallback *FallbackStart `yaml:"fallback,omitempty" json:"fallback,omitempty"`

	// Optional services degrade instead of failing and do not block
	// their dependents.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`

	Container *ContainerSpec `yaml:"container,omitempty" json:"container,omitempty"`
}

// ToolRequirement names a host command the service needs, optionally
// with a minimum version and the package that provides it.
type ToolRequirement struct {
	Name       string `yaml:"name" json:"name"`
	Package    string `yaml:"package,omitempty" json:"package,omitempty"`
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty"`
}
