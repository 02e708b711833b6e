package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	StateDirName = ".stackctl"
	RunFilename  = "run.json"
	LogsDirName  = "logs"
)

// Status is the per-service deployment outcome. Transitions are
// monotonic forward, except that Starting/Probing repeat once when a
// fallback start is attempted.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInstalling Status = "installing"
	StatusStarting   Status = "starting"
	StatusProbing    Status = "probing"
	StatusHealthy    Status = "healthy"
	StatusDegraded   Status = "degraded"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// InstallRecord is the outcome of one installer.Ensure call made on
// behalf of a service.
type InstallRecord struct {
	Tool    string `json:"tool"`
	Outcome string `json:"outcome"` // "already-present" | "installed" | "failed"
	Error   string `json:"error,omitempty"`
}

type ServiceRecord struct {
	Name     string `json:"name"`
	Optional bool   `json:"optional,omitempty"`

	Command     []string          `json:"command,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	PID         int               `json:"pid,omitempty"`
	ContainerID string            `json:"container_id,omitempty"`
	StdoutLog   string            `json:"stdout_log,omitempty"`
	StderrLog   string            `json:"stderr_log,omitempty"`
	StartedAt   time.Time         `json:"started_at,omitempty"`

	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`

	// Probe history for the reporter.
	ProbeAttempts int    `json:"probe_attempts,omitempty"`
	ProbeElapsed  int64  `json:"probe_elapsed_ms,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	FallbackUsed  bool   `json:"fallback_used,omitempty"`

	Installs []InstallRecord `json:"installs,omitempty"`

	// Health target, kept so a later run can evict a stale listener.
	HealthKind string `json:"health_kind,omitempty"`
	HealthPort int    `json:"health_port,omitempty"`
}

// DeploymentRun is the mutable record of one end-to-end deployment.
// The sequencer is its only writer; everyone else reads a Snapshot.
type DeploymentRun struct {
	ID        string          `json:"id"`
	Root      string          `json:"root"`
	CreatedAt time.Time       `json:"created_at"`
	Finished  time.Time       `json:"finished_at,omitzero"`
	Services  []ServiceRecord `json:"services"`
}

func NewRun(root string) *DeploymentRun {
	now := time.Now()
	return &DeploymentRun{
		ID:        now.Format("20060102-150405"),
		Root:      root,
		CreatedAt: now,
	}
}

// Service returns the record for name, or nil.
func (r *DeploymentRun) Service(name string) *ServiceRecord {
	for i := range r.Services {
		if r.Services[i].Name == name {
			return &r.Services[i]
		}
	}
	return nil
}

// Snapshot returns a deep copy safe to hand to readers while the
// sequencer is still mutating the run.
func (r *DeploymentRun) Snapshot() DeploymentRun {
	out := *r
	out.Services = make([]ServiceRecord, len(r.Services))
	for i, svc := range r.Services {
		rec := svc
		rec.Command = append([]string{}, svc.Command...)
		if svc.Env != nil {
			rec.Env = make(map[string]string, len(svc.Env))
			for k, v := range svc.Env {
				rec.Env[k] = v
			}
		}
		rec.Installs = append([]InstallRecord{}, svc.Installs...)
		out.Services[i] = rec
	}
	return out
}

func RunPath(root string) string {
	return filepath.Join(root, StateDirName, RunFilename)
}

func LogsDir(root string) string {
	return filepath.Join(root, StateDirName, LogsDirName)
}

func Load(root string) (*DeploymentRun, error) {
	b, err := os.ReadFile(RunPath(root))
	if err != nil {
		return nil, errors.Wrap(err, "read run state")
	}
	var r DeploymentRun
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, errors.Wrap(err, "parse run state json")
	}
	return &r, nil
}

// LoadOptional returns nil without error when no run state exists.
func LoadOptional(root string) (*DeploymentRun, error) {
	if _, err := os.Stat(RunPath(root)); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "stat run state")
	}
	return Load(root)
}

func Save(root string, r *DeploymentRun) error {
	if r == nil {
		return errors.New("nil run")
	}
	if err := os.MkdirAll(filepath.Dir(RunPath(root)), 0o755); err != nil {
		return errors.Wrap(err, "mkdir state dir")
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal run state")
	}
	if err := os.WriteFile(RunPath(root), b, 0o644); err != nil {
		return errors.Wrap(err, "write run state")
	}
	return nil
}

func Remove(root string) error {
	if err := os.Remove(RunPath(root)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "remove run state")
	}
	return nil
}
