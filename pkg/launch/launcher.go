package launch

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/stackctl/pkg/registry"
	"github.com/go-go-golems/stackctl/pkg/state"
)

// Spec is one concrete start request: either a host command or a
// container, never both.
type Spec struct {
	Service   string
	Argv      []string
	Cwd       string
	Env       map[string]string
	Container *registry.ContainerSpec
}

// Handle identifies something Start launched, enough to stop it later.
type Handle struct {
	PID         int
	ContainerID string
	StdoutLog   string
	StderrLog   string
	StartedAt   time.Time
}

func (h Handle) Empty() bool {
	return h.PID <= 0 && h.ContainerID == ""
}

// Launcher starts and stops services. Implementations do not wait for
// process exit; these are long-running servers and the orchestrator is
// not their supervisor.
type Launcher interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
	Stop(ctx context.Context, h Handle) error
}

type Options struct {
	Root            string
	ShutdownTimeout time.Duration
}

// HostLauncher launches host processes directly and containers through
// the Docker daemon.
type HostLauncher struct {
	opts   Options
	docker *DockerLauncher
}

var _ Launcher = (*HostLauncher)(nil)

func New(opts Options) *HostLauncher {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 3 * time.Second
	}
	return &HostLauncher{opts: opts}
}

func (l *HostLauncher) Start(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Service == "" {
		return Handle{}, errors.New("service name is required")
	}
	if spec.Container != nil {
		d, err := l.dockerLauncher()
		if err != nil {
			return Handle{}, err
		}
		return d.Start(ctx, spec)
	}
	return l.startProcess(ctx, spec)
}

func (l *HostLauncher) Stop(ctx context.Context, h Handle) error {
	if h.ContainerID != "" {
		d, err := l.dockerLauncher()
		if err != nil {
			return err
		}
		return d.Stop(ctx, h)
	}
	return TerminatePIDGroup(ctx, h.PID, l.opts.ShutdownTimeout)
}

func (l *HostLauncher) dockerLauncher() (*DockerLauncher, error) {
	if l.docker != nil {
		return l.docker, nil
	}
	d, err := NewDockerLauncher()
	if err != nil {
		return nil, err
	}
	l.docker = d
	return d, nil
}

// startProcess launches the command detached in its own process group,
// with stdout/stderr appended to per-service log files. The command is
// fire-and-forget; a reaper goroutine collects the exit status so the
// child never lingers as a zombie.
func (l *HostLauncher) startProcess(ctx context.Context, spec Spec) (Handle, error) {
	if len(spec.Argv) == 0 {
		return Handle{}, errors.Errorf("service %q missing command", spec.Service)
	}

	cwd := l.opts.Root
	if spec.Cwd != "" {
		if filepath.IsAbs(spec.Cwd) {
			cwd = spec.Cwd
		} else {
			cwd = filepath.Join(l.opts.Root, spec.Cwd)
		}
	}

	logsDir := state.LogsDir(l.opts.Root)
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return Handle{}, errors.Wrap(err, "mkdir logs dir")
	}

	ts := time.Now().Format("20060102-150405")
	stdoutPath := filepath.Join(logsDir, spec.Service+"-"+ts+".stdout.log")
	stderrPath := filepath.Join(logsDir, spec.Service+"-"+ts+".stderr.log")

	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return Handle{}, errors.Wrap(err, "open stdout log")
	}
	defer func() { _ = stdoutFile.Close() }()

	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return Handle{}, errors.Wrap(err, "open stderr log")
	}
	defer func() { _ = stderrFile.Close() }()

	// #nosec G204 -- command comes from the service registry.
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Handle{}, errors.Wrap(err, "start service")
	}

	pid := cmd.Process.Pid
	log.Info().Str("service", spec.Service).Int("pid", pid).Msg("service started")
	go func() { _ = cmd.Wait() }()

	return Handle{
		PID:       pid,
		StdoutLog: stdoutPath,
		StderrLog: stderrPath,
		StartedAt: time.Now(),
	}, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

// TerminatePIDGroup sends SIGTERM to the process group, waits up to
// timeout for it to die, then escalates to SIGKILL.
func TerminatePIDGroup(ctx context.Context, pid int, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}
	pgid, err := syscall.Getpgid(pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()

	termDeadline := time.Now().Add(timeout)
	for state.ProcessAlive(pid) && time.Now().Before(termDeadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	if !state.ProcessAlive(pid) {
		return nil
	}

	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}

	killDeadline := time.Now().Add(2 * time.Second)
	for state.ProcessAlive(pid) && time.Now().Before(killDeadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	if state.ProcessAlive(pid) {
		return errors.Errorf("failed to stop pid %d", pid)
	}
	return nil
}
