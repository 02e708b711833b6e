package installer

import (
	"context"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/stackctl/pkg/registry"
)

type Outcome string

const (
	OutcomeAlreadyPresent Outcome = "already-present"
	OutcomeInstalled      Outcome = "installed"
	OutcomeFailed         Outcome = "failed"
)

type Result struct {
	Tool    string
	Outcome Outcome
	Err     string
}

func (r Result) Failed() bool {
	return r.Outcome == OutcomeFailed
}

// Runner abstracts host command execution so tests never mutate the
// machine they run on.
type Runner interface {
	LookPath(name string) (string, error)
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	// #nosec G204 -- commands come from the static tool registry.
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

type Options struct {
	Runner Runner

	// PackageManager overrides autodetection, e.g. []string{"apt-get",
	// "install", "-y"}; the package name is appended.
	PackageManager []string
}

// Installer ensures host tools exist before services that need them
// are started. Ensure never raises: a failed install is reported and
// the caller decides what it means for the service.
type Installer struct {
	runner Runner
	pm     []string

	mu    sync.Mutex
	cache map[string]Result
}

func New(opts Options) *Installer {
	r := opts.Runner
	if r == nil {
		r = execRunner{}
	}
	return &Installer{
		runner: r,
		pm:     opts.PackageManager,
		cache:  map[string]Result{},
	}
}

// Ensure checks that the tool exists (and meets its minimum version,
// if one is set), installing it through the host package manager when
// missing. Results are cached per tool name, so re-running against an
// already-provisioned host is a no-op.
func (i *Installer) Ensure(ctx context.Context, tool registry.ToolRequirement) Result {
	i.mu.Lock()
	if cached, ok := i.cache[tool.Name]; ok {
		i.mu.Unlock()
		return cached
	}
	i.mu.Unlock()

	res := i.ensure(ctx, tool)

	i.mu.Lock()
	i.cache[tool.Name] = res
	i.mu.Unlock()
	return res
}

func (i *Installer) ensure(ctx context.Context, tool registry.ToolRequirement) Result {
	if tool.Name == "" {
		return Result{Outcome: OutcomeFailed, Err: "tool missing name"}
	}

	if _, err := i.runner.LookPath(tool.Name); err == nil {
		if tool.MinVersion == "" {
			return Result{Tool: tool.Name, Outcome: OutcomeAlreadyPresent}
		}
		ok, detected, err := i.versionSatisfied(ctx, tool)
		if err != nil {
			// Unreadable version output is not worth an install loop.
			log.Warn().Str("tool", tool.Name).Err(err).Msg("could not determine tool version; assuming present")
			return Result{Tool: tool.Name, Outcome: OutcomeAlreadyPresent}
		}
		if ok {
			return Result{Tool: tool.Name, Outcome: OutcomeAlreadyPresent}
		}
		log.Info().Str("tool", tool.Name).Str("detected", detected).Str("required", tool.MinVersion).
			Msg("tool below minimum version; reinstalling")
	}

	return i.install(ctx, tool)
}

func (i *Installer) install(ctx context.Context, tool registry.ToolRequirement) Result {
	pm := i.pm
	if pm == nil {
		pm = detectPackageManager(i.runner)
	}
	if pm == nil {
		return Result{Tool: tool.Name, Outcome: OutcomeFailed, Err: "no supported package manager found"}
	}

	pkg := tool.Package
	if pkg == "" {
		pkg = tool.Name
	}

	log.Info().Str("tool", tool.Name).Str("package", pkg).Strs("manager", pm).Msg("installing tool")
	args := append(append([]string{}, pm[1:]...), pkg)
	out, err := i.runner.Run(ctx, pm[0], args...)
	if err != nil {
		msg := strings.TrimSpace(out)
		if msg == "" {
			msg = err.Error()
		}
		log.Warn().Str("tool", tool.Name).Str("output", msg).Msg("install failed; continuing")
		return Result{Tool: tool.Name, Outcome: OutcomeFailed, Err: msg}
	}

	if _, err := i.runner.LookPath(tool.Name); err != nil {
		return Result{Tool: tool.Name, Outcome: OutcomeFailed, Err: errors.Wrap(err, "tool still missing after install").Error()}
	}
	return Result{Tool: tool.Name, Outcome: OutcomeInstalled}
}

// detectPackageManager returns the install argv prefix for the first
// package manager present on the host.
func detectPackageManager(r Runner) []string {
	candidates := [][]string{
		{"apt-get", "install", "-y"},
		{"dnf", "install", "-y"},
		{"yum", "install", "-y"},
		{"brew", "install"},
	}
	for _, c := range candidates {
		if _, err := r.LookPath(c[0]); err == nil {
			return c
		}
	}
	return nil
}
