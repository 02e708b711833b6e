package sequencer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/stackctl/pkg/events"
	"github.com/go-go-golems/stackctl/pkg/installer"
	"github.com/go-go-golems/stackctl/pkg/launch"
	"github.com/go-go-golems/stackctl/pkg/probe"
	"github.com/go-go-golems/stackctl/pkg/registry"
	"github.com/go-go-golems/stackctl/pkg/state"
)

// Prober is the verdict-returning health probe the sequencer consults.
type Prober interface {
	Probe(ctx context.Context, check registry.HealthCheck) probe.Result
}

// Installer ensures host tools; failures are reported, never raised.
type Installer interface {
	Ensure(ctx context.Context, tool registry.ToolRequirement) installer.Result
}

type Options struct {
	Root      string
	Launcher  launch.Launcher
	Prober    Prober
	Installer Installer
	Emitter   events.Emitter

	// PriorRun, when set, enables re-entry: live processes recorded by
	// the previous run are stopped before their service is restarted.
	PriorRun *state.DeploymentRun
}

// Sequencer drives one deployment run. It owns the DeploymentRun
// exclusively: a single goroutine walks the registry in dependency
// order and mutates per-service state; readers get snapshots.
type Sequencer struct {
	opts Options
}

func New(opts Options) *Sequencer {
	if opts.Launcher == nil {
		opts.Launcher = launch.New(launch.Options{Root: opts.Root})
	}
	if opts.Prober == nil {
		opts.Prober = probe.New()
	}
	if opts.Installer == nil {
		opts.Installer = installer.New(installer.Options{})
	}
	if opts.Emitter == nil {
		opts.Emitter = events.NopEmitter{}
	}
	return &Sequencer{opts: opts}
}

// Deploy walks every registered service in topological order: ensure
// tools, start, probe, fall back once, record the outcome, move on.
// Per-service failures never abort the walk; the only error returned
// is a registry ordering failure, which means the plan itself is
// invalid and nothing was started.
func (s *Sequencer) Deploy(ctx context.Context, reg *registry.Registry) (*state.DeploymentRun, error) {
	ordered, err := reg.OrderedServices()
	if err != nil {
		return nil, err
	}

	run := state.NewRun(s.opts.Root)
	for _, spec := range ordered {
		run.Services = append(run.Services, state.ServiceRecord{
			Name:     spec.Name,
			Optional: spec.Optional,
			Status:   state.StatusPending,
		})
	}
	s.opts.Emitter.Emit(events.TypeRunStarted, "", map[string]any{"id": run.ID, "services": len(ordered)})

	for _, spec := range ordered {
		rec := run.Service(spec.Name)

		if ctx.Err() != nil {
			s.setStatus(rec, state.StatusSkipped, "deployment cancelled")
			continue
		}

		if blocker := s.blockedBy(run, reg, spec); blocker != "" {
			s.setStatus(rec, state.StatusSkipped, fmt.Sprintf("dependency %s failed", blocker))
			continue
		}

		s.deployService(ctx, spec, rec)
	}

	run.Finished = time.Now()
	s.opts.Emitter.Emit(events.TypeRunFinished, "", map[string]any{"id": run.ID})
	return run, nil
}

// blockedBy returns the name of a non-optional dependency that ended
// Failed or Skipped, or "" when the service may start. Degraded
// optional dependencies do not block their dependents.
func (s *Sequencer) blockedBy(run *state.DeploymentRun, reg *registry.Registry, spec registry.ServiceSpec) string {
	for _, dep := range spec.DependsOn {
		depSpec, ok := reg.Get(dep)
		if !ok || depSpec.Optional {
			continue
		}
		depRec := run.Service(dep)
		if depRec == nil {
			continue
		}
		if depRec.Status == state.StatusFailed || depRec.Status == state.StatusSkipped {
			return dep
		}
	}
	return ""
}

func (s *Sequencer) deployService(ctx context.Context, spec registry.ServiceSpec, rec *state.ServiceRecord) {
	rec.Command = append([]string{}, spec.Command...)
	rec.Cwd = spec.Cwd
	rec.Env = state.SanitizeEnv(spec.Env)
	if spec.Health != nil {
		rec.HealthKind = string(spec.Health.Kind)
		rec.HealthPort = spec.Health.Port
	}

	if len(spec.Tools) > 0 {
		s.setStatus(rec, state.StatusInstalling, "")
		for _, tool := range spec.Tools {
			res := s.opts.Installer.Ensure(ctx, tool)
			rec.Installs = append(rec.Installs, state.InstallRecord{
				Tool:    tool.Name,
				Outcome: string(res.Outcome),
				Error:   res.Err,
			})
			s.opts.Emitter.Emit(events.TypeInstallResult, spec.Name, map[string]any{
				"tool":    tool.Name,
				"outcome": string(res.Outcome),
			})
			if res.Failed() {
				// Not fatal: the start attempt decides whether the
				// missing tool actually matters.
				log.Warn().Str("service", spec.Name).Str("tool", tool.Name).Str("error", res.Err).
					Msg("tool install failed; attempting start anyway")
			}
		}
	}

	s.evictPrior(ctx, spec.Name)

	attempt := launch.Spec{
		Service:   spec.Name,
		Argv:      spec.Command,
		Cwd:       spec.Cwd,
		Env:       spec.Env,
		Container: spec.Container,
	}
	fallbackLeft := spec.Fallback != nil

	for {
		lastErr := s.startAndProbe(ctx, spec, rec, attempt)
		if lastErr == "" {
			s.setStatus(rec, state.StatusHealthy, "")
			return
		}
		rec.LastError = lastErr

		if fallbackLeft {
			// Exactly one fallback attempt, with the primary stopped
			// first so the two never fight over the port.
			fallbackLeft = false
			rec.FallbackUsed = true
			log.Warn().Str("service", spec.Name).Str("error", lastErr).Msg("primary start unhealthy; trying fallback")
			s.stopCurrent(rec)
			attempt = launch.Spec{
				Service: spec.Name,
				Argv:    spec.Fallback.Command,
				Cwd:     spec.Fallback.Cwd,
				Env:     mergedFallbackEnv(spec),
			}
			continue
		}

		if spec.Optional {
			s.setStatus(rec, state.StatusDegraded, lastErr)
		} else {
			s.setStatus(rec, state.StatusFailed, lastErr)
		}
		return
	}
}

// startAndProbe runs one start attempt and probes it. Returns "" on
// healthy, otherwise the failure reason. A launch error counts as an
// immediate probe failure.
func (s *Sequencer) startAndProbe(ctx context.Context, spec registry.ServiceSpec, rec *state.ServiceRecord, attempt launch.Spec) string {
	s.setStatus(rec, state.StatusStarting, "")
	h, err := s.opts.Launcher.Start(ctx, attempt)
	if err != nil {
		return fmt.Sprintf("start failed: %s", err)
	}
	rec.PID = h.PID
	rec.ContainerID = h.ContainerID
	rec.StdoutLog = h.StdoutLog
	rec.StderrLog = h.StderrLog
	rec.StartedAt = h.StartedAt

	if spec.Health == nil {
		return ""
	}

	s.setStatus(rec, state.StatusProbing, "")
	res := s.opts.Prober.Probe(ctx, *spec.Health)
	rec.ProbeAttempts += res.Attempts
	rec.ProbeElapsed += res.Elapsed.Milliseconds()
	s.opts.Emitter.Emit(events.TypeProbeFinished, spec.Name, map[string]any{
		"verdict":  string(res.Verdict),
		"attempts": res.Attempts,
	})
	if res.Healthy() {
		return ""
	}
	reason := res.LastError
	if reason == "" {
		reason = string(res.Verdict)
	}
	return fmt.Sprintf("probe %s: %s", res.Verdict, reason)
}

// evictPrior stops a still-running process recorded for this service
// by the previous run, so a re-run replaces it instead of colliding on
// the port. Only PIDs we recorded ourselves are ever touched.
func (s *Sequencer) evictPrior(ctx context.Context, name string) {
	if s.opts.PriorRun == nil {
		return
	}
	prev := s.opts.PriorRun.Service(name)
	if prev == nil {
		return
	}
	h := launch.Handle{PID: 0, ContainerID: prev.ContainerID}
	if prev.PID > 0 && state.ProcessAlive(prev.PID) {
		h.PID = prev.PID
	}
	if h.Empty() {
		return
	}
	log.Info().Str("service", name).Int("pid", h.PID).Msg("stopping instance from previous run")
	if err := s.opts.Launcher.Stop(ctx, h); err != nil {
		log.Warn().Str("service", name).Err(err).Msg("could not stop previous instance; continuing")
	}
}

func (s *Sequencer) stopCurrent(rec *state.ServiceRecord) {
	h := launch.Handle{PID: rec.PID, ContainerID: rec.ContainerID}
	if h.Empty() {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Launcher.Stop(stopCtx, h); err != nil {
		log.Warn().Str("service", rec.Name).Err(err).Msg("could not stop unhealthy primary")
	}
	rec.PID = 0
	rec.ContainerID = ""
}

func (s *Sequencer) setStatus(rec *state.ServiceRecord, status state.Status, reason string) {
	rec.Status = status
	rec.Reason = reason
	s.opts.Emitter.Emit(events.TypeServiceState, rec.Name, map[string]any{
		"status": string(status),
		"reason": reason,
	})
}

func mergedFallbackEnv(spec registry.ServiceSpec) map[string]string {
	if spec.Fallback == nil || len(spec.Fallback.Env) == 0 {
		return spec.Env
	}
	out := make(map[string]string, len(spec.Env)+len(spec.Fallback.Env))
	for k, v := range spec.Env {
		out[k] = v
	}
	for k, v := range spec.Fallback.Env {
		out[k] = v
	}
	return out
}
