package sequencer

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/stackctl/pkg/installer"
	"github.com/go-go-golems/stackctl/pkg/launch"
	"github.com/go-go-golems/stackctl/pkg/probe"
	"github.com/go-go-golems/stackctl/pkg/registry"
	"github.com/go-go-golems/stackctl/pkg/state"
)

type spyLauncher struct {
	starts  []launch.Spec
	stops   []launch.Handle
	failFor map[string]error
	nextPID int
}

var _ launch.Launcher = (*spyLauncher)(nil)

func (l *spyLauncher) Start(ctx context.Context, spec launch.Spec) (launch.Handle, error) {
	l.starts = append(l.starts, spec)
	if err, ok := l.failFor[spec.Service]; ok {
		return launch.Handle{}, err
	}
	l.nextPID++
	return launch.Handle{PID: 10000 + l.nextPID, StartedAt: time.Now()}, nil
}

func (l *spyLauncher) Stop(ctx context.Context, h launch.Handle) error {
	l.stops = append(l.stops, h)
	return nil
}

func (l *spyLauncher) startedServices() []string {
	var out []string
	for _, s := range l.starts {
		out = append(out, s.Service)
	}
	return out
}

// scriptProber returns scripted results keyed by check target, in
// order; the last result repeats.
type scriptProber struct {
	results map[string][]probe.Result
	calls   map[string]int
}

func newScriptProber() *scriptProber {
	return &scriptProber{results: map[string][]probe.Result{}, calls: map[string]int{}}
}

func checkKey(check registry.HealthCheck) string {
	if check.URL != "" {
		return check.URL
	}
	if check.Port > 0 {
		return fmt.Sprintf("port:%d", check.Port)
	}
	return check.Pattern
}

func (p *scriptProber) script(key string, results ...probe.Result) {
	p.results[key] = results
}

func (p *scriptProber) Probe(ctx context.Context, check registry.HealthCheck) probe.Result {
	key := checkKey(check)
	seq := p.results[key]
	if len(seq) == 0 {
		return probe.Result{Verdict: probe.VerdictUnhealthy, Attempts: check.MaxAttempts, LastError: "unscripted target " + key}
	}
	i := p.calls[key]
	p.calls[key]++
	if i >= len(seq) {
		i = len(seq) - 1
	}
	return seq[i]
}

type fakeInstaller struct {
	ensured []string
	fail    map[string]string
}

func (f *fakeInstaller) Ensure(ctx context.Context, tool registry.ToolRequirement) installer.Result {
	f.ensured = append(f.ensured, tool.Name)
	if msg, ok := f.fail[tool.Name]; ok {
		return installer.Result{Tool: tool.Name, Outcome: installer.OutcomeFailed, Err: msg}
	}
	return installer.Result{Tool: tool.Name, Outcome: installer.OutcomeAlreadyPresent}
}

func healthy(attempts int) probe.Result {
	return probe.Result{Verdict: probe.VerdictHealthy, Attempts: attempts, Elapsed: time.Duration(attempts) * time.Second}
}

func unhealthy(attempts int, msg string) probe.Result {
	return probe.Result{Verdict: probe.VerdictUnhealthy, Attempts: attempts, LastError: msg}
}

func portCheck(port, maxAttempts int) *registry.HealthCheck {
	return &registry.HealthCheck{
		Kind:        registry.CheckPortListening,
		Port:        port,
		Interval:    time.Second,
		Timeout:     time.Second,
		MaxAttempts: maxAttempts,
	}
}

func newTestSequencer(t *testing.T, l *spyLauncher, p *scriptProber) *Sequencer {
	t.Helper()
	return New(Options{
		Root:      t.TempDir(),
		Launcher:  l,
		Prober:    p,
		Installer: &fakeInstaller{},
	})
}

func TestDeploy_FullStackScenario(t *testing.T) {
	reg, err := registry.New([]registry.ServiceSpec{
		{Name: "db", Command: []string{"run-db"}, Health: portCheck(19530, 3)},
		{Name: "backend", Command: []string{"run-backend"}, DependsOn: []string{"db"}, Health: portCheck(5000, 3)},
		{Name: "frontend", Command: []string{"run-frontend"}, DependsOn: []string{"backend"}, Health: portCheck(3000, 3)},
	})
	require.NoError(t, err)

	l := &spyLauncher{}
	p := newScriptProber()
	p.script("port:19530", healthy(1))
	p.script("port:5000", healthy(2))
	p.script("port:3000", unhealthy(3, "connection refused"))

	run, err := newTestSequencer(t, l, p).Deploy(context.Background(), reg)
	require.NoError(t, err)

	require.Equal(t, state.StatusHealthy, run.Service("db").Status)
	require.Equal(t, 1, run.Service("db").ProbeAttempts)
	require.Equal(t, state.StatusHealthy, run.Service("backend").Status)
	require.Equal(t, 2, run.Service("backend").ProbeAttempts)
	require.Equal(t, state.StatusFailed, run.Service("frontend").Status)
	require.Contains(t, run.Service("frontend").LastError, "connection refused")
	require.Equal(t, []string{"db", "backend", "frontend"}, l.startedServices())
}

func TestDeploy_FailedDependencySkipsDependent(t *testing.T) {
	reg, err := registry.New([]registry.ServiceSpec{
		{Name: "a", Command: []string{"run-a"}, Health: portCheck(1001, 3)},
		{Name: "b", Command: []string{"run-b"}, DependsOn: []string{"a"}, Health: portCheck(1002, 3)},
		{Name: "c", Command: []string{"run-c"}, DependsOn: []string{"b"}, Health: portCheck(1003, 3)},
	})
	require.NoError(t, err)

	l := &spyLauncher{}
	p := newScriptProber()
	p.script("port:1001", unhealthy(3, "never came up"))

	run, err := newTestSequencer(t, l, p).Deploy(context.Background(), reg)
	require.NoError(t, err)

	require.Equal(t, state.StatusFailed, run.Service("a").Status)
	require.Equal(t, state.StatusSkipped, run.Service("b").Status)
	require.Contains(t, run.Service("b").Reason, "dependency a failed")
	// Skips cascade: c's dependency b never ran.
	require.Equal(t, state.StatusSkipped, run.Service("c").Status)
	require.Equal(t, []string{"a"}, l.startedServices(), "b and c must never be started")
}

func TestDeploy_IndependentServiceContinuesAfterFailure(t *testing.T) {
	reg, err := registry.New([]registry.ServiceSpec{
		{Name: "broken", Command: []string{"run-broken"}, Health: portCheck(1001, 3)},
		{Name: "independent", Command: []string{"run-ok"}, Health: portCheck(1002, 3)},
	})
	require.NoError(t, err)

	l := &spyLauncher{}
	p := newScriptProber()
	p.script("port:1001", unhealthy(3, "boom"))
	p.script("port:1002", healthy(1))

	run, err := newTestSequencer(t, l, p).Deploy(context.Background(), reg)
	require.NoError(t, err)

	require.Equal(t, state.StatusFailed, run.Service("broken").Status)
	require.Equal(t, state.StatusHealthy, run.Service("independent").Status)
}

func TestDeploy_FallbackTriedExactlyOnce(t *testing.T) {
	reg, err := registry.New([]registry.ServiceSpec{
		{
			Name:     "svc",
			Command:  []string{"primary"},
			Health:   portCheck(1001, 3),
			Fallback: &registry.FallbackStart{Command: []string{"alternate"}},
		},
	})
	require.NoError(t, err)

	l := &spyLauncher{}
	p := newScriptProber()
	p.script("port:1001", unhealthy(3, "refused"), unhealthy(3, "still refused"))

	run, err := newTestSequencer(t, l, p).Deploy(context.Background(), reg)
	require.NoError(t, err)

	rec := run.Service("svc")
	require.Equal(t, state.StatusFailed, rec.Status)
	require.True(t, rec.FallbackUsed)
	require.Len(t, l.starts, 2, "primary and fallback, never a third attempt")
	require.Equal(t, []string{"primary"}, l.starts[0].Argv)
	require.Equal(t, []string{"alternate"}, l.starts[1].Argv)
	require.Len(t, l.stops, 1, "unhealthy primary must be stopped before the fallback starts")
	require.Equal(t, 6, rec.ProbeAttempts, "probe history covers both attempts")
}

func TestDeploy_FallbackRecovers(t *testing.T) {
	reg, err := registry.New([]registry.ServiceSpec{
		{
			Name:     "svc",
			Command:  []string{"primary"},
			Health:   portCheck(1001, 3),
			Fallback: &registry.FallbackStart{Command: []string{"alternate"}},
		},
	})
	require.NoError(t, err)

	l := &spyLauncher{}
	p := newScriptProber()
	p.script("port:1001", unhealthy(3, "refused"), healthy(1))

	run, err := newTestSequencer(t, l, p).Deploy(context.Background(), reg)
	require.NoError(t, err)

	rec := run.Service("svc")
	require.Equal(t, state.StatusHealthy, rec.Status)
	require.True(t, rec.FallbackUsed)
	require.Len(t, l.starts, 2)
}

func TestDeploy_StartFailureCountsAsProbeFailure(t *testing.T) {
	reg, err := registry.New([]registry.ServiceSpec{
		{
			Name:     "svc",
			Command:  []string{"missing-binary"},
			Health:   portCheck(1001, 3),
			Fallback: &registry.FallbackStart{Command: []string{"alternate"}},
		},
	})
	require.NoError(t, err)

	l := &spyLauncher{}
	p := newScriptProber()
	p.script("port:1001", healthy(1))

	// The primary launch errors out; the fallback launches fine.
	failOnce := true
	wrapped := &startOnceFailLauncher{inner: l, failFirst: &failOnce}
	seq := New(Options{Root: t.TempDir(), Launcher: wrapped, Prober: p, Installer: &fakeInstaller{}})

	run, err := seq.Deploy(context.Background(), reg)
	require.NoError(t, err)

	rec := run.Service("svc")
	require.Equal(t, state.StatusHealthy, rec.Status)
	require.True(t, rec.FallbackUsed, "launch error must trigger the fallback path")
}

type startOnceFailLauncher struct {
	inner     *spyLauncher
	failFirst *bool
}

func (l *startOnceFailLauncher) Start(ctx context.Context, spec launch.Spec) (launch.Handle, error) {
	if *l.failFirst {
		*l.failFirst = false
		l.inner.starts = append(l.inner.starts, spec)
		return launch.Handle{}, errors.New("exec: not found")
	}
	return l.inner.Start(ctx, spec)
}

func (l *startOnceFailLauncher) Stop(ctx context.Context, h launch.Handle) error {
	return l.inner.Stop(ctx, h)
}

func TestDeploy_OptionalServiceDegradesInsteadOfFailing(t *testing.T) {
	reg, err := registry.New([]registry.ServiceSpec{
		{Name: "extra", Command: []string{"run-extra"}, Optional: true, Health: portCheck(1001, 3)},
		{Name: "dependent", Command: []string{"run-dep"}, DependsOn: []string{"extra"}, Health: portCheck(1002, 3)},
	})
	require.NoError(t, err)

	l := &spyLauncher{}
	p := newScriptProber()
	p.script("port:1001", unhealthy(3, "no dice"))
	p.script("port:1002", healthy(1))

	run, err := newTestSequencer(t, l, p).Deploy(context.Background(), reg)
	require.NoError(t, err)

	require.Equal(t, state.StatusDegraded, run.Service("extra").Status)
	require.Equal(t, state.StatusHealthy, run.Service("dependent").Status,
		"an optional dependency must not block its dependents")
}

func TestDeploy_InstallFailureDoesNotAbortStart(t *testing.T) {
	reg, err := registry.New([]registry.ServiceSpec{
		{
			Name:    "svc",
			Command: []string{"run-svc"},
			Tools:   []registry.ToolRequirement{{Name: "sometool"}},
			Health:  portCheck(1001, 3),
		},
	})
	require.NoError(t, err)

	l := &spyLauncher{}
	p := newScriptProber()
	p.script("port:1001", healthy(1))
	inst := &fakeInstaller{fail: map[string]string{"sometool": "no package manager"}}

	seq := New(Options{Root: t.TempDir(), Launcher: l, Prober: p, Installer: inst})
	run, err := seq.Deploy(context.Background(), reg)
	require.NoError(t, err)

	rec := run.Service("svc")
	require.Equal(t, state.StatusHealthy, rec.Status)
	require.Len(t, rec.Installs, 1)
	require.Equal(t, "failed", rec.Installs[0].Outcome)
	require.Equal(t, []string{"svc"}, l.startedServices(), "start attempted despite install failure")
}

func TestDeploy_NoHealthCheckIsHealthyAfterStart(t *testing.T) {
	reg, err := registry.New([]registry.ServiceSpec{
		{Name: "oneshot", Command: []string{"run"}},
	})
	require.NoError(t, err)

	l := &spyLauncher{}
	run, err := newTestSequencer(t, l, newScriptProber()).Deploy(context.Background(), reg)
	require.NoError(t, err)
	require.Equal(t, state.StatusHealthy, run.Service("oneshot").Status)
	require.Zero(t, run.Service("oneshot").ProbeAttempts)
}

func TestDeploy_CancellationSkipsRemaining(t *testing.T) {
	reg, err := registry.New([]registry.ServiceSpec{
		{Name: "a", Command: []string{"run-a"}},
		{Name: "b", Command: []string{"run-b"}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := &spyLauncher{}
	run, err := newTestSequencer(t, l, newScriptProber()).Deploy(ctx, reg)
	require.NoError(t, err)

	require.Empty(t, l.starts, "nothing may launch after cancellation")
	require.Equal(t, state.StatusSkipped, run.Service("a").Status)
	require.Equal(t, state.StatusSkipped, run.Service("b").Status)
	require.Equal(t, "deployment cancelled", run.Service("a").Reason)
}

func TestDeploy_ReentryStopsPriorInstance(t *testing.T) {
	reg, err := registry.New([]registry.ServiceSpec{
		{Name: "svc", Command: []string{"run"}, Health: portCheck(1001, 3)},
	})
	require.NoError(t, err)

	prior := state.NewRun("/tmp/x")
	prior.Services = []state.ServiceRecord{
		// Our own test process stands in for a live prior instance.
		{Name: "svc", PID: os.Getpid(), Status: state.StatusHealthy},
	}

	l := &spyLauncher{}
	p := newScriptProber()
	p.script("port:1001", healthy(1))

	seq := New(Options{Root: t.TempDir(), Launcher: l, Prober: p, Installer: &fakeInstaller{}, PriorRun: prior})
	run, err := seq.Deploy(context.Background(), reg)
	require.NoError(t, err)

	require.Equal(t, state.StatusHealthy, run.Service("svc").Status)
	require.Len(t, l.stops, 1)
	require.Equal(t, os.Getpid(), l.stops[0].PID)
}

func TestDeploy_CycleIsFatalBeforeAnyStart(t *testing.T) {
	_, err := registry.New([]registry.ServiceSpec{
		{Name: "a", Command: []string{"x"}, DependsOn: []string{"b"}},
		{Name: "b", Command: []string{"x"}, DependsOn: []string{"a"}},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, registry.ErrCyclicDependency))
}

func TestDeploy_IdempotentRerunSameSummary(t *testing.T) {
	specs := []registry.ServiceSpec{
		{Name: "db", Command: []string{"run-db"}, Health: portCheck(19530, 3)},
		{Name: "backend", Command: []string{"run-backend"}, DependsOn: []string{"db"}, Health: portCheck(5000, 3)},
	}
	reg, err := registry.New(specs)
	require.NoError(t, err)

	statuses := func(run *state.DeploymentRun) map[string]state.Status {
		out := map[string]state.Status{}
		for _, svc := range run.Services {
			out[svc.Name] = svc.Status
		}
		return out
	}

	var prior *state.DeploymentRun
	var first, second map[string]state.Status
	for i := 0; i < 2; i++ {
		l := &spyLauncher{}
		p := newScriptProber()
		p.script("port:19530", healthy(1))
		p.script("port:5000", healthy(1))
		seq := New(Options{Root: t.TempDir(), Launcher: l, Prober: p, Installer: &fakeInstaller{}, PriorRun: prior})
		run, err := seq.Deploy(context.Background(), reg)
		require.NoError(t, err)
		if i == 0 {
			first = statuses(run)
		} else {
			second = statuses(run)
		}
		prior = run
	}
	require.Equal(t, first, second)
}
