package report

import (
	"strings"
	"time"

	"github.com/go-go-golems/stackctl/pkg/state"
)

// ServiceSummary is the per-service slice of the diagnostic report,
// in both the human and machine-readable outputs.
type ServiceSummary struct {
	Name      string       `json:"name"`
	State     state.Status `json:"state"`
	Reason    string       `json:"reason,omitempty"`
	Optional  bool         `json:"optional,omitempty"`
	Attempts  int          `json:"attempts"`
	ElapsedMs int64        `json:"elapsed_ms"`
	Hint      string       `json:"hint,omitempty"`
}

type Summary struct {
	RunID     string           `json:"run_id"`
	CreatedAt time.Time        `json:"created_at"`
	Services  []ServiceSummary `json:"services"`
}

// Build derives a summary from a finished (or snapshotted) run. It is
// pure: it never touches the host and works as well against a run
// deserialized from disk as against a live one.
func Build(run state.DeploymentRun) Summary {
	s := Summary{
		RunID:     run.ID,
		CreatedAt: run.CreatedAt,
		Services:  make([]ServiceSummary, 0, len(run.Services)),
	}
	for _, svc := range run.Services {
		reason := svc.Reason
		if reason == "" {
			reason = svc.LastError
		}
		if svc.Status == state.StatusHealthy {
			// LastError on a healthy service is the primary attempt's
			// failure before a fallback rescued it; surface it as that,
			// never as a bare error under a healthy row.
			reason = ""
			if svc.FallbackUsed && svc.LastError != "" {
				reason = "fallback used: " + svc.LastError
			}
		}
		s.Services = append(s.Services, ServiceSummary{
			Name:      svc.Name,
			State:     svc.Status,
			Reason:    reason,
			Optional:  svc.Optional,
			Attempts:  svc.ProbeAttempts,
			ElapsedMs: svc.ProbeElapsed,
			Hint:      hintFor(svc),
		})
	}
	return s
}

// OverallHealthy is true iff every non-optional service ended Healthy.
// Degraded optional services do not count against it.
func (s Summary) OverallHealthy() bool {
	for _, svc := range s.Services {
		if svc.Optional {
			continue
		}
		if svc.State != state.StatusHealthy {
			return false
		}
	}
	return true
}

// ByName returns the machine-readable mapping from service name to its
// summary row.
func (s Summary) ByName() map[string]ServiceSummary {
	out := make(map[string]ServiceSummary, len(s.Services))
	for _, svc := range s.Services {
		out[svc.Name] = svc
	}
	return out
}

// hint lookup is static, keyed by failure signature. Order matters:
// the first matching pattern wins.
var hints = []struct {
	contains string
	hint     string
}{
	{"start failed", "the start command did not launch; check that the tool installs above succeeded and the command exists on PATH"},
	{"address already in use", "another process holds the port; re-run the deployment to evict the recorded instance, or stop the foreign process"},
	{"connection refused", "nothing is listening on the target yet; check the service stderr log for crash output, and make sure the service binds 0.0.0.0 rather than loopback-only if probed from elsewhere"},
	{"timed-out", "probe attempts never completed; the service may be slow to initialize — raise max_attempts or interval for it"},
	{"unexpected status", "the endpoint answers but reports not-ready; inspect the application log for startup errors"},
	{"dependency", "fix the failed dependency first; this service was never started"},
	{"cancelled", "the run was interrupted; re-run the deployment to converge"},
}

func hintFor(svc state.ServiceRecord) string {
	if svc.Status == state.StatusHealthy {
		return ""
	}
	haystack := svc.Reason + " " + svc.LastError
	for _, h := range hints {
		if strings.Contains(haystack, h.contains) {
			return h.hint
		}
	}
	for _, inst := range svc.Installs {
		if inst.Outcome == "failed" {
			return "a required tool failed to install; install it manually and re-run"
		}
	}
	return ""
}
