package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/stackctl/pkg/registry"
	"github.com/go-go-golems/stackctl/pkg/state"
)

type Verdict string

const (
	VerdictHealthy   Verdict = "healthy"
	VerdictUnhealthy Verdict = "unhealthy"
	VerdictTimedOut  Verdict = "timed-out"
)

type Result struct {
	Verdict   Verdict
	Attempts  int
	Elapsed   time.Duration
	LastError string
}

func (r Result) Healthy() bool {
	return r.Verdict == VerdictHealthy
}

const (
	defaultInterval    = 2 * time.Second
	defaultTimeout     = 1 * time.Second
	defaultMaxAttempts = 10
)

// Prober runs bounded-retry health checks. It is stateless per call
// and safe for reuse across services.
type Prober struct {
	// attemptFn is swappable in tests.
	attemptFn func(ctx context.Context, check registry.HealthCheck) error
}

func New() *Prober {
	p := &Prober{}
	p.attemptFn = p.attemptOnce
	return p
}

// Probe issues up to MaxAttempts attempts spaced Interval apart, each
// bounded by Timeout. The first success returns immediately. Total
// blocking time never exceeds roughly Interval*MaxAttempts; waiting
// between attempts is timer-based and aborts on ctx cancellation.
func (p *Prober) Probe(ctx context.Context, check registry.HealthCheck) Result {
	interval := check.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxAttempts := check.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	start := time.Now()
	res := Result{Verdict: VerdictTimedOut}
	completedAny := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := p.attemptFn(attemptCtx, check)
		cancel()

		res.Attempts = attempt
		if err == nil {
			res.Verdict = VerdictHealthy
			res.LastError = ""
			res.Elapsed = time.Since(start)
			return res
		}
		res.LastError = err.Error()
		if !errors.Is(err, context.DeadlineExceeded) {
			completedAny = true
		}

		if attempt == maxAttempts {
			break
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			res.Verdict = VerdictUnhealthy
			res.LastError = ctx.Err().Error()
			res.Elapsed = time.Since(start)
			return res
		case <-t.C:
		}
	}

	if completedAny {
		res.Verdict = VerdictUnhealthy
	}
	res.Elapsed = time.Since(start)
	return res
}

func (p *Prober) attemptOnce(ctx context.Context, check registry.HealthCheck) error {
	switch check.Kind {
	case registry.CheckPortListening:
		if check.Port <= 0 {
			return errors.New("port-listening check missing port")
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", check.Port))
		if err != nil {
			return errors.Wrap(err, "tcp dial")
		}
		_ = conn.Close()
		return nil

	case registry.CheckHTTPGet:
		if check.URL == "" {
			return errors.New("http-get check missing url")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, check.URL, nil)
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return errors.Wrap(err, "http get")
		}
		_ = resp.Body.Close()
		// 2xx means ready, 3xx means routing (frontends commonly
		// redirect their root). Anything else is not usable yet.
		if resp.StatusCode >= 200 && resp.StatusCode < 400 {
			return nil
		}
		return errors.Errorf("unexpected status %d", resp.StatusCode)

	case registry.CheckProcessAlive:
		if check.Pattern == "" {
			return errors.New("process-alive check missing pattern")
		}
		if _, ok := state.FindProcess(check.Pattern); !ok {
			return errors.Errorf("no process matching %q", check.Pattern)
		}
		return nil

	default:
		return errors.Errorf("unsupported health check kind %q", check.Kind)
	}
}
