package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/protocol"
)

const instrumentationName = "github.com/fyrsmithlabs/conductd/internal/verify"

// RetryConfig shapes the backoff between re-executions of a check that
// declares on_fail: retry.
type RetryConfig struct {
	// InitialBackoff is the wait before the first retry.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait between retries.
	// Default: 2
	BackoffMultiplier float64
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
}

// CheckResult is the final outcome of one named check, after any
// Runner-level retries.
type CheckResult struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Report aggregates every check's result for one VERIFY step.
type Report struct {
	Results []CheckResult `json:"results"`
}

// Passed reports whether every check passed.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// Diagnostics concatenates failing checks' output for the feedback
// bundle, tagged by check name.
func (r *Report) Diagnostics() string {
	var b strings.Builder
	for i := range r.Results {
		b.WriteString(r.Results[i].Section())
	}
	return b.String()
}

// Section formats one failing check's contribution to the feedback
// bundle; empty when the check passed.
func (r *CheckResult) Section() string {
	if r.Passed {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "### Check %q failed (exit %d, %d attempt(s))\n", r.Name, r.ExitCode, r.Attempts)
	if out := strings.TrimSpace(r.Output); out != "" {
		b.WriteString(out)
		b.WriteString("\n")
	}
	return b.String()
}

// Runner executes a set of declared checks through a Checker, applying
// each check's retry policy.
type Runner struct {
	checker Checker
	retry   RetryConfig
	logger  *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	executedCounter metric.Int64Counter
	failedCounter   metric.Int64Counter
}

// NewRunner creates a check runner. The checker is required.
func NewRunner(checker Checker, retry RetryConfig, logger *zap.Logger) (*Runner, error) {
	if checker == nil {
		return nil, errors.New("checker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	retry.ApplyDefaults()

	r := &Runner{
		checker: checker,
		retry:   retry,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	r.initMetrics()
	return r, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (r *Runner) initMetrics() {
	var err error

	r.executedCounter, err = r.meter.Int64Counter(
		"conductd.verify.checks.executed",
		metric.WithDescription("Total number of check executions, retries included"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		r.logger.Warn("failed to create check execution counter", zap.Error(err))
	}

	r.failedCounter, err = r.meter.Int64Counter(
		"conductd.verify.checks.failed",
		metric.WithDescription("Total number of checks that failed after retries"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		r.logger.Warn("failed to create check failure counter", zap.Error(err))
	}
}

// RunChecks executes every declared check in deterministic (sorted name)
// order and returns the aggregate report. A nil or empty check map yields
// an empty passing report. The returned error is reserved for
// infrastructure failures (cancellation, spawn errors); ordinary check
// failures are reported in the Report.
func (r *Runner) RunChecks(ctx context.Context, checks map[string]protocol.CheckSpec) (*Report, error) {
	ctx, span := r.tracer.Start(ctx, "verify.run_checks")
	defer span.End()

	report := &Report{}
	if len(checks) == 0 {
		return report, nil
	}

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		res, err := r.runCheck(ctx, name, checks[name])
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", name, err)
		}
		report.Results = append(report.Results, *res)

		if !res.Passed && r.failedCounter != nil {
			r.failedCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("check", name),
			))
		}
	}

	return report, nil
}

// runCheck executes one check, re-running it per its on_fail policy.
func (r *Runner) runCheck(ctx context.Context, name string, spec protocol.CheckSpec) (*CheckResult, error) {
	retries := 0
	if spec.OnFail == protocol.OnFailRetry {
		retries = spec.MaxRetries
	}

	var (
		last    *Execution
		total   time.Duration
		backoff = r.retry.InitialBackoff
	)

	for attempt := 0; attempt <= retries; attempt++ {
		exec, err := r.checker.Check(ctx, spec.Command)
		if err != nil {
			return nil, err
		}
		if r.executedCounter != nil {
			r.executedCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("check", name),
			))
		}

		last = exec
		total += exec.Duration

		if exec.ExitCode == 0 {
			if attempt > 0 {
				r.logger.Info("check recovered after retries",
					zap.String("check", name),
					zap.Int("attempts", attempt+1))
			}
			return &CheckResult{
				Name:     name,
				Passed:   true,
				Attempts: attempt + 1,
				Output:   exec.Output,
				Duration: total,
			}, nil
		}

		if attempt == retries {
			break
		}

		r.logger.Info("check failed, retrying",
			zap.String("check", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", retries+1),
			zap.Int("exit_code", exec.ExitCode),
			zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("check canceled: %w", ctx.Err())
		case <-time.After(backoff):
			next := time.Duration(float64(backoff) * r.retry.BackoffMultiplier)
			if next > r.retry.MaxBackoff {
				next = r.retry.MaxBackoff
			}
			backoff = next
		}
	}

	r.logger.Warn("check failed after all attempts",
		zap.String("check", name),
		zap.Int("attempts", retries+1),
		zap.Int("exit_code", last.ExitCode))

	return &CheckResult{
		Name:     name,
		Passed:   false,
		ExitCode: last.ExitCode,
		Attempts: retries + 1,
		Output:   last.Output,
		Duration: total,
	}, nil
}
