package verify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/protocol"
)

// fakeChecker replays a scripted sequence of exit codes; the last entry
// repeats for any further calls.
type fakeChecker struct {
	mu     sync.Mutex
	script []int
	calls  int
	output string
}

func (f *fakeChecker) Check(ctx context.Context, command string) (*Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	return &Execution{ExitCode: f.script[idx], Output: f.output, Duration: time.Millisecond}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestNewRunner_RequiresChecker(t *testing.T) {
	_, err := NewRunner(nil, RetryConfig{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checker is required")
}

func TestNewRunner_NilLoggerDefaults(t *testing.T) {
	r, err := NewRunner(&fakeChecker{script: []int{0}}, RetryConfig{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestRunChecks_EmptyIsPassing(t *testing.T) {
	r, err := NewRunner(&fakeChecker{script: []int{0}}, fastRetry(), zap.NewNop())
	require.NoError(t, err)

	report, err := r.RunChecks(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.Empty(t, report.Results)
}

func TestRunChecks_DeterministicOrder(t *testing.T) {
	r, err := NewRunner(&fakeChecker{script: []int{0}}, fastRetry(), zap.NewNop())
	require.NoError(t, err)

	checks := map[string]protocol.CheckSpec{
		"tests":  {Command: "true", OnFail: protocol.OnFailFail},
		"build":  {Command: "true", OnFail: protocol.OnFailFail},
		"format": {Command: "true", OnFail: protocol.OnFailFail},
	}
	report, err := r.RunChecks(context.Background(), checks)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	assert.Equal(t, "build", report.Results[0].Name)
	assert.Equal(t, "format", report.Results[1].Name)
	assert.Equal(t, "tests", report.Results[2].Name)
	assert.True(t, report.Passed())
}

func TestRunChecks_FailureReported(t *testing.T) {
	checker := &fakeChecker{script: []int{3}, output: "assertion failed"}
	r, err := NewRunner(checker, fastRetry(), zap.NewNop())
	require.NoError(t, err)

	report, err := r.RunChecks(context.Background(), map[string]protocol.CheckSpec{
		"tests": {Command: "go test ./...", OnFail: protocol.OnFailFail},
	})
	require.NoError(t, err)
	assert.False(t, report.Passed())

	res := report.Results[0]
	assert.False(t, res.Passed)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, 1, res.Attempts, "on_fail: fail must not retry")
	assert.Equal(t, 1, checker.calls)
}

func TestRunChecks_RetryRecovers(t *testing.T) {
	checker := &fakeChecker{script: []int{1, 1, 0}}
	r, err := NewRunner(checker, fastRetry(), zap.NewNop())
	require.NoError(t, err)

	report, err := r.RunChecks(context.Background(), map[string]protocol.CheckSpec{
		"flaky": {Command: "curl healthz", OnFail: protocol.OnFailRetry, MaxRetries: 2},
	})
	require.NoError(t, err)
	assert.True(t, report.Passed())

	res := report.Results[0]
	assert.True(t, res.Passed)
	assert.Equal(t, 3, res.Attempts, "expected exactly two retries before success")
	assert.Equal(t, 3, checker.calls)
}

func TestRunChecks_RetryExhausted(t *testing.T) {
	checker := &fakeChecker{script: []int{1}, output: "connection refused"}
	r, err := NewRunner(checker, fastRetry(), zap.NewNop())
	require.NoError(t, err)

	report, err := r.RunChecks(context.Background(), map[string]protocol.CheckSpec{
		"flaky": {Command: "curl healthz", OnFail: protocol.OnFailRetry, MaxRetries: 2},
	})
	require.NoError(t, err)
	assert.False(t, report.Passed())

	res := report.Results[0]
	assert.False(t, res.Passed)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, res.ExitCode)
}

func TestRunChecks_CancelStopsRetryLoop(t *testing.T) {
	checker := &fakeChecker{script: []int{1}}
	retry := RetryConfig{InitialBackoff: time.Hour}
	r, err := NewRunner(checker, retry, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = r.RunChecks(ctx, map[string]protocol.CheckSpec{
		"flaky": {Command: "sleep 1", OnFail: protocol.OnFailRetry, MaxRetries: 5},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReport_Diagnostics(t *testing.T) {
	report := &Report{Results: []CheckResult{
		{Name: "build", Passed: true, Output: "ok"},
		{Name: "tests", Passed: false, ExitCode: 1, Attempts: 1, Output: "FAIL: TestFoo"},
		{Name: "vet", Passed: false, ExitCode: 2, Attempts: 3, Output: "suspicious construct"},
	}}

	diag := report.Diagnostics()
	assert.NotContains(t, diag, "build")
	assert.Contains(t, diag, `Check "tests" failed (exit 1, 1 attempt(s))`)
	assert.Contains(t, diag, "FAIL: TestFoo")
	assert.Contains(t, diag, `Check "vet" failed (exit 2, 3 attempt(s))`)
	assert.Contains(t, diag, "suspicious construct")
}

func TestRetryConfig_ApplyDefaults(t *testing.T) {
	var cfg RetryConfig
	cfg.ApplyDefaults()
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
}
