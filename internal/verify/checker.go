// Package verify executes a phase's declared checks.
//
// A check is a shell-level command that passes when it exits zero. The
// executor depends only on the Runner; the Runner depends only on the
// Checker capability, so tests substitute a fake without spawning
// processes. Per-check retry policy (on_fail: retry, max_retries) lives
// in the Runner and is counted separately from the enclosing phase's
// iteration budget.
package verify

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// Execution is the raw outcome of running one check command once.
type Execution struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Checker executes a single check command. Implementations must be
// idempotent with respect to run state: running a check twice against an
// unchanged artifact yields the same result.
type Checker interface {
	Check(ctx context.Context, command string) (*Execution, error)
}

// maxOutputBytes caps captured diagnostics per execution.
const maxOutputBytes = 64 * 1024

// CommandChecker shells out through "sh -c" with a per-check timeout.
type CommandChecker struct {
	timeout time.Duration
	workDir string
	logger  *zap.Logger
}

// NewCommandChecker builds a Checker that runs commands under timeout in
// workDir (empty means the daemon's working directory).
func NewCommandChecker(timeout time.Duration, workDir string, logger *zap.Logger) (*CommandChecker, error) {
	if timeout <= 0 {
		return nil, errors.New("check timeout must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandChecker{timeout: timeout, workDir: workDir, logger: logger}, nil
}

func (c *CommandChecker) Check(ctx context.Context, command string) (*Execution, error) {
	start := time.Now()

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, "sh", "-c", command)
	cmd.Dir = c.workDir

	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	// Parent cancellation aborts the check entirely.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res := &Execution{
		Output:   truncate(string(output), maxOutputBytes),
		Duration: elapsed,
	}

	if timeoutCtx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		res.Output += "\n(check timed out after " + c.timeout.String() + ")"
		return res, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		// Spawn-level failure: the command never ran.
		return nil, err
	}

	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n(output truncated)"
}
