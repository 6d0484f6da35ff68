package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/protocol"
)

// attachedRunner spawns the agent as a child process, feeds the prompt on
// stdin, and parses the terminal signal from its combined output.
type attachedRunner struct {
	cfg    Config
	logger *zap.Logger
}

func (r *attachedRunner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	timeoutCtx, cancel := context.WithTimeout(ctx, r.cfg.SignalTimeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = req.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = r.cfg.WorkDir
	}
	cmd.Stdin = bytes.NewReader([]byte(req.Prompt))
	cmd.Env = append(os.Environ(), req.env()...)

	r.logger.Info("spawning agent",
		zap.String("run_id", req.RunID),
		zap.String("phase", req.Phase),
		zap.Int("iteration", req.Iteration),
		zap.String("command", r.cfg.Command))

	output, runErr := cmd.CombinedOutput()
	elapsed := time.Since(start)

	// Parent cancellation aborts the attempt without recording it.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if timeoutCtx.Err() == context.DeadlineExceeded {
		r.logger.Warn("agent timed out",
			zap.String("run_id", req.RunID),
			zap.String("phase", req.Phase),
			zap.Duration("timeout", r.cfg.SignalTimeout))
		return nil, fmt.Errorf("%w: after %v", ErrSignalTimeout, r.cfg.SignalTimeout)
	}

	sig, parseErr := protocol.ParseSignal(string(output))
	if parseErr != nil {
		// An agent that exits badly and signals nothing is reported as
		// the missing-signal failure, with the exit error attached.
		if runErr != nil {
			return nil, fmt.Errorf("agent exited with %v: %w", runErr, parseErr)
		}
		return nil, parseErr
	}

	// A valid signal wins over the exit status; agents may exit nonzero
	// when they report BLOCKED.
	if runErr != nil && sig.Kind != protocol.SignalBlocked {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			r.logger.Warn("agent signaled completion but exited nonzero",
				zap.String("run_id", req.RunID),
				zap.String("phase", req.Phase),
				zap.Int("exit_code", exitErr.ExitCode()))
		}
	}

	r.logger.Info("agent finished",
		zap.String("run_id", req.RunID),
		zap.String("phase", req.Phase),
		zap.String("signal", sig.String()),
		zap.Duration("duration", elapsed))

	return &Result{
		Signal:   sig,
		Output:   string(output),
		Duration: elapsed,
	}, nil
}
