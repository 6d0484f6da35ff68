package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/protocol"
	"github.com/fyrsmithlabs/conductd/internal/sanitize"
)

// detachedRunner hands the prompt to an agent it does not hold pipes to
// and waits for the agent to write its terminal signal to a file under
// the signal directory. The agent learns both paths from its
// environment (CONDUCTD_PROMPT_FILE, CONDUCTD_SIGNAL_FILE); an
// externally managed agent finds them by polling the directory.
type detachedRunner struct {
	cfg    Config
	logger *zap.Logger
}

// pollInterval backstops fsnotify on filesystems that drop events.
const pollInterval = 2 * time.Second

func (r *detachedRunner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if err := os.MkdirAll(r.cfg.SignalDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating signal directory: %w", err)
	}

	base := attemptName(req)
	signalPath := filepath.Join(r.cfg.SignalDir, base+".signal")
	promptPath := filepath.Join(r.cfg.SignalDir, base+".prompt")

	// A stale signal file from a crashed attempt must not satisfy this
	// one.
	if err := os.Remove(signalPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("clearing stale signal file: %w", err)
	}

	if err := os.WriteFile(promptPath, []byte(req.Prompt), 0o644); err != nil {
		return nil, fmt.Errorf("writing prompt file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("initializing signal watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: the file does not exist yet.
	if err := watcher.Add(r.cfg.SignalDir); err != nil {
		return nil, fmt.Errorf("watching signal directory: %w", err)
	}

	if r.cfg.Command != "" {
		if err := r.spawn(req, promptPath, signalPath); err != nil {
			return nil, err
		}
	}

	r.logger.Info("waiting for detached signal",
		zap.String("run_id", req.RunID),
		zap.String("phase", req.Phase),
		zap.Int("iteration", req.Iteration),
		zap.String("signal_file", signalPath))

	timeoutCtx, cancel := context.WithTimeout(ctx, r.cfg.SignalTimeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		// Check first: the agent may have written the file before the
		// watcher was in place, and again between events.
		if res, ok := r.tryRead(signalPath, start); ok {
			r.cleanup(signalPath, promptPath)
			r.logger.Info("detached agent signaled",
				zap.String("run_id", req.RunID),
				zap.String("phase", req.Phase),
				zap.String("signal", res.Signal.String()),
				zap.Duration("duration", res.Duration))
			return res, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCtx.Done():
			r.logger.Warn("detached agent timed out",
				zap.String("run_id", req.RunID),
				zap.String("phase", req.Phase),
				zap.Duration("timeout", r.cfg.SignalTimeout))
			return nil, fmt.Errorf("%w: after %v", ErrSignalTimeout, r.cfg.SignalTimeout)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil, errors.New("signal watcher closed unexpectedly")
			}
			if ev.Name != signalPath {
				continue
			}
			// Loop re-checks the file on Create and Write.
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil, errors.New("signal watcher closed unexpectedly")
			}
			r.logger.Warn("signal watcher error", zap.Error(werr))
		case <-ticker.C:
			// Poll fallback; the read at the top of the loop does the
			// work.
		}
	}
}

// spawn starts the agent without holding its pipes and reaps it in the
// background. The agent's lifetime is independent of this attempt; only
// the signal file matters.
func (r *detachedRunner) spawn(req Request, promptPath, signalPath string) error {
	cmd := exec.Command(r.cfg.Command, r.cfg.Args...)
	cmd.Dir = req.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = r.cfg.WorkDir
	}
	cmd.Env = append(os.Environ(), req.env()...)
	cmd.Env = append(cmd.Env,
		"CONDUCTD_PROMPT_FILE="+promptPath,
		"CONDUCTD_SIGNAL_FILE="+signalPath,
	)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning detached agent: %w", err)
	}

	r.logger.Info("spawned detached agent",
		zap.String("run_id", req.RunID),
		zap.String("phase", req.Phase),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("command", r.cfg.Command))

	go func() {
		// Reap. The exit status carries no information in detached
		// mode; the signal file is the only contract.
		_ = cmd.Wait()
	}()
	return nil
}

// tryRead attempts to parse a terminal signal from the file. A file that
// exists but does not parse is treated as still being written.
func (r *detachedRunner) tryRead(signalPath string, start time.Time) (*Result, bool) {
	data, err := os.ReadFile(signalPath)
	if err != nil {
		return nil, false
	}
	sig, err := protocol.ParseSignal(string(data))
	if err != nil {
		return nil, false
	}
	return &Result{
		Signal:   sig,
		Output:   string(data),
		Duration: time.Since(start),
	}, true
}

func (r *detachedRunner) cleanup(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("removing attempt file", zap.String("path", p), zap.Error(err))
		}
	}
}

// attemptName derives a filesystem-safe name unique to one attempt.
func attemptName(req Request) string {
	return sanitize.AttemptName(req.RunID, req.Phase, req.PlanPhase, strconv.Itoa(req.Iteration))
}
