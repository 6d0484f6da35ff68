// Package agent spawns build agents and waits for their terminal signal.
//
// The executor treats "run an agent and get its output" as an external
// collaborator behind the Runner contract: given a rendered prompt, the
// agent eventually emits exactly one terminal signal. Two modes exist.
// Attached mode spawns a subprocess, feeds the prompt on stdin, and
// parses the signal from its captured output. Detached mode hands the
// prompt to a long-lived external agent (or spawns one without holding
// its pipes) and watches a signal file the agent writes when done.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/protocol"
)

// Runner modes.
const (
	ModeAttached = "attached"
	ModeDetached = "detached"
)

// ErrSignalTimeout indicates the agent produced no terminal signal within
// the configured timeout. The executor treats it as an implicit BLOCKED.
var ErrSignalTimeout = errors.New("agent produced no terminal signal within the timeout")

// Config controls runner construction.
type Config struct {
	// Command and Args name the agent executable. Required in attached
	// mode; optional in detached mode, where an external agent may
	// already be running.
	Command string
	Args    []string

	// WorkDir is the default working directory for spawned agents.
	WorkDir string

	// Mode selects attached or detached operation.
	Mode string

	// SignalDir is where detached agents write their signal files.
	SignalDir string

	// SignalTimeout bounds the wait for a terminal signal.
	SignalTimeout time.Duration
}

// Request is one BUILD attempt.
type Request struct {
	RunID     string
	Phase     string
	Iteration int

	// PlanPhase is set for per_plan_phase sub-phases.
	PlanPhase string

	// Prompt is the fully rendered prompt text.
	Prompt string

	// WorkDir overrides the configured working directory when set.
	WorkDir string
}

// Result is the outcome of an attempt that produced a valid signal.
type Result struct {
	Signal   protocol.Signal
	Output   string
	Duration time.Duration
}

// Runner spawns an agent and blocks until a terminal signal arrives, the
// timeout elapses (ErrSignalTimeout), or the context is cancelled.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// New builds a Runner for the configured mode.
func New(cfg Config, logger *zap.Logger) (Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SignalTimeout <= 0 {
		return nil, errors.New("signal timeout must be positive")
	}

	switch cfg.Mode {
	case ModeAttached:
		if cfg.Command == "" {
			return nil, errors.New("attached mode requires a runner command")
		}
		return &attachedRunner{cfg: cfg, logger: logger}, nil
	case ModeDetached:
		if cfg.SignalDir == "" {
			return nil, errors.New("detached mode requires a signal directory")
		}
		return &detachedRunner{cfg: cfg, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown runner mode %q", cfg.Mode)
	}
}

// env builds the environment variables handed to a spawned agent.
func (r Request) env() []string {
	env := []string{
		"CONDUCTD_RUN_ID=" + r.RunID,
		"CONDUCTD_PHASE=" + r.Phase,
		fmt.Sprintf("CONDUCTD_ITERATION=%d", r.Iteration),
	}
	if r.PlanPhase != "" {
		env = append(env, "CONDUCTD_PLAN_PHASE="+r.PlanPhase)
	}
	return env
}
