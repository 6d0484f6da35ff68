package protocol

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// PhaseType selects the execution shape of a phase.
type PhaseType string

const (
	// PhaseOnce runs a single build step, then checks, then the gate.
	PhaseOnce PhaseType = "once"

	// PhasePerPlanPhase repeats the once-cycle for each entry in an
	// externally supplied plan-phase list.
	PhasePerPlanPhase PhaseType = "per_plan_phase"

	// PhaseBuildVerify loops BUILD, VERIFY, ITERATE until verification
	// passes or the iteration budget is spent.
	PhaseBuildVerify PhaseType = "build_verify"
)

// OnFail policies for a check.
const (
	OnFailFail  = "fail"
	OnFailRetry = "retry"
)

// Default iteration budgets, applied when neither the phase nor the
// protocol defaults set max_iterations.
const (
	DefaultMaxIterations        = 3
	DefaultMaxIterationsConsult = 5
)

// Definition is a fully validated protocol. It is immutable after Load;
// callers must not modify its fields.
type Definition struct {
	Name     string   `yaml:"name"`
	Version  string   `yaml:"version"`
	Defaults Defaults `yaml:"defaults"`

	// Signals is the vocabulary of terminal tokens agents may emit.
	// Defaults to PHASE_COMPLETE and BLOCKED when omitted.
	Signals []string `yaml:"signals"`

	// PlanPhaseChecks run after each sub-phase of a per_plan_phase phase,
	// in addition to that phase's own checks.
	PlanPhaseChecks map[string]CheckSpec `yaml:"plan_phase_checks"`

	Phases []Phase `yaml:"phases"`

	byID   map[string]int
	routes map[string]Route
}

// Defaults are protocol-wide fallbacks for per-phase settings.
type Defaults struct {
	MaxIterations int `yaml:"max_iterations"`
}

// Phase is one node in the protocol graph.
type Phase struct {
	ID            string               `yaml:"id"`
	Type          PhaseType            `yaml:"type"`
	Build         BuildSpec            `yaml:"build"`
	Verify        *VerifySpec          `yaml:"verify"`
	Checks        map[string]CheckSpec `yaml:"checks"`
	MaxIterations int                  `yaml:"max_iterations"`
	OnComplete    OnCompleteSpec       `yaml:"on_complete"`
	Gate          *GateSpec            `yaml:"gate"`
	Transition    TransitionSpec       `yaml:"transition"`
}

// BuildSpec names the prompt to render and the artifact the build step
// produces. Artifact patterns support placeholder substitution, e.g.
// {project_id} and, inside per_plan_phase phases, {plan_phase_id}.
type BuildSpec struct {
	Prompt   string `yaml:"prompt"`
	Artifact string `yaml:"artifact"`
}

// VerifySpec configures reviewer consultation for a phase.
type VerifySpec struct {
	Type     string   `yaml:"type"`
	Models   []string `yaml:"models"`
	Parallel bool     `yaml:"parallel"`
}

// Configured reports whether consultation is actually requested.
func (v *VerifySpec) Configured() bool {
	return v != nil && len(v.Models) > 0
}

// CheckSpec is one named verification check. In YAML a check is either a
// bare command string or a mapping with command, on_fail, and max_retries.
type CheckSpec struct {
	Command    string
	OnFail     string
	MaxRetries int
}

// UnmarshalYAML accepts both the scalar and mapping forms.
func (c *CheckSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var cmd string
		if err := value.Decode(&cmd); err != nil {
			return err
		}
		c.Command = cmd
		c.OnFail = OnFailFail
		return nil
	}

	var raw struct {
		Command    string `yaml:"command"`
		OnFail     string `yaml:"on_fail"`
		MaxRetries int    `yaml:"max_retries"`
	}
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("check must be a command string or a mapping: %w", err)
	}

	c.Command = raw.Command
	c.OnFail = raw.OnFail
	if c.OnFail == "" {
		c.OnFail = OnFailFail
	}
	c.MaxRetries = raw.MaxRetries
	return nil
}

// OnCompleteSpec names side effects applied after a phase completes with
// a clean outcome.
type OnCompleteSpec struct {
	Commit bool `yaml:"commit"`
	Push   bool `yaml:"push"`
}

// GateSpec is a human-approval checkpoint. Next is the phase entered on
// approval; nil terminates the run.
type GateSpec struct {
	Name     string   `yaml:"name"`
	Requires []string `yaml:"requires"`
	Next     *string  `yaml:"next"`
}

// TransitionSpec routes non-gate outcomes. OnFail names the phase entered
// when a per_plan_phase sub-phase fails its checks.
type TransitionSpec struct {
	OnFail string `yaml:"on_fail"`
}

// Route is the resolved set of outbound edges for one phase.
type Route struct {
	// Next is entered after gate approval, or immediately when
	// AutoAdvance is set. Nil terminates the run.
	Next *string

	// OnFail is entered when a per_plan_phase sub-phase fails its
	// checks. Nil halts the failure at the phase's gate.
	OnFail *string

	// AutoAdvance is true for phases without a gate; control moves to
	// Next without a human decision.
	AutoAdvance bool
}

// First returns the initial phase of the protocol.
func (d *Definition) First() *Phase {
	return &d.Phases[0]
}

// PhaseByID returns the phase with the given id.
func (d *Definition) PhaseByID(id string) (*Phase, bool) {
	i, ok := d.byID[id]
	if !ok {
		return nil, false
	}
	return &d.Phases[i], true
}

// RouteFor returns the resolved outbound edges for the given phase id.
func (d *Definition) RouteFor(id string) (Route, bool) {
	r, ok := d.routes[id]
	return r, ok
}

// HasSignal reports whether the token kind is part of the protocol's
// signal vocabulary.
func (d *Definition) HasSignal(kind SignalKind) bool {
	for _, s := range d.Signals {
		if s == string(kind) {
			return true
		}
	}
	return false
}
