package protocol

import (
	"fmt"
	"strings"
)

// SchemaError reports structural problems in a protocol definition. It is
// fatal: a definition that fails validation never starts a run.
type SchemaError struct {
	// Source identifies where the definition came from, usually a file
	// path.
	Source string

	// Issues lists every problem found, not just the first.
	Issues []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid protocol definition %s: %s",
		e.Source, strings.Join(e.Issues, "; "))
}

// validate checks structural correctness, resolves per-phase iteration
// budgets, and builds the transition table. It collects every issue it
// finds before failing.
func (d *Definition) validate(source string) error {
	var issues []string

	if d.Name == "" {
		issues = append(issues, "protocol name is required")
	}
	if len(d.Phases) == 0 {
		issues = append(issues, "protocol has zero phases")
	}

	if len(d.Signals) == 0 {
		d.Signals = []string{string(SignalPhaseComplete), string(SignalBlocked)}
	}
	for _, s := range d.Signals {
		if s != string(SignalPhaseComplete) && s != string(SignalBlocked) {
			issues = append(issues, fmt.Sprintf("unknown signal %q in vocabulary", s))
		}
	}

	issues = append(issues, validateChecks("plan_phase_checks", d.PlanPhaseChecks)...)

	d.byID = make(map[string]int, len(d.Phases))
	for i := range d.Phases {
		p := &d.Phases[i]
		if p.ID == "" {
			issues = append(issues, fmt.Sprintf("phase at index %d has no id", i))
			continue
		}
		if _, dup := d.byID[p.ID]; dup {
			issues = append(issues, fmt.Sprintf("duplicate phase id %q", p.ID))
			continue
		}
		d.byID[p.ID] = i
	}

	for i := range d.Phases {
		issues = append(issues, d.validatePhase(&d.Phases[i])...)
	}

	if len(issues) > 0 {
		return &SchemaError{Source: source, Issues: issues}
	}

	d.resolveRoutes()
	return nil
}

func (d *Definition) validatePhase(p *Phase) []string {
	var issues []string

	switch p.Type {
	case PhaseOnce, PhasePerPlanPhase, PhaseBuildVerify:
	case "":
		issues = append(issues, fmt.Sprintf("phase %q: type is required", p.ID))
	default:
		issues = append(issues, fmt.Sprintf("phase %q: unknown type %q", p.ID, p.Type))
	}

	if p.Build.Prompt == "" {
		issues = append(issues, fmt.Sprintf("phase %q: build.prompt is required", p.ID))
	}
	if p.Type == PhaseBuildVerify && p.Build.Artifact == "" {
		issues = append(issues, fmt.Sprintf("phase %q: build.artifact is required for build_verify phases", p.ID))
	}

	if p.Verify != nil {
		if p.Verify.Type == "" {
			issues = append(issues, fmt.Sprintf("phase %q: verify.type is required when verify is set", p.ID))
		}
		if len(p.Verify.Models) == 0 {
			issues = append(issues, fmt.Sprintf("phase %q: verify.models must name at least one reviewer", p.ID))
		}
	}

	issues = append(issues, validateChecks(fmt.Sprintf("phase %q checks", p.ID), p.Checks)...)

	if p.MaxIterations < 0 {
		issues = append(issues, fmt.Sprintf("phase %q: max_iterations must not be negative", p.ID))
	}
	p.MaxIterations = d.effectiveMaxIterations(p)

	if p.Gate != nil {
		if p.Gate.Name == "" {
			issues = append(issues, fmt.Sprintf("phase %q: gate.name is required", p.ID))
		}
		if p.Gate.Next != nil {
			if _, ok := d.byID[*p.Gate.Next]; !ok {
				issues = append(issues, fmt.Sprintf("phase %q: gate.next %q does not resolve to a phase", p.ID, *p.Gate.Next))
			}
		}
		for _, req := range p.Gate.Requires {
			if _, ok := d.byID[req]; !ok {
				issues = append(issues, fmt.Sprintf("phase %q: gate.requires entry %q does not resolve to a phase", p.ID, req))
			}
		}
	}

	if p.Transition.OnFail != "" {
		if _, ok := d.byID[p.Transition.OnFail]; !ok {
			issues = append(issues, fmt.Sprintf("phase %q: transition.on_fail %q does not resolve to a phase", p.ID, p.Transition.OnFail))
		}
	}

	return issues
}

func validateChecks(where string, checks map[string]CheckSpec) []string {
	var issues []string
	for name, check := range checks {
		if check.Command == "" {
			issues = append(issues, fmt.Sprintf("%s: check %q has an empty command", where, name))
		}
		switch check.OnFail {
		case OnFailFail, OnFailRetry:
		default:
			issues = append(issues, fmt.Sprintf("%s: check %q has unknown on_fail policy %q", where, name, check.OnFail))
		}
		if check.MaxRetries < 0 {
			issues = append(issues, fmt.Sprintf("%s: check %q has negative max_retries", where, name))
		}
		if check.OnFail == OnFailRetry && check.MaxRetries == 0 {
			issues = append(issues, fmt.Sprintf("%s: check %q declares on_fail: retry without max_retries", where, name))
		}
		if check.OnFail == OnFailFail && check.MaxRetries > 0 {
			issues = append(issues, fmt.Sprintf("%s: check %q sets max_retries without on_fail: retry", where, name))
		}
	}
	return issues
}

// effectiveMaxIterations applies phase, protocol-default, and built-in
// fallbacks in that order. Phases with reviewer consultation get the
// larger built-in budget since substantive review feedback takes more
// attempts to absorb than a failing command check.
func (d *Definition) effectiveMaxIterations(p *Phase) int {
	if p.MaxIterations > 0 {
		return p.MaxIterations
	}
	if d.Defaults.MaxIterations > 0 {
		return d.Defaults.MaxIterations
	}
	if p.Verify.Configured() {
		return DefaultMaxIterationsConsult
	}
	return DefaultMaxIterations
}

// resolveRoutes builds the transition table. Phases without a gate
// auto-advance to the next phase in document order; the last such phase
// terminates the run.
func (d *Definition) resolveRoutes() {
	d.routes = make(map[string]Route, len(d.Phases))

	for i := range d.Phases {
		p := &d.Phases[i]
		var route Route

		if p.Gate != nil {
			route.Next = p.Gate.Next
		} else {
			route.AutoAdvance = true
			if i+1 < len(d.Phases) {
				next := d.Phases[i+1].ID
				route.Next = &next
			}
		}

		if p.Transition.OnFail != "" {
			onFail := p.Transition.OnFail
			route.OnFail = &onFail
		}

		d.routes[p.ID] = route
	}
}
