// Package executor drives one run through its protocol.
//
// Each run is a single sequential state machine: the executor spawns
// build agents, verifies their artifacts, loops on feedback, and parks
// at human gates. Every transition is appended to the run's event log
// before the executor acts on it, so a crashed daemon resumes at the
// exact recorded sub-state — a completed BUILD is never re-run, and
// check or reviewer results already on disk are reused instead of
// re-executed. The executor is the only writer of its run's log.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/conductd/internal/agent"
	"github.com/fyrsmithlabs/conductd/internal/artifact"
	"github.com/fyrsmithlabs/conductd/internal/consult"
	"github.com/fyrsmithlabs/conductd/internal/events"
	"github.com/fyrsmithlabs/conductd/internal/gate"
	"github.com/fyrsmithlabs/conductd/internal/gitops"
	"github.com/fyrsmithlabs/conductd/internal/protocol"
	"github.com/fyrsmithlabs/conductd/internal/runstate"
	"github.com/fyrsmithlabs/conductd/internal/secrets"
	"github.com/fyrsmithlabs/conductd/internal/verify"
)

const instrumentationName = "github.com/fyrsmithlabs/conductd/internal/executor"

var (
	// ErrNoRun indicates the store holds no run.started event; the run
	// must be created before an executor can drive it.
	ErrNoRun = errors.New("run log holds no run")

	// ErrUnknownPhase indicates the recorded state names a phase the
	// loaded protocol does not define, usually a protocol file edited
	// between daemon restarts.
	ErrUnknownPhase = errors.New("protocol does not define phase")
)

// Deps are the collaborators one executor drives. Store, Runner, Checks,
// Gates, and Artifacts are required; the rest degrade gracefully when
// absent, except where the protocol itself demands them.
type Deps struct {
	Store     *runstate.Store
	Runner    agent.Runner
	Checks    *verify.Runner
	Reviewers *consult.Service
	Gates     *gate.Controller
	Git       *gitops.Service
	Artifacts *artifact.Store
	Scrubber  secrets.Scrubber
	Events    *events.Publisher
}

func (d *Deps) validate(def *protocol.Definition) error {
	switch {
	case d.Store == nil:
		return errors.New("run state store is required")
	case d.Runner == nil:
		return errors.New("agent runner is required")
	case d.Checks == nil:
		return errors.New("verification runner is required")
	case d.Gates == nil:
		return errors.New("gate controller is required")
	case d.Artifacts == nil:
		return errors.New("artifact store is required")
	}

	for i := range def.Phases {
		p := &def.Phases[i]
		if p.Verify.Configured() && d.Reviewers == nil {
			return fmt.Errorf("phase %q configures reviewers but no consultation service is wired", p.ID)
		}
		if (p.OnComplete.Commit || p.OnComplete.Push) && d.Git == nil {
			return fmt.Errorf("phase %q requests commit side effects but no git service is wired", p.ID)
		}
	}
	return nil
}

// Config carries the executor's policy knobs.
type Config struct {
	// OnUnavailable is the quorum policy for reviewers that produced no
	// verdict: exclude (default) or block.
	OnUnavailable string

	// RepoPath is the repository targeted by on_complete commit/push.
	// Defaults to the artifact store root.
	RepoPath string
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.OnUnavailable == "" {
		c.OnUnavailable = consult.OnUnavailableExclude
	}
}

// Executor owns one run's state machine.
type Executor struct {
	def    *protocol.Definition
	deps   Deps
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	buildCounter   metric.Int64Counter
	outcomeCounter metric.Int64Counter
	metrics        *Metrics
}

// New creates an executor for the run held in deps.Store.
func New(def *protocol.Definition, deps Deps, cfg Config, logger *zap.Logger) (*Executor, error) {
	if def == nil || len(def.Phases) == 0 {
		return nil, errors.New("protocol definition is required")
	}
	if err := deps.validate(def); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Scrubber == nil {
		deps.Scrubber = &secrets.NoopScrubber{}
	}
	cfg.ApplyDefaults()

	e := &Executor{
		def:     def,
		deps:    deps,
		cfg:     cfg,
		logger:  logger.With(zap.String("run_id", deps.Store.RunID())),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
		metrics: NewMetrics(),
	}
	e.initMetrics()
	return e, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (e *Executor) initMetrics() {
	var err error

	e.buildCounter, err = e.meter.Int64Counter(
		"conductd.executor.builds",
		metric.WithDescription("Total number of BUILD attempts started"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		e.logger.Warn("failed to create build counter", zap.Error(err))
	}

	e.outcomeCounter, err = e.meter.Int64Counter(
		"conductd.executor.phase_outcomes",
		metric.WithDescription("Total number of phase outcomes recorded"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		e.logger.Warn("failed to create phase outcome counter", zap.Error(err))
	}
}

// Run drives the state machine until the run finishes or ctx is
// cancelled. Cancellation is safe at every suspension point: an attempt
// without a recorded signal is discarded, recorded verify results are
// reused, and a pending gate stays pending.
func (e *Executor) Run(ctx context.Context) error {
	st := e.deps.Store.State()
	if st.RunID == "" {
		return ErrNoRun
	}

	ctx, span := e.tracer.Start(ctx, "executor.run",
		trace.WithAttributes(attribute.String("run.id", st.RunID)))
	defer span.End()

	e.logger.Info("run loop starting",
		zap.String("protocol", st.Protocol),
		zap.String("status", string(st.Status)),
		zap.String("phase", st.Phase),
		zap.String("step", string(st.Step)))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		st = e.deps.Store.State()
		if st.Finished() {
			e.logger.Info("run finished", zap.String("status", string(st.Status)))
			return nil
		}

		if st.Phase == "" {
			if err := e.enterPhase(e.def.First().ID); err != nil {
				return err
			}
			continue
		}

		phase, ok := e.def.PhaseByID(st.Phase)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPhase, st.Phase)
		}

		var err error
		if st.Step == runstate.StepGate {
			err = e.gateStep(ctx, phase, st)
		} else {
			switch phase.Type {
			case protocol.PhaseBuildVerify:
				err = e.buildVerifyCycle(ctx, phase, st)
			case protocol.PhasePerPlanPhase:
				err = e.planPhaseCycle(ctx, phase, st)
			default:
				err = e.onceCycle(ctx, phase, st)
			}
		}
		if err != nil {
			return err
		}
	}
}

// buildVerifyCycle runs one iteration of a build_verify phase: BUILD,
// VERIFY, then the ITERATE decision. The main loop re-enters it until a
// phase outcome is recorded.
func (e *Executor) buildVerifyCycle(ctx context.Context, phase *protocol.Phase, st *runstate.RunState) error {
	if freshVisit(st) {
		done, err := e.preApproved(ctx, phase, st)
		if done || err != nil {
			return err
		}
	}

	if !resumingVerify(st) {
		ok, reason, err := e.buildAttempt(ctx, phase, st, nil)
		if err != nil {
			return err
		}
		if !ok {
			// A blocked or signal-less attempt consumes its iteration.
			return e.iterate(ctx, phase, st, e.scrub(blockedSection(reason)))
		}
		st = e.deps.Store.State()
	}

	passed, bundle, err := e.verifyAttempt(ctx, phase, st, phase.Checks, nil)
	if err != nil {
		return err
	}
	if passed {
		return e.completePhase(ctx, phase, runstate.OutcomeCompleted, st.Iteration+1)
	}
	return e.iterate(ctx, phase, st, bundle)
}

// iterate applies the ITERATE decision for a failed attempt: advance to
// the next iteration with the feedback bundle, or close the phase as
// unresolved when the budget is spent.
func (e *Executor) iterate(ctx context.Context, phase *protocol.Phase, st *runstate.RunState, bundle string) error {
	next := st.Iteration + 1
	if next >= phase.MaxIterations {
		e.logger.Warn("iteration budget exhausted",
			zap.String("phase", phase.ID),
			zap.Int("attempts", next),
			zap.Int("max_iterations", phase.MaxIterations))
		return e.foldAndComplete(ctx, phase, bundle, runstate.OutcomeUnresolved, next)
	}

	e.logger.Info("advancing iteration",
		zap.String("phase", phase.ID),
		zap.Int("iteration", next))
	return e.append(runstate.Event{Type: runstate.EventIterationAdvanced, IterationAdvanced: &runstate.IterationAdvancedEvent{
		Phase:     phase.ID,
		Iteration: next,
		Feedback:  bundle,
	}})
}

// onceCycle runs a once phase: a single BUILD, optional checks and
// consultation, then the gate. Failures surface at the gate as an
// unresolved outcome instead of looping.
func (e *Executor) onceCycle(ctx context.Context, phase *protocol.Phase, st *runstate.RunState) error {
	if freshVisit(st) {
		done, err := e.preApproved(ctx, phase, st)
		if done || err != nil {
			return err
		}
	}

	if !resumingVerify(st) {
		ok, reason, err := e.buildAttempt(ctx, phase, st, nil)
		if err != nil {
			return err
		}
		if !ok {
			return e.foldAndComplete(ctx, phase, e.scrub(blockedSection(reason)), runstate.OutcomeUnresolved, 1)
		}
		st = e.deps.Store.State()
	}

	passed, bundle, err := e.verifyAttempt(ctx, phase, st, phase.Checks, nil)
	if err != nil {
		return err
	}
	if passed {
		return e.completePhase(ctx, phase, runstate.OutcomeCompleted, 1)
	}
	return e.foldAndComplete(ctx, phase, bundle, runstate.OutcomeUnresolved, 1)
}

// planPhaseCycle runs one sub-phase of a per_plan_phase phase. Clean
// sub-phases advance the plan index; a failing one closes the phase so
// the failure routes via transition.on_fail, or halts at the gate when
// no failure route exists.
func (e *Executor) planPhaseCycle(ctx context.Context, phase *protocol.Phase, st *runstate.RunState) error {
	pp, ok := st.CurrentPlanPhase()
	if !ok {
		e.logger.Warn("no plan phases defined", zap.String("phase", phase.ID))
		return e.foldAndComplete(ctx, phase,
			"### No plan phases\nThe run has no recorded plan for this phase to iterate over.",
			runstate.OutcomeUnresolved, 0)
	}

	if !resumingVerify(st) {
		ok, reason, err := e.buildAttempt(ctx, phase, st, &pp)
		if err != nil {
			return err
		}
		if !ok {
			return e.foldAndComplete(ctx, phase, e.scrub(blockedSection(reason)), runstate.OutcomeUnresolved, st.PlanIndex)
		}
		st = e.deps.Store.State()
	}

	passed, bundle, err := e.verifyAttempt(ctx, phase, st, mergeChecks(phase.Checks, e.def.PlanPhaseChecks), &pp)
	if err != nil {
		return err
	}
	if !passed {
		route, _ := e.def.RouteFor(phase.ID)
		outcome := runstate.OutcomeUnresolved
		if route.OnFail != nil {
			outcome = runstate.OutcomeFailed
		}
		return e.foldAndComplete(ctx, phase, bundle, outcome, st.PlanIndex)
	}

	next := st.PlanIndex + 1
	if next < len(st.PlanPhases) {
		e.logger.Info("plan phase complete",
			zap.String("phase", phase.ID),
			zap.String("plan_phase", pp.ID),
			zap.Int("next_index", next))
		return e.append(runstate.Event{Type: runstate.EventPlanAdvanced, PlanAdvanced: &runstate.PlanAdvancedEvent{
			Phase:     phase.ID,
			Index:     next,
			PlanPhase: st.PlanPhases[next].ID,
		}})
	}
	return e.completePhase(ctx, phase, runstate.OutcomeCompleted, len(st.PlanPhases))
}

// preApproved fires the pre-approved artifact short-circuit: an artifact
// already on disk, approved on a date and validated by a superset of the
// phase's reviewers, skips the whole cycle with zero agent spawns.
func (e *Executor) preApproved(ctx context.Context, phase *protocol.Phase, st *runstate.RunState) (bool, error) {
	rel := e.artifactPath(phase, st, nil)
	if rel == "" {
		return false, nil
	}

	var reviewers []string
	if phase.Verify.Configured() {
		reviewers = phase.Verify.Models
	}

	approved, meta, err := e.deps.Artifacts.IsPreApproved(rel, reviewers)
	if err != nil {
		// Malformed metadata falls through to a normal build.
		e.logger.Warn("artifact approval metadata unreadable",
			zap.String("artifact", rel), zap.Error(err))
		return false, nil
	}
	if !approved {
		return false, nil
	}

	e.logger.Info("artifact pre-approved, skipping build",
		zap.String("phase", phase.ID),
		zap.String("artifact", rel),
		zap.String("approved", meta.Approved),
		zap.Strings("validated", meta.Validated))

	if err := e.append(runstate.Event{Type: runstate.EventArtifactRecorded, ArtifactRecorded: &runstate.ArtifactRecordedEvent{
		Phase:     phase.ID,
		Iteration: st.Iteration,
		Path:      rel,
	}}); err != nil {
		return false, err
	}
	return true, e.completePhase(ctx, phase, runstate.OutcomeApproved, 0)
}

// buildAttempt records and runs one BUILD attempt. It returns ok=false
// with a reason when the attempt produced no usable artifact (BLOCKED
// signal, missing signal, or missing declared artifact); the error
// return is reserved for cancellation and persistence failures.
func (e *Executor) buildAttempt(ctx context.Context, phase *protocol.Phase, st *runstate.RunState, pp *runstate.PlanPhase) (bool, string, error) {
	ctx, span := e.tracer.Start(ctx, "executor.build", trace.WithAttributes(
		attribute.String("phase", phase.ID),
		attribute.Int("iteration", st.Iteration)))
	defer span.End()

	prompt, err := e.prompt(phase, st, pp)
	if err != nil {
		return false, "", err
	}

	planID := ""
	if pp != nil {
		planID = pp.ID
	}

	if err := e.append(runstate.Event{Type: runstate.EventBuildStarted, BuildStarted: &runstate.BuildStartedEvent{
		Phase:     phase.ID,
		Iteration: st.Iteration,
		PlanPhase: planID,
	}}); err != nil {
		return false, "", err
	}
	if e.buildCounter != nil {
		e.buildCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase.ID)))
	}
	e.metrics.BuildsTotal.Inc()

	e.logger.Info("build attempt starting",
		zap.String("phase", phase.ID),
		zap.Int("iteration", st.Iteration),
		zap.String("plan_phase", planID))

	res, runErr := e.deps.Runner.Run(ctx, agent.Request{
		RunID:     st.RunID,
		Phase:     phase.ID,
		Iteration: st.Iteration,
		PlanPhase: planID,
		Prompt:    prompt,
	})
	if runErr != nil {
		if ctx.Err() != nil {
			// The attempt never produced a signal; resume re-runs it.
			return false, "", ctx.Err()
		}
		reason := runErr.Error()
		if errors.Is(runErr, agent.ErrSignalTimeout) {
			reason = "the agent produced no terminal signal before the timeout"
		}
		e.logger.Warn("build attempt produced no signal",
			zap.String("phase", phase.ID),
			zap.Int("iteration", st.Iteration),
			zap.Error(runErr))
		if err := e.append(runstate.Event{Type: runstate.EventSignalReceived, SignalReceived: &runstate.SignalReceivedEvent{
			Phase:     phase.ID,
			Iteration: st.Iteration,
			Kind:      string(protocol.SignalBlocked),
			Reason:    reason,
			Missing:   true,
		}}); err != nil {
			return false, "", err
		}
		return false, reason, nil
	}

	sig := res.Signal
	if err := e.append(runstate.Event{Type: runstate.EventSignalReceived, SignalReceived: &runstate.SignalReceivedEvent{
		Phase:     phase.ID,
		Iteration: st.Iteration,
		Kind:      string(sig.Kind),
		Reason:    sig.Reason,
	}}); err != nil {
		return false, "", err
	}

	if sig.Kind != protocol.SignalPhaseComplete {
		e.logger.Warn("agent reported BLOCKED",
			zap.String("phase", phase.ID),
			zap.Int("iteration", st.Iteration),
			zap.String("reason", sig.Reason))
		reason := sig.Reason
		if reason == "" {
			reason = "the agent reported BLOCKED without a reason"
		}
		return false, reason, nil
	}

	rel := e.artifactPath(phase, st, pp)
	if rel == "" {
		return true, "", nil
	}
	exists, err := e.deps.Artifacts.Exists(rel)
	if err != nil {
		return false, fmt.Sprintf("declared artifact %s is unreadable: %v", rel, err), nil
	}
	if !exists {
		return false, fmt.Sprintf("the agent signalled completion but the declared artifact %s was not produced", rel), nil
	}
	return true, "", e.append(runstate.Event{Type: runstate.EventArtifactRecorded, ArtifactRecorded: &runstate.ArtifactRecordedEvent{
		Phase:     phase.ID,
		Iteration: st.Iteration,
		Path:      rel,
	}})
}

// verifyAttempt runs the VERIFY step for the current attempt: declared
// checks and, when configured, reviewer consultation — concurrently,
// since they are independent. Results already in the run log are reused
// rather than re-executed, which is what makes a mid-VERIFY crash
// resumable. The returned bundle is scrubbed and ready for the next
// prompt.
func (e *Executor) verifyAttempt(ctx context.Context, phase *protocol.Phase, st *runstate.RunState, checks map[string]protocol.CheckSpec, pp *runstate.PlanPhase) (bool, string, error) {
	if st.Attempt == nil {
		return false, "", errors.New("verify step without a recorded build attempt")
	}

	ctx, span := e.tracer.Start(ctx, "executor.verify", trace.WithAttributes(
		attribute.String("phase", phase.ID),
		attribute.Int("iteration", st.Iteration)))
	defer span.End()

	if st.Step != runstate.StepVerify {
		if err := e.append(runstate.Event{Type: runstate.EventVerifyStarted, VerifyStarted: &runstate.VerifyStartedEvent{
			Phase:     phase.ID,
			Iteration: st.Iteration,
		}}); err != nil {
			return false, "", err
		}
	}

	pending := make(map[string]protocol.CheckSpec, len(checks))
	for name, spec := range checks {
		if _, done := st.Attempt.Checks[name]; !done {
			pending[name] = spec
		}
	}

	var reviewers []string
	if phase.Verify.Configured() {
		for _, m := range phase.Verify.Models {
			if _, done := st.Attempt.Consults[m]; !done {
				reviewers = append(reviewers, m)
			}
		}
	}

	var (
		report  *verify.Report
		outcome *consult.Outcome
	)
	g, gctx := errgroup.WithContext(ctx)
	if len(pending) > 0 {
		g.Go(func() error {
			rep, err := e.deps.Checks.RunChecks(gctx, pending)
			if err != nil {
				return err
			}
			report = rep
			return nil
		})
	}
	if len(reviewers) > 0 {
		req := e.consultRequest(phase, st)
		parallel := phase.Verify.Parallel
		g.Go(func() error {
			out, err := e.deps.Reviewers.Consult(gctx, reviewers, parallel, req)
			if err != nil {
				return err
			}
			outcome = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, "", err
	}

	// Results are appended only from this goroutine; the store has one
	// writer per run.
	planID := ""
	if pp != nil {
		planID = pp.ID
	}
	if report != nil {
		for i := range report.Results {
			r := &report.Results[i]
			ev := runstate.CheckResultEvent{
				Phase:     phase.ID,
				Iteration: st.Iteration,
				Name:      r.Name,
				Passed:    r.Passed,
				Retries:   r.Attempts - 1,
				PlanPhase: planID,
			}
			if !r.Passed {
				ev.Diagnostic = r.Section()
			}
			if err := e.append(runstate.Event{Type: runstate.EventCheckResult, CheckResult: &ev}); err != nil {
				return false, "", err
			}
		}
	}
	if outcome != nil {
		for _, r := range outcome.Results {
			ev := runstate.ConsultResultEvent{
				Phase:     phase.ID,
				Iteration: st.Iteration,
				Reviewer:  r.Reviewer,
				Verdict:   string(r.Verdict),
				Feedback:  r.Feedback,
				LatencyMS: r.Duration.Milliseconds(),
			}
			if r.Verdict == consult.VerdictUnavailable {
				ev.Feedback = r.Error
			}
			if err := e.append(runstate.Event{Type: runstate.EventConsultResult, ConsultResult: &ev}); err != nil {
				return false, "", err
			}
		}
	}

	st = e.deps.Store.State()
	passed, bundle := e.tally(phase, st, checks)
	if !passed {
		bundle = e.scrub(bundle)
	}
	e.logger.Info("verify step done",
		zap.String("phase", phase.ID),
		zap.Int("iteration", st.Iteration),
		zap.Bool("passed", passed))
	return passed, bundle, nil
}

// tally decides the VERIFY result from the recorded attempt: every
// declared check passed and, when consultation is configured, no
// blocking verdict under the UNAVAILABLE policy. The second return is
// the feedback bundle for a failing result.
func (e *Executor) tally(phase *protocol.Phase, st *runstate.RunState, checks map[string]protocol.CheckSpec) (bool, string) {
	passed := true
	var sections []string

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rec, ok := st.Attempt.Checks[name]
		if !ok {
			passed = false
			sections = append(sections, fmt.Sprintf("### Check %q did not run\n", name))
			continue
		}
		if !rec.Passed {
			passed = false
			sections = append(sections, rec.Diagnostic)
		}
	}

	if phase.Verify.Configured() {
		for _, m := range phase.Verify.Models {
			rec, ok := st.Attempt.Consults[m]
			if !ok {
				continue
			}
			section := consult.FeedbackSection(m, consult.Verdict(rec.Verdict), rec.Feedback, e.cfg.OnUnavailable)
			if section != "" {
				passed = false
				sections = append(sections, section)
			}
		}
	}

	return passed, joinSections(sections...)
}

// gateStep routes a phase whose outcome is recorded: automatic on_fail
// transitions, commit side effects, then the gate itself — auto-granted
// for pre-approved outcomes, otherwise awaiting a human decision.
func (e *Executor) gateStep(ctx context.Context, phase *protocol.Phase, st *runstate.RunState) error {
	route, _ := e.def.RouteFor(phase.ID)
	outcome := st.Outcomes[phase.ID]

	// A decision recorded after this phase's latest outcome already
	// settled the gate; only the routing remains. This is the resume
	// path for a crash between the decision and its follow-up event.
	if d := undecidedRouting(st, phase.ID); d != nil {
		return e.applyDecision(phase, route, st, d.Decision == runstate.DecisionApproved, d.Reason)
	}

	// A failed sub-phase routes automatically; no gate involved.
	if outcome == runstate.OutcomeFailed && route.OnFail != nil {
		carried := st.Feedback
		e.logger.Info("routing failed sub-phase",
			zap.String("phase", phase.ID),
			zap.String("on_fail", *route.OnFail))
		if err := e.enterPhase(*route.OnFail); err != nil {
			return err
		}
		if carried == "" {
			return nil
		}
		return e.append(runstate.Event{Type: runstate.EventFeedbackFolded, FeedbackFolded: &runstate.FeedbackFoldedEvent{
			Phase:    *route.OnFail,
			Feedback: carried,
		}})
	}

	clean := outcome == runstate.OutcomeCompleted || outcome == runstate.OutcomeApproved
	if clean && (phase.OnComplete.Commit || phase.OnComplete.Push) {
		e.commitPhase(ctx, phase, st, outcome)
	}

	if phase.Gate == nil {
		if !clean {
			// The protocol gave this phase no gate, so nobody is asked.
			e.logger.Warn("advancing past gateless phase with unclean outcome",
				zap.String("phase", phase.ID),
				zap.String("outcome", outcome))
		}
		return e.advance(route)
	}

	// The short-circuit outcome grants its own gate.
	if outcome == runstate.OutcomeApproved && e.requiresMet(st, phase) {
		if !st.GatePending {
			if err := e.append(runstate.Event{Type: runstate.EventGateOpened, GateOpened: &runstate.GateOpenedEvent{
				Phase: phase.ID,
				Gate:  phase.Gate.Name,
			}}); err != nil {
				return err
			}
		}
		e.logger.Info("gate auto-approved for pre-approved artifact",
			zap.String("phase", phase.ID),
			zap.String("gate", phase.Gate.Name))
		if err := e.append(runstate.Event{Type: runstate.EventGateDecided, GateDecided: &runstate.GateDecidedEvent{
			Phase:    phase.ID,
			Gate:     phase.Gate.Name,
			Decision: runstate.DecisionApproved,
			Auto:     true,
			Next:     route.Next,
		}}); err != nil {
			return err
		}
		return e.applyDecision(phase, route, st, true, "")
	}

	if !st.GatePending {
		if !e.requiresMet(st, phase) {
			e.logger.Warn("gate prerequisites unmet",
				zap.String("phase", phase.ID),
				zap.String("gate", phase.Gate.Name),
				zap.Strings("requires", phase.Gate.Requires))
		}
		if err := e.append(runstate.Event{Type: runstate.EventGateOpened, GateOpened: &runstate.GateOpenedEvent{
			Phase:      phase.ID,
			Gate:       phase.Gate.Name,
			Unresolved: outcome == runstate.OutcomeUnresolved,
		}}); err != nil {
			return err
		}
	}

	e.logger.Info("awaiting gate decision",
		zap.String("phase", phase.ID),
		zap.String("gate", phase.Gate.Name),
		zap.String("outcome", outcome))

	d, err := e.deps.Gates.Await(ctx, st.RunID, phase.Gate.Name, phase.ID)
	if err != nil {
		// Cancelled with the gate pending: the gate.opened event is
		// durable, so a restarted daemon re-opens it.
		return err
	}

	decision := runstate.DecisionRejected
	if d.Approve {
		decision = runstate.DecisionApproved
	}
	reason := e.scrub(d.Feedback)
	if err := e.append(runstate.Event{Type: runstate.EventGateDecided, GateDecided: &runstate.GateDecidedEvent{
		Phase:    phase.ID,
		Gate:     phase.Gate.Name,
		Decision: decision,
		Reason:   reason,
		Next:     route.Next,
	}}); err != nil {
		return err
	}
	return e.applyDecision(phase, route, st, d.Approve, reason)
}

// applyDecision performs the routing a recorded gate decision implies:
// approval enters the next phase or finishes the run; rejection folds
// the human's text into the feedback bundle and re-enters BUILD,
// consuming an iteration slot for build_verify phases.
func (e *Executor) applyDecision(phase *protocol.Phase, route protocol.Route, st *runstate.RunState, approved bool, reason string) error {
	if approved {
		return e.advance(route)
	}

	gateName := ""
	if phase.Gate != nil {
		gateName = phase.Gate.Name
	}
	folded := joinSections(st.Feedback, rejectionSection(gateName, reason))

	if phase.Type == protocol.PhaseBuildVerify {
		return e.append(runstate.Event{Type: runstate.EventIterationAdvanced, IterationAdvanced: &runstate.IterationAdvancedEvent{
			Phase:     phase.ID,
			Iteration: st.Iteration + 1,
			Feedback:  folded,
		}})
	}
	return e.append(runstate.Event{Type: runstate.EventFeedbackFolded, FeedbackFolded: &runstate.FeedbackFoldedEvent{
		Phase:    phase.ID,
		Feedback: folded,
	}})
}

// advance moves past a settled phase: into route.Next, or to run
// completion when no next phase exists.
func (e *Executor) advance(route protocol.Route) error {
	if route.Next != nil {
		return e.enterPhase(*route.Next)
	}
	return e.finishRun(runstate.RunCompleted, "")
}

// commitPhase applies on_complete commit/push. Failures are logged, not
// fatal: the run's artifacts are on disk either way and the human at the
// gate sees the repository state.
func (e *Executor) commitPhase(ctx context.Context, phase *protocol.Phase, st *runstate.RunState, outcome string) {
	repo := e.cfg.RepoPath
	if repo == "" {
		repo = e.deps.Artifacts.Root()
	}
	msg := fmt.Sprintf("conductd: phase %s %s", phase.ID, outcome)

	res, err := e.deps.Git.Commit(ctx, repo, msg, phase.OnComplete.Push)
	if err != nil {
		e.logger.Error("phase commit failed",
			zap.String("phase", phase.ID),
			zap.String("repo", repo),
			zap.Error(err))
		return
	}
	if res.Clean {
		e.logger.Debug("worktree clean, nothing to commit", zap.String("phase", phase.ID))
		return
	}
	e.logger.Info("phase work committed",
		zap.String("phase", phase.ID),
		zap.String("hash", res.Hash),
		zap.Bool("pushed", res.Pushed))
}

func (e *Executor) enterPhase(id string) error {
	phase, ok := e.def.PhaseByID(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPhase, id)
	}
	e.logger.Info("entering phase",
		zap.String("phase", id),
		zap.String("type", string(phase.Type)))
	return e.append(runstate.Event{Type: runstate.EventPhaseEntered, PhaseEntered: &runstate.PhaseEnteredEvent{
		Phase: id,
		Type:  string(phase.Type),
	}})
}

// foldAndComplete records the bundle — so the gate's human and any
// rejection rebuild see it — then closes the phase with the outcome.
func (e *Executor) foldAndComplete(ctx context.Context, phase *protocol.Phase, bundle, outcome string, iterations int) error {
	if bundle != "" {
		if err := e.append(runstate.Event{Type: runstate.EventFeedbackFolded, FeedbackFolded: &runstate.FeedbackFoldedEvent{
			Phase:    phase.ID,
			Feedback: bundle,
		}}); err != nil {
			return err
		}
	}
	return e.completePhase(ctx, phase, outcome, iterations)
}

func (e *Executor) completePhase(ctx context.Context, phase *protocol.Phase, outcome string, iterations int) error {
	if e.outcomeCounter != nil {
		e.outcomeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", phase.ID),
			attribute.String("outcome", outcome)))
	}
	e.metrics.IterationsUsed.Observe(float64(iterations))
	e.logger.Info("phase outcome",
		zap.String("phase", phase.ID),
		zap.String("outcome", outcome),
		zap.Int("iterations", iterations))
	return e.append(runstate.Event{Type: runstate.EventPhaseOutcome, PhaseOutcome: &runstate.PhaseOutcomeEvent{
		Phase:      phase.ID,
		Outcome:    outcome,
		Iterations: iterations,
	}})
}

func (e *Executor) finishRun(outcome, reason string) error {
	return e.append(runstate.Event{Type: runstate.EventRunFinished, RunFinished: &runstate.RunFinishedEvent{
		Outcome: outcome,
		Reason:  reason,
	}})
}

// append durably records the event, then publishes it best-effort.
func (e *Executor) append(evt runstate.Event) error {
	if err := e.deps.Store.Append(evt); err != nil {
		return fmt.Errorf("recording %s: %w", evt.Type, err)
	}
	if e.deps.Events != nil {
		st := e.deps.Store.State()
		evt.Seq = st.LastSeq
		evt.RunID = st.RunID
		evt.Time = st.UpdatedAt
		e.deps.Events.Publish(evt)
	}
	return nil
}

// prompt renders the phase's prompt: template text, substitution
// variables, and any accumulated feedback bundle.
func (e *Executor) prompt(phase *protocol.Phase, st *runstate.RunState, pp *runstate.PlanPhase) (string, error) {
	tmpl, err := promptTemplate(phase.Build.Prompt, st.ProtocolPath)
	if err != nil {
		return "", err
	}
	return agent.RenderPrompt(tmpl, promptVars(phase, st, pp), st.Feedback), nil
}

// promptTemplate resolves a prompt reference against the protocol file's
// directory. A reference that names no file is used verbatim as the
// template text, which keeps inline prompts working.
func promptTemplate(ref, protocolPath string) (string, error) {
	path := ref
	if !filepath.IsAbs(path) {
		if protocolPath == "" {
			return ref, nil
		}
		path = filepath.Join(filepath.Dir(protocolPath), ref)
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ref, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading prompt template %s: %w", path, err)
	}
	return string(data), nil
}

func promptVars(phase *protocol.Phase, st *runstate.RunState, pp *runstate.PlanPhase) map[string]string {
	vars := map[string]string{
		agent.VarProjectID:    st.ProjectID,
		agent.VarProjectTitle: st.ProjectTitle,
		agent.VarPhaseID:      phase.ID,
		agent.VarProtocol:     st.Protocol,
	}
	if pp != nil {
		vars[agent.VarPlanPhaseID] = pp.ID
		vars[agent.VarPlanPhaseTitle] = pp.Title
	}
	return vars
}

// artifactPath renders the phase's artifact pattern; empty when the
// phase declares no artifact.
func (e *Executor) artifactPath(phase *protocol.Phase, st *runstate.RunState, pp *runstate.PlanPhase) string {
	if phase.Build.Artifact == "" {
		return ""
	}
	return artifact.Render(phase.Build.Artifact, promptVars(phase, st, pp))
}

// consultRequest packages the recorded artifact for review. The path
// recorded in the attempt wins over a re-render so resume reviews the
// same file the build produced.
func (e *Executor) consultRequest(phase *protocol.Phase, st *runstate.RunState) consult.Request {
	req := consult.Request{
		RunID:      st.RunID,
		Phase:      phase.ID,
		Iteration:  st.Iteration,
		ReviewType: phase.Verify.Type,
	}
	rel := st.Attempt.Artifact
	if rel == "" {
		return req
	}
	req.ArtifactPath = rel
	content, err := e.deps.Artifacts.Read(rel)
	if err != nil {
		e.logger.Warn("artifact unreadable for consultation",
			zap.String("artifact", rel), zap.Error(err))
		return req
	}
	req.Artifact = string(content)
	return req
}

// requiresMet reports whether every gate prerequisite phase has a clean
// outcome.
func (e *Executor) requiresMet(st *runstate.RunState, phase *protocol.Phase) bool {
	if phase.Gate == nil {
		return true
	}
	for _, req := range phase.Gate.Requires {
		switch st.Outcomes[req] {
		case runstate.OutcomeCompleted, runstate.OutcomeApproved:
		default:
			return false
		}
	}
	return true
}

// scrub redacts secrets from text bound for prompts or the event bus.
func (e *Executor) scrub(text string) string {
	if text == "" {
		return text
	}
	res := e.deps.Scrubber.Scrub(text)
	if res.HasFindings() {
		e.logger.Warn("redacted secrets from feedback",
			zap.Int("findings", len(res.Findings)),
			zap.Strings("rules", res.RuleIDs()))
	}
	return res.Scrubbed
}

// freshVisit reports whether the phase has done no work yet this visit,
// the only point where the pre-approved short-circuit may fire.
func freshVisit(st *runstate.RunState) bool {
	return st.Iteration == 0 && st.Attempt == nil && st.Feedback == "" && st.Step == runstate.StepBuild
}

// resumingVerify reports whether the recorded state carries a committed
// attempt whose BUILD already finished, in which case BUILD is skipped on
// resume. That covers mid-VERIFY proper, and the window where the
// completion signal landed on disk before verify.started did.
func resumingVerify(st *runstate.RunState) bool {
	if st.Attempt == nil {
		return false
	}
	if st.Step == runstate.StepVerify {
		return true
	}
	sig := st.Attempt.Signal
	return sig != nil && !sig.Missing && sig.Kind == string(protocol.SignalPhaseComplete)
}

// undecidedRouting returns the gate decision recorded after the phase's
// latest outcome, if its routing has not executed yet.
func undecidedRouting(st *runstate.RunState, phaseID string) *runstate.GateDecision {
	var outcomeSeq uint64
	for i := len(st.History) - 1; i >= 0; i-- {
		if st.History[i].Phase == phaseID {
			outcomeSeq = st.History[i].Seq
			break
		}
	}
	for i := len(st.GateLog) - 1; i >= 0; i-- {
		if st.GateLog[i].Phase == phaseID && st.GateLog[i].Seq > outcomeSeq {
			return &st.GateLog[i]
		}
	}
	return nil
}

func mergeChecks(phase, protocolLevel map[string]protocol.CheckSpec) map[string]protocol.CheckSpec {
	if len(protocolLevel) == 0 {
		return phase
	}
	merged := make(map[string]protocol.CheckSpec, len(phase)+len(protocolLevel))
	for name, c := range phase {
		merged[name] = c
	}
	for name, c := range protocolLevel {
		if _, dup := merged[name]; !dup {
			merged[name] = c
		}
	}
	return merged
}

func blockedSection(reason string) string {
	s := "### Build attempt blocked\n"
	if reason != "" {
		s += reason + "\n"
	}
	return s
}

func rejectionSection(gateName, reason string) string {
	s := fmt.Sprintf("### Gate %q rejected\n", gateName)
	if reason != "" {
		s += reason + "\n"
	}
	return s
}

func joinSections(sections ...string) string {
	var kept []string
	for _, s := range sections {
		if s != "" {
			kept = append(kept, strings.TrimRight(s, "\n"))
		}
	}
	if len(kept) == 0 {
		return ""
	}
	return strings.Join(kept, "\n\n") + "\n"
}
