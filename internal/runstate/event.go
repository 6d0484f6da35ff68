package runstate

import "time"

// EventType names one kind of run transition.
type EventType string

const (
	EventRunStarted        EventType = "run.started"
	EventPhaseEntered      EventType = "phase.entered"
	EventBuildStarted      EventType = "build.started"
	EventSignalReceived    EventType = "signal.received"
	EventArtifactRecorded  EventType = "artifact.recorded"
	EventVerifyStarted     EventType = "verify.started"
	EventCheckResult       EventType = "check.result"
	EventConsultResult     EventType = "consult.result"
	EventIterationAdvanced EventType = "iteration.advanced"
	EventFeedbackFolded    EventType = "feedback.folded"
	EventPhaseOutcome      EventType = "phase.outcome"
	EventGateOpened        EventType = "gate.opened"
	EventGateDecided       EventType = "gate.decided"
	EventPlanDefined       EventType = "plan.defined"
	EventPlanAdvanced      EventType = "plan.advanced"
	EventRunFinished       EventType = "run.finished"
)

// Phase outcomes recorded by EventPhaseOutcome.
const (
	// OutcomeCompleted means verification fully passed.
	OutcomeCompleted = "completed"

	// OutcomeApproved means the pre-approved artifact short-circuit
	// fired and no build or verify ran.
	OutcomeApproved = "approved"

	// OutcomeUnresolved means the iteration budget ran out with
	// verification still failing; the gate surfaces this to the human.
	OutcomeUnresolved = "unresolved"

	// OutcomeFailed means a sub-phase failed its checks and was routed
	// via the phase's on_fail transition.
	OutcomeFailed = "failed"
)

// Gate decisions recorded by EventGateDecided.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Run outcomes recorded by EventRunFinished.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunAborted   = "aborted"
)

// Event is one line of the run log. Exactly one payload pointer is set,
// matching Type.
type Event struct {
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	RunID string    `json:"run_id"`
	Type  EventType `json:"type"`

	RunStarted        *RunStartedEvent        `json:"run_started,omitempty"`
	PhaseEntered      *PhaseEnteredEvent      `json:"phase_entered,omitempty"`
	BuildStarted      *BuildStartedEvent      `json:"build_started,omitempty"`
	SignalReceived    *SignalReceivedEvent    `json:"signal_received,omitempty"`
	ArtifactRecorded  *ArtifactRecordedEvent  `json:"artifact_recorded,omitempty"`
	VerifyStarted     *VerifyStartedEvent     `json:"verify_started,omitempty"`
	CheckResult       *CheckResultEvent       `json:"check_result,omitempty"`
	ConsultResult     *ConsultResultEvent     `json:"consult_result,omitempty"`
	IterationAdvanced *IterationAdvancedEvent `json:"iteration_advanced,omitempty"`
	FeedbackFolded    *FeedbackFoldedEvent    `json:"feedback_folded,omitempty"`
	PhaseOutcome      *PhaseOutcomeEvent      `json:"phase_outcome,omitempty"`
	GateOpened        *GateOpenedEvent        `json:"gate_opened,omitempty"`
	GateDecided       *GateDecidedEvent       `json:"gate_decided,omitempty"`
	PlanDefined       *PlanDefinedEvent       `json:"plan_defined,omitempty"`
	PlanAdvanced      *PlanAdvancedEvent      `json:"plan_advanced,omitempty"`
	RunFinished       *RunFinishedEvent       `json:"run_finished,omitempty"`
}

// PlanPhase is one entry of the externally supplied plan-phase list
// consumed by per_plan_phase phases.
type PlanPhase struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// RunStartedEvent opens a run. ProtocolPath lets a restarted daemon
// reload the same definition.
type RunStartedEvent struct {
	Protocol        string      `json:"protocol"`
	ProtocolVersion string      `json:"protocol_version,omitempty"`
	ProtocolPath    string      `json:"protocol_path,omitempty"`
	ProjectID       string      `json:"project_id"`
	ProjectTitle    string      `json:"project_title,omitempty"`
	PlanPhases      []PlanPhase `json:"plan_phases,omitempty"`
}

// PhaseEnteredEvent marks entry into a phase; iteration and feedback
// reset.
type PhaseEnteredEvent struct {
	Phase string `json:"phase"`
	Type  string `json:"type"`
}

// BuildStartedEvent marks the start of one BUILD attempt.
type BuildStartedEvent struct {
	Phase     string `json:"phase"`
	Iteration int    `json:"iteration"`
	PlanPhase string `json:"plan_phase,omitempty"`
}

// SignalReceivedEvent records the attempt's terminal signal. Missing is
// set when the agent produced no valid signal within the timeout, which
// the executor treats as an implicit BLOCKED.
type SignalReceivedEvent struct {
	Phase     string `json:"phase"`
	Iteration int    `json:"iteration"`
	Kind      string `json:"kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Missing   bool   `json:"missing,omitempty"`
}

// ArtifactRecordedEvent records a produced (or pre-existing approved)
// artifact path.
type ArtifactRecordedEvent struct {
	Phase     string `json:"phase"`
	Iteration int    `json:"iteration"`
	Path      string `json:"path"`
}

// VerifyStartedEvent marks entry into VERIFY for the current iteration.
type VerifyStartedEvent struct {
	Phase     string `json:"phase"`
	Iteration int    `json:"iteration"`
}

// CheckResultEvent records one check's final result, after any per-check
// retries.
type CheckResultEvent struct {
	Phase      string `json:"phase"`
	Iteration  int    `json:"iteration"`
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	Diagnostic string `json:"diagnostic,omitempty"`
	Retries    int    `json:"retries"`
	PlanPhase  string `json:"plan_phase,omitempty"`
}

// ConsultResultEvent records one reviewer's verdict.
type ConsultResultEvent struct {
	Phase     string `json:"phase"`
	Iteration int    `json:"iteration"`
	Reviewer  string `json:"reviewer"`
	Verdict   string `json:"verdict"`
	Feedback  string `json:"feedback,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// IterationAdvancedEvent consumes one iteration slot and carries the
// feedback bundle for the next BUILD attempt.
type IterationAdvancedEvent struct {
	Phase     string `json:"phase"`
	Iteration int    `json:"iteration"`
	Feedback  string `json:"feedback,omitempty"`
}

// FeedbackFoldedEvent replaces the feedback bundle without consuming an
// iteration slot; used when a gate rejection re-runs a non-iterating
// phase.
type FeedbackFoldedEvent struct {
	Phase    string `json:"phase"`
	Feedback string `json:"feedback"`
}

// PhaseOutcomeEvent closes out a phase's work before its gate.
type PhaseOutcomeEvent struct {
	Phase      string `json:"phase"`
	Outcome    string `json:"outcome"`
	Iterations int    `json:"iterations"`
}

// GateOpenedEvent marks the run waiting at a human gate.
type GateOpenedEvent struct {
	Phase string `json:"phase"`
	Gate  string `json:"gate"`
	// Unresolved surfaces that the phase exhausted its iteration budget
	// without full approval.
	Unresolved bool `json:"unresolved,omitempty"`
}

// GateDecidedEvent records the human (or automatic) gate decision.
type GateDecidedEvent struct {
	Phase    string  `json:"phase"`
	Gate     string  `json:"gate"`
	Decision string  `json:"decision"`
	Reason   string  `json:"reason,omitempty"`
	Auto     bool    `json:"auto,omitempty"`
	Next     *string `json:"next,omitempty"`
}

// PlanDefinedEvent sets or replaces the plan-phase list mid-run, e.g.
// after a planning phase derives it.
type PlanDefinedEvent struct {
	PlanPhases []PlanPhase `json:"plan_phases"`
}

// PlanAdvancedEvent moves the per_plan_phase index.
type PlanAdvancedEvent struct {
	Phase     string `json:"phase"`
	Index     int    `json:"index"`
	PlanPhase string `json:"plan_phase"`
}

// RunFinishedEvent closes the run.
type RunFinishedEvent struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}
