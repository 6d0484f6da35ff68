package runstate

import (
	"encoding/json"
	"fmt"
	"time"
)

// Step is the resumable sub-state within the current phase.
type Step string

const (
	// StepBuild means a BUILD attempt is due or in flight. A crash here
	// re-enters BUILD at the same iteration; an attempt without a
	// recorded signal was never committed.
	StepBuild Step = "BUILD"

	// StepVerify means the iteration's artifact exists and verification
	// is in progress. A crash here re-enters VERIFY reusing recorded
	// check and consultation results, never re-running BUILD.
	StepVerify Step = "VERIFY"

	// StepGate means the phase's work is done and the run is at (or
	// about to route past) its gate.
	StepGate Step = "GATE"
)

// RunStatus is the overall state of a run.
type RunStatus string

const (
	StatusRunning      RunStatus = "running"
	StatusAwaitingGate RunStatus = "awaiting_gate"
	StatusCompleted    RunStatus = "completed"
	StatusFailed       RunStatus = "failed"
	StatusAborted      RunStatus = "aborted"
)

// AttemptState is the recorded material of the current iteration, enough
// to resume mid-VERIFY without re-running BUILD.
type AttemptState struct {
	Iteration int                           `json:"iteration"`
	Signal    *SignalReceivedEvent          `json:"signal,omitempty"`
	Artifact  string                        `json:"artifact,omitempty"`
	Checks    map[string]CheckResultEvent   `json:"checks,omitempty"`
	Consults  map[string]ConsultResultEvent `json:"consults,omitempty"`
}

// HistoryEntry is one line of the append-only phase history. Seq lets
// the executor order history against the gate log when resuming.
type HistoryEntry struct {
	Seq     uint64    `json:"seq"`
	Phase   string    `json:"phase"`
	Outcome string    `json:"outcome"`
	Time    time.Time `json:"time"`
}

// GateDecision is one line of the gate decision log.
type GateDecision struct {
	Seq      uint64    `json:"seq"`
	Gate     string    `json:"gate"`
	Phase    string    `json:"phase"`
	Decision string    `json:"decision"`
	Reason   string    `json:"reason,omitempty"`
	Auto     bool      `json:"auto,omitempty"`
	Time     time.Time `json:"time"`
}

// RunState is the projection derived from the event log. The executor is
// its only writer, via Store.Append.
type RunState struct {
	RunID        string    `json:"run_id"`
	Protocol     string    `json:"protocol"`
	ProtocolPath string    `json:"protocol_path,omitempty"`
	ProjectID    string    `json:"project_id"`
	ProjectTitle string    `json:"project_title,omitempty"`
	Status       RunStatus `json:"status"`

	Phase     string `json:"phase,omitempty"`
	PhaseType string `json:"phase_type,omitempty"`
	Step      Step   `json:"step,omitempty"`
	Iteration int    `json:"iteration"`

	PlanPhases []PlanPhase `json:"plan_phases,omitempty"`
	PlanIndex  int         `json:"plan_index"`

	// Attempt carries the current iteration's recorded outputs.
	Attempt *AttemptState `json:"attempt,omitempty"`

	// Feedback is the bundle appended to the next BUILD prompt.
	Feedback string `json:"feedback,omitempty"`

	GatePending bool   `json:"gate_pending"`
	GateName    string `json:"gate_name,omitempty"`

	History   []HistoryEntry `json:"history"`
	Artifacts []string       `json:"artifacts,omitempty"`
	GateLog   []GateDecision `json:"gate_log,omitempty"`

	// Outcomes maps phase id to its most recent outcome, for gate
	// prerequisite checks.
	Outcomes map[string]string `json:"outcomes,omitempty"`

	LastSeq    uint64     `json:"last_seq"`
	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewRunState returns an empty projection ready for replay.
func NewRunState() *RunState {
	return &RunState{
		History:  []HistoryEntry{},
		Outcomes: map[string]string{},
	}
}

// Rebuild replays events into a fresh projection.
func Rebuild(events []Event) (*RunState, error) {
	st := NewRunState()
	for i := range events {
		if err := st.Apply(&events[i]); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Apply folds one event into the projection.
func (st *RunState) Apply(e *Event) error {
	switch e.Type {
	case EventRunStarted:
		if e.RunStarted == nil {
			return missingPayload(e)
		}
		st.RunID = e.RunID
		st.Protocol = e.RunStarted.Protocol
		st.ProtocolPath = e.RunStarted.ProtocolPath
		st.ProjectID = e.RunStarted.ProjectID
		st.ProjectTitle = e.RunStarted.ProjectTitle
		st.PlanPhases = e.RunStarted.PlanPhases
		st.Status = StatusRunning
		st.StartedAt = e.Time

	case EventPhaseEntered:
		if e.PhaseEntered == nil {
			return missingPayload(e)
		}
		st.Phase = e.PhaseEntered.Phase
		st.PhaseType = e.PhaseEntered.Type
		st.Step = StepBuild
		st.Iteration = 0
		st.Attempt = nil
		st.Feedback = ""
		st.GatePending = false
		st.GateName = ""
		st.Status = StatusRunning

	case EventBuildStarted:
		if e.BuildStarted == nil {
			return missingPayload(e)
		}
		st.Step = StepBuild
		st.Iteration = e.BuildStarted.Iteration
		st.Attempt = &AttemptState{
			Iteration: e.BuildStarted.Iteration,
			Checks:    map[string]CheckResultEvent{},
			Consults:  map[string]ConsultResultEvent{},
		}

	case EventSignalReceived:
		if e.SignalReceived == nil {
			return missingPayload(e)
		}
		if st.Attempt == nil {
			return fmt.Errorf("event %d: signal without an active attempt", e.Seq)
		}
		st.Attempt.Signal = e.SignalReceived

	case EventArtifactRecorded:
		if e.ArtifactRecorded == nil {
			return missingPayload(e)
		}
		st.addArtifact(e.ArtifactRecorded.Path)
		if st.Attempt != nil {
			st.Attempt.Artifact = e.ArtifactRecorded.Path
		}

	case EventVerifyStarted:
		if e.VerifyStarted == nil {
			return missingPayload(e)
		}
		st.Step = StepVerify

	case EventCheckResult:
		if e.CheckResult == nil {
			return missingPayload(e)
		}
		if st.Attempt == nil {
			return fmt.Errorf("event %d: check result without an active attempt", e.Seq)
		}
		st.Attempt.Checks[e.CheckResult.Name] = *e.CheckResult

	case EventConsultResult:
		if e.ConsultResult == nil {
			return missingPayload(e)
		}
		if st.Attempt == nil {
			return fmt.Errorf("event %d: consultation result without an active attempt", e.Seq)
		}
		st.Attempt.Consults[e.ConsultResult.Reviewer] = *e.ConsultResult

	case EventIterationAdvanced:
		if e.IterationAdvanced == nil {
			return missingPayload(e)
		}
		st.Iteration = e.IterationAdvanced.Iteration
		st.Feedback = e.IterationAdvanced.Feedback
		st.Step = StepBuild
		st.Attempt = nil
		st.GatePending = false
		st.Status = StatusRunning

	case EventFeedbackFolded:
		if e.FeedbackFolded == nil {
			return missingPayload(e)
		}
		st.Feedback = e.FeedbackFolded.Feedback
		st.Step = StepBuild
		st.Attempt = nil
		st.GatePending = false
		st.Status = StatusRunning

	case EventPhaseOutcome:
		if e.PhaseOutcome == nil {
			return missingPayload(e)
		}
		st.History = append(st.History, HistoryEntry{
			Seq:     e.Seq,
			Phase:   e.PhaseOutcome.Phase,
			Outcome: e.PhaseOutcome.Outcome,
			Time:    e.Time,
		})
		st.Outcomes[e.PhaseOutcome.Phase] = e.PhaseOutcome.Outcome
		st.Step = StepGate

	case EventGateOpened:
		if e.GateOpened == nil {
			return missingPayload(e)
		}
		st.Step = StepGate
		st.GatePending = true
		st.GateName = e.GateOpened.Gate
		st.Status = StatusAwaitingGate

	case EventGateDecided:
		if e.GateDecided == nil {
			return missingPayload(e)
		}
		st.GateLog = append(st.GateLog, GateDecision{
			Seq:      e.Seq,
			Gate:     e.GateDecided.Gate,
			Phase:    e.GateDecided.Phase,
			Decision: e.GateDecided.Decision,
			Reason:   e.GateDecided.Reason,
			Auto:     e.GateDecided.Auto,
			Time:     e.Time,
		})
		st.GatePending = false
		st.Status = StatusRunning

	case EventPlanDefined:
		if e.PlanDefined == nil {
			return missingPayload(e)
		}
		st.PlanPhases = e.PlanDefined.PlanPhases
		st.PlanIndex = 0

	case EventPlanAdvanced:
		if e.PlanAdvanced == nil {
			return missingPayload(e)
		}
		st.PlanIndex = e.PlanAdvanced.Index
		st.Step = StepBuild

	case EventRunFinished:
		if e.RunFinished == nil {
			return missingPayload(e)
		}
		switch e.RunFinished.Outcome {
		case RunCompleted:
			st.Status = StatusCompleted
		case RunAborted:
			st.Status = StatusAborted
		default:
			st.Status = StatusFailed
		}
		t := e.Time
		st.FinishedAt = &t
		st.GatePending = false

	default:
		return fmt.Errorf("event %d: unknown type %q", e.Seq, e.Type)
	}

	st.LastSeq = e.Seq
	st.UpdatedAt = e.Time
	return nil
}

// CurrentPlanPhase returns the active plan-phase entry, if any.
func (st *RunState) CurrentPlanPhase() (PlanPhase, bool) {
	if st.PlanIndex < 0 || st.PlanIndex >= len(st.PlanPhases) {
		return PlanPhase{}, false
	}
	return st.PlanPhases[st.PlanIndex], true
}

// Finished reports whether the run reached a terminal status.
func (st *RunState) Finished() bool {
	switch st.Status {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Clone returns a deep copy safe to hand to readers outside the
// executor's writer goroutine.
func (st *RunState) Clone() *RunState {
	data, err := json.Marshal(st)
	if err != nil {
		return NewRunState()
	}
	out := NewRunState()
	if err := json.Unmarshal(data, out); err != nil {
		return NewRunState()
	}
	return out
}

func (st *RunState) addArtifact(path string) {
	for _, a := range st.Artifacts {
		if a == path {
			return
		}
	}
	st.Artifacts = append(st.Artifacts, path)
}

func missingPayload(e *Event) error {
	return fmt.Errorf("event %d: type %s missing payload", e.Seq, e.Type)
}
