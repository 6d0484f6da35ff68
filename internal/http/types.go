package http

import "github.com/fyrsmithlabs/conductd/internal/runstate"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StartRunRequest is the request body for POST /api/v1/runs.
type StartRunRequest struct {
	// Protocol is the path to the protocol definition file.
	Protocol     string `json:"protocol"`
	ProjectID    string `json:"project_id"`
	ProjectTitle string `json:"project_title,omitempty"`

	// PlanPhases seed per_plan_phase phases; optional.
	PlanPhases []PlanPhaseRequest `json:"plan_phases,omitempty"`
}

// PlanPhaseRequest is one plan-phase entry in a StartRunRequest.
type PlanPhaseRequest struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// RunListResponse is the response body for GET /api/v1/runs.
type RunListResponse struct {
	Runs  []*runstate.RunState `json:"runs"`
	Count int                  `json:"count"`
}

// GateDecisionRequest is the request body for POST /api/v1/runs/:id/gate.
// Approve is a pointer so a missing field is distinguishable from an
// explicit rejection.
type GateDecisionRequest struct {
	Approve  *bool  `json:"approve"`
	Feedback string `json:"feedback,omitempty"`
}

// GateDecisionResponse is the response body for POST /api/v1/runs/:id/gate.
type GateDecisionResponse struct {
	RunID    string `json:"run_id"`
	Approved bool   `json:"approved"`
}

// ErrorResponse carries a structured error, used where a bare message is
// not enough (protocol validation issues).
type ErrorResponse struct {
	Error  string   `json:"error"`
	Issues []string `json:"issues,omitempty"`
}

// ScrubRequest is the request body for POST /api/v1/scrub.
type ScrubRequest struct {
	Content string `json:"content"`
}

// ScrubResponse is the response body for POST /api/v1/scrub.
type ScrubResponse struct {
	Content       string `json:"content"`
	FindingsCount int    `json:"findings_count"`
}
