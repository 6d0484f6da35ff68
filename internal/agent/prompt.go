package agent

import (
	"strings"

	"github.com/fyrsmithlabs/conductd/internal/artifact"
)

// Substitution variable names available in prompt templates and artifact
// path patterns.
const (
	VarProjectID      = "project_id"
	VarProjectTitle   = "project_title"
	VarPhaseID        = "phase_id"
	VarProtocol       = "protocol"
	VarPlanPhaseID    = "plan_phase_id"
	VarPlanPhaseTitle = "plan_phase_title"
)

const feedbackHeader = "## Feedback from the previous attempt"

// RenderPrompt substitutes {name} variables into the template and, when
// feedback from a previous attempt exists, appends it under a marked
// section so the agent can distinguish it from the task itself.
func RenderPrompt(template string, vars map[string]string, feedback string) string {
	prompt := artifact.Render(template, vars)
	if feedback == "" {
		return prompt
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(prompt, "\n"))
	b.WriteString("\n\n")
	b.WriteString(feedbackHeader)
	b.WriteString("\n\n")
	b.WriteString(strings.TrimRight(feedback, "\n"))
	b.WriteString("\n")
	return b.String()
}
