package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderPrompt_Substitutes(t *testing.T) {
	vars := map[string]string{
		VarProjectID:    "billing-api",
		VarProjectTitle: "Billing API",
		VarPhaseID:      "build",
	}
	got := RenderPrompt("Work on {project_title} ({project_id}) in {phase_id}.", vars, "")
	assert.Equal(t, "Work on Billing API (billing-api) in build.", got)
}

func TestRenderPrompt_LeavesUnknownPlaceholders(t *testing.T) {
	got := RenderPrompt("see {unknown}", map[string]string{VarProjectID: "p"}, "")
	assert.Equal(t, "see {unknown}", got)
}

func TestRenderPrompt_AppendsFeedback(t *testing.T) {
	got := RenderPrompt("Do the work.\n", nil, "reviewer-a: the error path leaks a handle\n")
	assert.Contains(t, got, "Do the work.")
	assert.Contains(t, got, feedbackHeader)
	assert.Contains(t, got, "reviewer-a: the error path leaks a handle")
	// Feedback comes after the task.
	assert.Less(t, strings.Index(got, "Do the work."), strings.Index(got, feedbackHeader))
}

func TestRenderPrompt_NoFeedbackSection(t *testing.T) {
	got := RenderPrompt("Do the work.", nil, "")
	assert.NotContains(t, got, feedbackHeader)
}
