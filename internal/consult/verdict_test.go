package consult

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name         string
		output       string
		wantVerdict  Verdict
		wantFeedback string
		wantErr      bool
	}{
		{
			name:        "bare approve",
			output:      "APPROVE\n",
			wantVerdict: VerdictApprove,
		},
		{
			name:         "feedback then request changes",
			output:       "The error path leaks a handle.\n\nREQUEST_CHANGES\n",
			wantVerdict:  VerdictRequestChanges,
			wantFeedback: "The error path leaks a handle.",
		},
		{
			name:        "trailing blank lines ignored",
			output:      "looks good\nAPPROVE\n\n\n",
			wantVerdict: VerdictApprove,
		},
		{
			name:    "verdict not final line",
			output:  "APPROVE\nbut actually wait\n",
			wantErr: true,
		},
		{
			name:    "no verdict at all",
			output:  "some prose\n",
			wantErr: true,
		},
		{
			name:    "lowercase not recognized",
			output:  "approve\n",
			wantErr: true,
		},
		{
			name:    "verdict with trailing prose on same line",
			output:  "APPROVE with reservations\n",
			wantErr: true,
		},
		{
			name:    "two verdicts",
			output:  "REQUEST_CHANGES\nAPPROVE\n",
			wantErr: true,
		},
		{
			name:        "verdict inside fence ignored",
			output:      "Reply with:\n```\nAPPROVE\n```\nstill reviewing\nREQUEST_CHANGES\n",
			wantVerdict: VerdictRequestChanges,
		},
		{
			name:    "only fenced verdict",
			output:  "```\nAPPROVE\n```\n",
			wantErr: true,
		},
		{
			name:    "empty output",
			output:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, feedback, err := ParseVerdict(tt.output)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrNoVerdict)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVerdict, verdict)
			if tt.wantFeedback != "" {
				assert.Equal(t, tt.wantFeedback, feedback)
			}
		})
	}
}
