package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    Signal
		wantErr error
	}{
		{
			name:   "phase complete",
			output: "work is done\n\nPHASE_COMPLETE\n",
			want:   Signal{Kind: SignalPhaseComplete},
		},
		{
			name:   "phase complete only",
			output: "PHASE_COMPLETE",
			want:   Signal{Kind: SignalPhaseComplete},
		},
		{
			name:   "blocked with reason",
			output: "cannot continue\nBLOCKED: missing credentials for staging\n",
			want:   Signal{Kind: SignalBlocked, Reason: "missing credentials for staging"},
		},
		{
			name:   "blocked with empty reason",
			output: "BLOCKED:\n",
			want:   Signal{Kind: SignalBlocked, Reason: ""},
		},
		{
			name:   "signal surrounded by blank lines",
			output: "done\n\nPHASE_COMPLETE\n\n\n",
			want:   Signal{Kind: SignalPhaseComplete},
		},
		{
			name:   "indented signal line",
			output: "done\n  PHASE_COMPLETE  \n",
			want:   Signal{Kind: SignalPhaseComplete},
		},
		{
			name:    "no signal at all",
			output:  "I finished everything, see the diff.",
			wantErr: ErrNoSignal,
		},
		{
			name:    "empty output",
			output:  "",
			wantErr: ErrNoSignal,
		},
		{
			name:    "bare BLOCKED without colon",
			output:  "stuck\nBLOCKED\n",
			wantErr: ErrNoSignal,
		},
		{
			name:    "signal followed by more prose",
			output:  "PHASE_COMPLETE\nactually wait, one more thing\n",
			wantErr: ErrNoSignal,
		},
		{
			name:    "token with trailing prose on same line",
			output:  "PHASE_COMPLETE because everything passed\n",
			wantErr: ErrNoSignal,
		},
		{
			name:    "lowercase token",
			output:  "phase_complete\n",
			wantErr: ErrNoSignal,
		},
		{
			name:    "two signals",
			output:  "PHASE_COMPLETE\nBLOCKED: changed my mind\n",
			wantErr: ErrMultipleSignals,
		},
		{
			name:   "signal inside fence is ignored",
			output: "the vocabulary is:\n```\nPHASE_COMPLETE\nBLOCKED: <reason>\n```\nPHASE_COMPLETE\n",
			want:   Signal{Kind: SignalPhaseComplete},
		},
		{
			name:    "only fenced signal",
			output:  "example:\n```\nPHASE_COMPLETE\n```\n",
			wantErr: ErrNoSignal,
		},
		{
			name:   "language-tagged fence",
			output: "```text\nBLOCKED: not really\n```\nBLOCKED: waiting on review environment\n",
			want:   Signal{Kind: SignalBlocked, Reason: "waiting on review environment"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSignal(tt.output)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignal_String(t *testing.T) {
	assert.Equal(t, "PHASE_COMPLETE", Signal{Kind: SignalPhaseComplete}.String())
	assert.Equal(t, "BLOCKED: no database", Signal{Kind: SignalBlocked, Reason: "no database"}.String())
	assert.Equal(t, "BLOCKED", Signal{Kind: SignalBlocked}.String())
}
