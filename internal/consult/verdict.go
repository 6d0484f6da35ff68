// Package consult dispatches artifact reviews to configured reviewer
// identities and aggregates their verdicts.
//
// A reviewer is an external collaborator: given an artifact and a review
// type it returns exactly one verdict within its timeout. Reviewers that
// error or time out yield UNAVAILABLE instead of blocking the others;
// whether UNAVAILABLE blocks the phase is a policy knob. Dispatch is
// rate-limited per reviewer identity.
package consult

import (
	"errors"
	"strings"
)

// Verdict is one reviewer's judgment of an artifact.
type Verdict string

const (
	// VerdictApprove accepts the artifact as-is.
	VerdictApprove Verdict = "APPROVE"

	// VerdictRequestChanges rejects the artifact with feedback.
	VerdictRequestChanges Verdict = "REQUEST_CHANGES"

	// VerdictUnavailable records a reviewer that errored or timed out.
	// It never carries feedback about the artifact itself.
	VerdictUnavailable Verdict = "UNAVAILABLE"
)

// Quorum policies for UNAVAILABLE verdicts.
const (
	// OnUnavailableExclude drops UNAVAILABLE reviewers from the tally.
	OnUnavailableExclude = "exclude"

	// OnUnavailableBlock treats any UNAVAILABLE verdict as blocking.
	OnUnavailableBlock = "block"
)

// ErrNoVerdict indicates reviewer output carried no recognizable verdict
// token. The caller records the reviewer as UNAVAILABLE.
var ErrNoVerdict = errors.New("no verdict in reviewer output")

// ParseVerdict extracts a verdict from reviewer output under the same
// strict grammar the terminal-signal parser uses: exactly one token,
// standing alone on the final non-blank line, outside fenced code
// blocks. Everything before the token is the reviewer's feedback text.
func ParseVerdict(output string) (Verdict, string, error) {
	var (
		inFence      bool
		verdicts     []Verdict
		verdictLines []int
		lastContent  = -1
	)

	lines := strings.Split(output, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence || trimmed == "" {
			continue
		}

		lastContent = i
		switch v := Verdict(trimmed); v {
		case VerdictApprove, VerdictRequestChanges:
			verdicts = append(verdicts, v)
			verdictLines = append(verdictLines, i)
		}
	}

	if len(verdicts) != 1 || verdictLines[0] != lastContent {
		return "", "", ErrNoVerdict
	}

	feedback := strings.TrimSpace(strings.Join(lines[:verdictLines[0]], "\n"))
	return verdicts[0], feedback, nil
}
