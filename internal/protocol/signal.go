package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// SignalKind is the vocabulary of terminal tokens.
type SignalKind string

const (
	// SignalPhaseComplete marks the agent's work as done.
	SignalPhaseComplete SignalKind = "PHASE_COMPLETE"

	// SignalBlocked marks the agent as unable to proceed. The token
	// carries a reason after a colon.
	SignalBlocked SignalKind = "BLOCKED"
)

// Signal is a parsed terminal token from an agent's output.
type Signal struct {
	Kind   SignalKind
	Reason string
}

func (s Signal) String() string {
	if s.Kind == SignalBlocked && s.Reason != "" {
		return fmt.Sprintf("%s: %s", s.Kind, s.Reason)
	}
	return string(s.Kind)
}

var (
	// ErrNoSignal indicates the output carried no valid terminal signal.
	// Malformed or misplaced tokens are reported as no signal rather
	// than guessed at.
	ErrNoSignal = errors.New("no terminal signal in agent output")

	// ErrMultipleSignals indicates more than one signal token appeared.
	ErrMultipleSignals = errors.New("multiple terminal signals in agent output")
)

// ParseSignal extracts the terminal signal from agent output under a
// strict grammar: exactly one signal token, on its own line, as the last
// non-blank line of the output. Lines inside fenced code blocks are
// ignored so an agent quoting the vocabulary does not emit a signal.
//
// Accepted tokens are "PHASE_COMPLETE" and "BLOCKED: <reason>" (reason
// may be empty, the colon may not). Anything else, including a token
// followed by more prose, yields ErrNoSignal.
func ParseSignal(output string) (Signal, error) {
	var (
		inFence     bool
		signals     []Signal
		signalLines []int
		lastContent = -1
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
		if sig, ok := matchSignal(trimmed); ok {
			signals = append(signals, sig)
			signalLines = append(signalLines, i)
		}
	}

	switch {
	case len(signals) == 0:
		return Signal{}, ErrNoSignal
	case len(signals) > 1:
		return Signal{}, fmt.Errorf("%w: found %d", ErrMultipleSignals, len(signals))
	case signalLines[0] != lastContent:
		return Signal{}, fmt.Errorf("%w: signal is not the final line", ErrNoSignal)
	}

	return signals[0], nil
}

// matchSignal matches a single trimmed line against the signal grammar.
func matchSignal(line string) (Signal, bool) {
	if line == string(SignalPhaseComplete) {
		return Signal{Kind: SignalPhaseComplete}, true
	}
	if rest, ok := strings.CutPrefix(line, string(SignalBlocked)+":"); ok {
		return Signal{Kind: SignalBlocked, Reason: strings.TrimSpace(rest)}, true
	}
	return Signal{}, false
}
