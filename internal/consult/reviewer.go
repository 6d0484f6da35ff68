package consult

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// CommandReviewer runs a reviewer as a subprocess per request, the same
// way the attached agent runner spawns build agents: review prompt on
// stdin, verdict parsed from combined output. The reviewer identity is
// substituted into the arguments as {reviewer} and exported as
// CONDUCTD_REVIEWER, so one configured command can front any number of
// reviewer identities (typically model names).
type CommandReviewer struct {
	command string
	args    []string
	workDir string
	logger  *zap.Logger
}

// NewCommandReviewer builds a subprocess reviewer.
func NewCommandReviewer(command string, args []string, workDir string, logger *zap.Logger) (*CommandReviewer, error) {
	if command == "" {
		return nil, fmt.Errorf("reviewer command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandReviewer{command: command, args: args, workDir: workDir, logger: logger}, nil
}

func (r *CommandReviewer) Review(ctx context.Context, req Request) (*Response, error) {
	args := make([]string, len(r.args))
	for i, a := range r.args {
		args[i] = strings.ReplaceAll(a, "{reviewer}", req.Reviewer)
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = r.workDir
	cmd.Stdin = bytes.NewReader([]byte(reviewPrompt(req)))
	cmd.Env = append(os.Environ(),
		"CONDUCTD_RUN_ID="+req.RunID,
		"CONDUCTD_PHASE="+req.Phase,
		"CONDUCTD_REVIEWER="+req.Reviewer,
		"CONDUCTD_REVIEW_TYPE="+req.ReviewType,
	)

	r.logger.Debug("dispatching reviewer",
		zap.String("run_id", req.RunID),
		zap.String("reviewer", req.Reviewer),
		zap.String("review_type", req.ReviewType))

	output, runErr := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	verdict, feedback, parseErr := ParseVerdict(string(output))
	if parseErr != nil {
		if runErr != nil {
			return nil, fmt.Errorf("reviewer exited with %v: %w", runErr, parseErr)
		}
		return nil, parseErr
	}

	return &Response{Verdict: verdict, Feedback: feedback}, nil
}

// reviewPrompt renders the text handed to a reviewer on stdin.
func reviewPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the artifact below (%s review).\n", req.ReviewType)
	if req.ArtifactPath != "" {
		fmt.Fprintf(&b, "Artifact path: %s\n", req.ArtifactPath)
	}
	b.WriteString("Give your feedback, then end your reply with a single line containing either APPROVE or REQUEST_CHANGES.\n\n")
	b.WriteString("---\n\n")
	b.WriteString(req.Artifact)
	// A reviewer that echoes its stdin must not end up with the verdict
	// glued onto the artifact's last line.
	if !strings.HasSuffix(req.Artifact, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}
