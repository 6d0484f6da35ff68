package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var gateFeedback string

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Deliver gate decisions",
}

var gateApproveCmd = &cobra.Command{
	Use:   "approve <run-id>",
	Short: "Approve the run's pending gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideGate(args[0], true, gateFeedback)
	},
}

var gateRejectCmd = &cobra.Command{
	Use:   "reject <run-id>",
	Short: "Reject the run's pending gate",
	Long: `Reject the run's pending gate.

The feedback message is folded into the owning phase's next build
prompt, so make it actionable.

Example:
  condctl gate reject 0b7c... -m "The error handling section is missing"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if gateFeedback == "" {
			return fmt.Errorf("rejection requires feedback (-m)")
		}
		return decideGate(args[0], false, gateFeedback)
	},
}

func init() {
	gateCmd.PersistentFlags().StringVarP(&gateFeedback, "message", "m", "", "feedback for the deciding human's reasoning")
	gateCmd.AddCommand(gateApproveCmd)
	gateCmd.AddCommand(gateRejectCmd)
}

// GateDecisionRequest matches internal/http GateDecisionRequest.
type GateDecisionRequest struct {
	Approve  *bool  `json:"approve"`
	Feedback string `json:"feedback,omitempty"`
}

// GateDecisionResponse matches internal/http GateDecisionResponse.
type GateDecisionResponse struct {
	RunID    string `json:"run_id"`
	Approved bool   `json:"approved"`
}

func decideGate(runID string, approve bool, feedback string) error {
	var resp GateDecisionResponse
	if err := postJSON("/api/v1/runs/"+runID+"/gate", GateDecisionRequest{
		Approve:  &approve,
		Feedback: feedback,
	}, &resp); err != nil {
		return err
	}

	if resp.Approved {
		fmt.Printf("Gate approved for run %s\n", resp.RunID)
	} else {
		fmt.Printf("Gate rejected for run %s\n", resp.RunID)
	}
	return nil
}
