package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/conductd/internal/runstate"
)

var (
	runProtocol string
	runProject  string
	runTitle    string
	runPlan     []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start and inspect runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new run",
	Long: `Start a new run from a protocol definition.

The protocol path is resolved by the daemon, not the CLI, so it must be
valid on the daemon's filesystem.

Examples:
  # Start a run
  condctl run start --protocol ./protocol.yaml --project billing-api

  # Seed plan phases for per_plan_phase protocols
  condctl run start --protocol ./protocol.yaml --project billing-api \
    --plan "phase-1:Data model" --plan "phase-2:API"`,
	RunE: runStart,
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known runs",
	RunE:  runList,
}

func init() {
	runStartCmd.Flags().StringVar(&runProtocol, "protocol", "", "path to the protocol definition (required)")
	runStartCmd.Flags().StringVar(&runProject, "project", "", "project id (required)")
	runStartCmd.Flags().StringVar(&runTitle, "title", "", "project title")
	runStartCmd.Flags().StringArrayVar(&runPlan, "plan", nil, "plan phase as id or id:title, repeatable")
	_ = runStartCmd.MarkFlagRequired("protocol")
	_ = runStartCmd.MarkFlagRequired("project")

	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runListCmd)
}

// StartRunRequest matches internal/http StartRunRequest.
type StartRunRequest struct {
	Protocol     string             `json:"protocol"`
	ProjectID    string             `json:"project_id"`
	ProjectTitle string             `json:"project_title,omitempty"`
	PlanPhases   []PlanPhaseRequest `json:"plan_phases,omitempty"`
}

// PlanPhaseRequest matches internal/http PlanPhaseRequest.
type PlanPhaseRequest struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// RunListResponse matches internal/http RunListResponse.
type RunListResponse struct {
	Runs  []*runstate.RunState `json:"runs"`
	Count int                  `json:"count"`
}

// parsePlanPhases turns repeated --plan values into plan-phase entries.
// Each value is an id, optionally followed by a colon and a title.
func parsePlanPhases(values []string) ([]PlanPhaseRequest, error) {
	phases := make([]PlanPhaseRequest, 0, len(values))
	for _, v := range values {
		id, title, _ := strings.Cut(v, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("invalid plan phase %q: empty id", v)
		}
		phases = append(phases, PlanPhaseRequest{ID: id, Title: strings.TrimSpace(title)})
	}
	return phases, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	plan, err := parsePlanPhases(runPlan)
	if err != nil {
		return err
	}

	var state runstate.RunState
	if err := postJSON("/api/v1/runs", StartRunRequest{
		Protocol:     runProtocol,
		ProjectID:    runProject,
		ProjectTitle: runTitle,
		PlanPhases:   plan,
	}, &state); err != nil {
		return err
	}

	fmt.Printf("Run started: %s\n", state.RunID)
	fmt.Printf("Protocol:    %s\n", state.Protocol)
	fmt.Printf("Project:     %s\n", state.ProjectID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	var state runstate.RunState
	if err := getJSON("/api/v1/runs/"+args[0], &state); err != nil {
		return err
	}

	fmt.Printf("Run:       %s\n", state.RunID)
	fmt.Printf("Protocol:  %s\n", state.Protocol)
	fmt.Printf("Project:   %s\n", state.ProjectID)
	fmt.Printf("Status:    %s\n", state.Status)
	if state.Phase != "" {
		fmt.Printf("Phase:     %s (%s) step=%s iteration=%d\n",
			state.Phase, state.PhaseType, state.Step, state.Iteration)
	}
	if state.GatePending {
		fmt.Printf("Gate:      %s (awaiting decision)\n", state.GateName)
	}
	if len(state.History) > 0 {
		fmt.Println("History:")
		for _, h := range state.History {
			fmt.Printf("  %s  %-12s %s\n", h.Time.Format("2006-01-02 15:04:05"), h.Outcome, h.Phase)
		}
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	var resp RunListResponse
	if err := getJSON("/api/v1/runs", &resp); err != nil {
		return err
	}

	if resp.Count == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tPROJECT\tPROTOCOL\tSTATUS\tPHASE")
	for _, st := range resp.Runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", st.RunID, st.ProjectID, st.Protocol, st.Status, st.Phase)
	}
	return w.Flush()
}
