package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var scrubCmd = &cobra.Command{
	Use:   "scrub [file]",
	Short: "Scrub secrets from a file or stdin",
	Long: `Scrub secrets from a file or stdin using the conductd server.

Examples:
  # Scrub a file
  condctl scrub .env

  # Scrub from stdin
  cat output.log | condctl scrub -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScrub,
}

// ScrubRequest matches internal/http ScrubRequest.
type ScrubRequest struct {
	Content string `json:"content"`
}

// ScrubResponse matches internal/http ScrubResponse.
type ScrubResponse struct {
	Content       string `json:"content"`
	FindingsCount int    `json:"findings_count"`
}

// runScrub handles the scrub command
func runScrub(cmd *cobra.Command, args []string) error {
	var content []byte
	var err error

	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}

	if len(content) == 0 {
		return fmt.Errorf("no content to scrub")
	}

	var scrubResp ScrubResponse
	if err := postJSON("/api/v1/scrub", ScrubRequest{Content: string(content)}, &scrubResp); err != nil {
		return err
	}

	fmt.Print(scrubResp.Content)

	if scrubResp.FindingsCount > 0 {
		fmt.Fprintf(os.Stderr, "\n[condctl] Scrubbed %d secret(s)\n", scrubResp.FindingsCount)
	}

	return nil
}
