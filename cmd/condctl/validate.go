package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/conductd/internal/protocol"
)

var validateCmd = &cobra.Command{
	Use:   "validate <protocol.yaml>",
	Short: "Validate a protocol definition offline",
	Long: `Validate a protocol definition without contacting a daemon.

The file is loaded with the same loader the daemon uses, so a
definition that validates here starts cleanly there.

Examples:
  condctl validate ./protocol.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	def, err := protocol.LoadFile(args[0])
	if err != nil {
		var schemaErr *protocol.SchemaError
		if errors.As(err, &schemaErr) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Protocol %s is invalid:\n", args[0])
			for _, issue := range schemaErr.Issues {
				fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", issue)
			}
			return fmt.Errorf("%d issue(s) found", len(schemaErr.Issues))
		}
		return err
	}

	fmt.Printf("Protocol %q is valid (%d phase(s))\n", def.Name, len(def.Phases))
	for i := range def.Phases {
		p := &def.Phases[i]
		line := fmt.Sprintf("  %s (%s)", p.ID, p.Type)
		if p.Gate != nil {
			line += fmt.Sprintf(" gate=%s", p.Gate.Name)
		}
		fmt.Println(line)
	}
	return nil
}
