package cli

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/workflow"
	"github.com/wardenlabs/warden/templates"
)

// newValidateCmd creates the validate command
func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [workflow.yaml]",
		Short: "Validate a workflow definition",
		Long: `Validate a workflow definition file.

Parses the document and checks its structural rules: phase and item ids,
transition endpoints, gate references, and step types. Without an
argument the embedded default workflow is validated.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				def *workflow.Definition
				err error
				src string
			)
			if len(args) == 1 {
				src = args[0]
				def, err = workflow.Load(src)
			} else {
				src = "embedded default"
				var data []byte
				data, err = fs.ReadFile(templates.Workflows, templates.DefaultWorkflowPath)
				if err == nil {
					def, err = workflow.Parse(data)
				}
			}
			if err != nil {
				return err
			}

			gates := 0
			for _, phase := range def.Phases {
				gates += len(phase.Gates)
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"valid":       true,
					"name":        def.Name,
					"version":     def.Version,
					"phases":      len(def.Phases),
					"transitions": len(def.Transitions),
					"gates":       gates,
				})
			}

			fmt.Printf("✓ %s is valid\n", src)
			fmt.Printf("  workflow: %s v%s\n", def.Name, def.Version)
			fmt.Printf("  phases:   %d (first: %s)\n", len(def.Phases), def.FirstPhase())
			fmt.Printf("  gates:    %d, transitions: %d\n", gates, len(def.Transitions))
			return nil
		},
	}
	return cmd
}
