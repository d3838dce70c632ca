package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/machine"
	"github.com/wardenlabs/warden/internal/session"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current workflow state",
		Long: `Show the current workflow instance: active phase, item statuses,
and overall progress. Reads the state document of the current session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			layout := session.NewLayout(".")
			id, err := layout.Current()
			if err != nil {
				return err
			}
			if id == "" {
				fmt.Println("No active session. Run 'warden serve --task ...' to start one.")
				return nil
			}

			data, err := os.ReadFile(layout.StatePath(id))
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Printf("Session %s has no workflow instance yet.\n", id)
					return nil
				}
				return fmt.Errorf("read state: %w", err)
			}

			var in machine.Instance
			if err := json.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("parse state: %w", err)
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(&in)
			}

			fmt.Printf("Session:  %s\n", id)
			fmt.Printf("Workflow: %s v%s\n", in.WorkflowName, in.WorkflowVersion)
			fmt.Printf("Task:     %s\n", in.Task)
			fmt.Printf("Status:   %s (phase: %s)\n\n", in.Status, in.CurrentPhase)

			if in.Definition == nil {
				return nil
			}
			for _, phase := range in.Definition.Phases {
				ps, ok := in.Phases[phase.ID]
				if !ok {
					continue
				}
				marker := " "
				switch ps.Status {
				case machine.PhaseCompleted:
					marker = "✓"
				case machine.PhaseActive:
					marker = "▶"
				case machine.PhaseBlocked:
					marker = "✗"
				}
				fmt.Printf("%s %s [%s]\n", marker, phase.ID, ps.Status)
				if verbose || ps.Status == machine.PhaseActive {
					for _, item := range phase.Items {
						is, ok := ps.Items[item.ID]
						if !ok {
							continue
						}
						fmt.Printf("    %-12s %s (%s)\n", is.Status, item.ID, item.EffectiveStepType())
					}
				}
			}
			return nil
		},
	}
	return cmd
}
