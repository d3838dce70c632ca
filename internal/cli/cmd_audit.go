package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/session"
)

// newAuditCmd creates the audit command group
func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the tool-call audit log",
	}
	cmd.AddCommand(newAuditQueryCmd())
	cmd.AddCommand(newAuditStatsCmd())
	return cmd
}

func newAuditQueryCmd() *cobra.Command {
	var (
		taskID string
		phase  string
		tool   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List audit entries matching filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := audit.NewLog(session.NewLayout(".").AuditPath())
			entries, err := log.Query(audit.Query{
				TaskID: taskID,
				Phase:  phase,
				Tool:   tool,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No matching audit entries.")
				return nil
			}
			for _, e := range entries {
				status := "ok"
				if !e.Success {
					status = "FAILED"
				}
				fmt.Printf("%s  %-8s %-10s %-20s %s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), status, e.Phase, e.Tool, e.TaskID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "filter by task id")
	cmd.Flags().StringVar(&phase, "phase", "", "filter by phase")
	cmd.Flags().StringVar(&tool, "tool", "", "filter by tool name")
	cmd.Flags().IntVar(&limit, "limit", 0, "return at most N entries (0 = all)")
	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate audit statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := audit.NewLog(session.NewLayout(".").AuditPath())
			stats, err := log.Stats()
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(stats)
			}
			fmt.Printf("Total calls:  %d\n", stats.Total)
			fmt.Printf("Succeeded:    %d\n", stats.Succeeded)
			fmt.Printf("Failed:       %d\n", stats.Failed)
			fmt.Printf("Success rate: %.1f%%\n", stats.SuccessRate*100)
			if len(stats.ByTool) > 0 {
				fmt.Println("\nBy tool:")
				for tool, n := range stats.ByTool {
					fmt.Printf("  %-20s %d\n", tool, n)
				}
			}
			return nil
		},
	}
}
