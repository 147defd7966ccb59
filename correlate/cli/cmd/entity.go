package cmd

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/chainhawk/correlate/cli/pkg/output"
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Inspect or clear per-entity correlation state",
}

var entityShowCmd = &cobra.Command{
	Use:   "show [key]",
	Short: "Show phase coverage held for an entity",
	Long:  `Show phase coverage for an entity key such as "user:alice|host:ws-01".`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := apiClient(cmd).Entity(args[0])
		if err != nil {
			return fmt.Errorf("failed to get entity: %w", err)
		}
		if jsonOutput(cmd) {
			return output.JSON(snap)
		}
		if len(snap.Patterns) == 0 {
			output.Info("No state held for %s", snap.EntityKey)
			return nil
		}

		output.Info("Entity: %s", snap.EntityKey)
		table := output.NewTable([]string{"Pattern", "Phase", "Count", "First Seen", "Last Seen", "Progress"})
		for _, pc := range snap.Patterns {
			phases := make([]string, 0, len(pc.Phases))
			for name := range pc.Phases {
				phases = append(phases, name)
			}
			sort.Strings(phases)

			progress := fmt.Sprintf("%d/%d", pc.MatchedPhases, pc.Threshold)
			for _, name := range phases {
				cov := pc.Phases[name]
				table.AddRow([]string{
					pc.PatternID,
					name,
					strconv.Itoa(cov.Count),
					cov.FirstSeen.Format("2006-01-02 15:04:05"),
					cov.LastSeen.Format("2006-01-02 15:04:05"),
					progress,
				})
			}
		}
		table.Render()
		return nil
	},
}

var entityClearCmd = &cobra.Command{
	Use:   "clear [key]",
	Short: "Drop correlation state for an entity, or for all entities with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			return fmt.Errorf("pass either an entity key or --all")
		}

		c := apiClient(cmd)
		var (
			n   int
			err error
		)
		if all {
			n, err = c.ClearAll()
		} else {
			n, err = c.ClearEntity(args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to clear state: %w", err)
		}

		if jsonOutput(cmd) {
			return output.JSON(map[string]int{"states_cleared": n})
		}
		output.Success("Cleared %d state(s)", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(entityCmd)
	entityCmd.AddCommand(entityShowCmd)
	entityCmd.AddCommand(entityClearCmd)

	entityClearCmd.Flags().Bool("all", false, "clear state for every entity")
}
