package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/chainhawk/correlate/cli/pkg/output"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show engine counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient(cmd).Stats()
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		if jsonOutput(cmd) {
			return output.JSON(st)
		}

		table := output.NewTable([]string{"Counter", "Value"})
		rows := []struct {
			name  string
			value int64
		}{
			{"events processed", st.EventsProcessed},
			{"duplicates ignored", st.DuplicatesIgnored},
			{"phase matches", st.PhaseMatches},
			{"incidents created", st.IncidentsCreated},
			{"incidents queued", st.IncidentsQueued},
			{"incidents suppressed", st.IncidentsSuppressed},
			{"commit failures", st.CommitFailures},
			{"active states", int64(st.ActiveStates)},
			{"loaded patterns", int64(st.LoadedPatterns)},
		}
		for _, r := range rows {
			table.AddRow([]string{r.name, strconv.FormatInt(r.value, 10)})
		}
		if st.DeadLetter != nil && st.DeadLetter.Enabled {
			table.AddRow([]string{"dead letters pending", strconv.Itoa(st.DeadLetter.Pending)})
			table.AddRow([]string{"dead letters written", strconv.FormatUint(st.DeadLetter.Written, 10)})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
