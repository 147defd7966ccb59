package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/chainhawk/correlate/cli/internal/client"
	"github.com/telhawk-systems/chainhawk/correlate/cli/pkg/output"
	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
)

var patternsCmd = &cobra.Command{
	Use:     "patterns",
	Aliases: []string{"pattern"},
	Short:   "Manage the attack-pattern catalog",
}

var patternsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List loaded patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		patterns, err := apiClient(cmd).ListPatterns()
		if err != nil {
			return fmt.Errorf("failed to list patterns: %w", err)
		}
		if jsonOutput(cmd) {
			return output.JSON(patterns)
		}
		if len(patterns) == 0 {
			output.Info("No patterns loaded")
			return nil
		}

		table := output.NewTable([]string{"ID", "Name", "Phases", "Threshold", "Window", "Suppression", "Severity"})
		for _, p := range patterns {
			table.AddRow([]string{
				p.ID,
				p.Name,
				strconv.Itoa(len(p.Phases)),
				strconv.Itoa(p.Threshold),
				p.Window,
				orDash(p.SuppressionWindow),
				output.Severity(p.Severity),
			})
		}
		table.Render()
		return nil
	},
}

var patternsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a pattern's phases and response policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient(cmd).GetPattern(args[0])
		if err != nil {
			return fmt.Errorf("failed to get pattern: %w", err)
		}
		if jsonOutput(cmd) {
			return output.JSON(p)
		}
		renderPattern(p)
		return nil
	},
}

var patternsReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the service to reload its pattern directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient(cmd).ReloadPatterns()
		if err != nil {
			return fmt.Errorf("failed to reload patterns: %w", err)
		}
		if jsonOutput(cmd) {
			return output.JSON(status)
		}
		output.Success("Catalog reloaded: %d pattern(s)", status.Patterns)
		if status.Skipped > 0 {
			output.Warn("%d document(s) skipped, check the service log", status.Skipped)
		}
		return nil
	},
}

var patternsValidateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Compile a pattern directory locally and report problems",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "patterns"
		if len(args) == 1 {
			dir = args[0]
		}

		_, snap, err := loadCatalog(cmdContext(cmd), dir, cliLogger(cmd))
		if err != nil {
			return err
		}

		problems := catalogProblems(snap)
		if jsonOutput(cmd) {
			return output.JSON(map[string]interface{}{
				"patterns":    snap.Len(),
				"skipped":     snap.Skipped,
				"fingerprint": snap.Fingerprint,
				"problems":    problems,
			})
		}

		for _, p := range problems {
			output.Warn("%s", p)
		}
		if snap.Skipped > 0 {
			return fmt.Errorf("%d document(s) in %s failed to compile", snap.Skipped, dir)
		}
		output.Success("%d pattern(s) compiled from %s", snap.Len(), dir)
		return nil
	},
}

// catalogProblems lists compiled patterns that load but can never behave as intended.
func catalogProblems(snap *catalog.Snapshot) []string {
	var problems []string
	for _, p := range snap.Patterns {
		if p.Threshold > len(p.Phases) {
			problems = append(problems, fmt.Sprintf("%s: threshold %d exceeds its %d phases and can never fire", p.ID, p.Threshold, len(p.Phases)))
		}
		if p.SuppressionWindow == 0 {
			problems = append(problems, fmt.Sprintf("%s: no suppression window, repeated chains raise repeated incidents", p.ID))
		}
		for _, pb := range p.Playbooks {
			if !pb.Enabled {
				problems = append(problems, fmt.Sprintf("%s: playbook %s is disabled", p.ID, pb.ID))
			}
		}
	}
	return problems
}

func renderPattern(p *client.Pattern) {
	output.Info("Pattern: %s (%s)", p.Name, p.ID)
	if p.Description != "" {
		output.Info("Description: %s", p.Description)
	}
	output.Info("Window: %s", p.Window)
	output.Info("Threshold: %d of %d phases", p.Threshold, len(p.Phases))
	output.Info("Severity: %s", output.Severity(p.Severity))
	output.Info("Suppression: %s", orDash(p.SuppressionWindow))

	output.Info("\nPhases:")
	table := output.NewTable([]string{"#", "Name", "Source", "Indicators"})
	for i, ph := range p.Phases {
		table.AddRow([]string{strconv.Itoa(i + 1), ph.Name, ph.Source, ph.Indicators})
	}
	table.Render()

	if len(p.Playbooks) > 0 {
		output.Info("\nPlaybooks:")
		for _, pb := range p.Playbooks {
			state := "enabled"
			if !pb.Enabled {
				state = "disabled"
			}
			output.Info("  %s %s (%s)", pb.ID, pb.Name, state)
		}
	}
	if len(p.DecisionMatrix) > 0 {
		output.Info("\nDecision matrix:")
		for _, rule := range p.DecisionMatrix {
			output.Info("  %s -> %s [%s]", rule.Condition, rule.ResponsePath, orDash(rule.PlaybooksTriggered))
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(patternsCmd)
	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsShowCmd)
	patternsCmd.AddCommand(patternsReloadCmd)
	patternsCmd.AddCommand(patternsValidateCmd)

	patternsValidateCmd.Flags().BoolP("verbose", "v", false, "log compiler warnings to stderr")
}
