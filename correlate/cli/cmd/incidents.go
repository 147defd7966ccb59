package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/chainhawk/correlate/cli/internal/client"
	"github.com/telhawk-systems/chainhawk/correlate/cli/pkg/output"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

var incidentsCmd = &cobra.Command{
	Use:     "incidents",
	Aliases: []string{"incident", "inc"},
	Short:   "Triage correlated incidents",
}

var incidentsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List incidents",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := client.IncidentFilter{}
		f.Page, _ = cmd.Flags().GetInt("page")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		f.Status, _ = cmd.Flags().GetString("status")
		f.PatternID, _ = cmd.Flags().GetString("pattern")
		f.EntityKey, _ = cmd.Flags().GetString("entity")
		f.Severity, _ = cmd.Flags().GetString("severity")
		f.Query, _ = cmd.Flags().GetString("query")

		incidents, page, err := apiClient(cmd).ListIncidents(f)
		if err != nil {
			return fmt.Errorf("failed to list incidents: %w", err)
		}

		if jsonOutput(cmd) {
			return output.JSON(map[string]interface{}{"incidents": incidents, "pagination": page})
		}
		if len(incidents) == 0 {
			output.Info("No incidents found")
			return nil
		}

		renderIncidents(incidents)
		if page != nil {
			output.Info("\nPage %d of %d (%d total)", page.Page, page.TotalPages, page.Total)
		}
		return nil
	},
}

var incidentsShowCmd = &cobra.Command{
	Use:   "show [id|reference]",
	Short: "Show one incident with its contributing events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inc, err := apiClient(cmd).GetIncident(args[0])
		if err != nil {
			return fmt.Errorf("failed to get incident: %w", err)
		}
		if jsonOutput(cmd) {
			return output.JSON(inc)
		}
		renderIncident(inc)
		return nil
	},
}

var incidentsUpdateCmd = &cobra.Command{
	Use:   "update [id|reference]",
	Short: "Change status, assignee or severity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := updateRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		inc, err := apiClient(cmd).UpdateIncident(args[0], req)
		if err != nil {
			return fmt.Errorf("failed to update incident: %w", err)
		}
		if jsonOutput(cmd) {
			return output.JSON(inc)
		}
		output.Success("Incident %s is now %s", inc.Reference, inc.Status)
		return nil
	},
}

func updateRequestFromFlags(cmd *cobra.Command) (models.UpdateIncidentRequest, error) {
	var req models.UpdateIncidentRequest
	if cmd.Flags().Changed("status") {
		v, _ := cmd.Flags().GetString("status")
		status := models.IncidentStatus(v)
		if !status.Valid() {
			return req, fmt.Errorf("invalid status %q", v)
		}
		req.Status = &status
	}
	if cmd.Flags().Changed("assignee") {
		v, _ := cmd.Flags().GetString("assignee")
		req.Assignee = &v
	}
	if cmd.Flags().Changed("severity") {
		v, _ := cmd.Flags().GetString("severity")
		req.Severity = &v
	}
	if req.Status == nil && req.Assignee == nil && req.Severity == nil {
		return req, fmt.Errorf("at least one of --status, --assignee or --severity is required")
	}
	return req, nil
}

func renderIncidents(incidents []*models.Incident) {
	table := output.NewTable([]string{"Reference", "Pattern", "Entity", "Phases", "Confidence", "Severity", "Status", "Last Seen"})
	for _, inc := range incidents {
		table.AddRow([]string{
			inc.Reference,
			inc.PatternID,
			inc.EntityKey,
			fmt.Sprintf("%d/%d", len(inc.PhasesMatched), inc.TotalPhases),
			fmt.Sprintf("%s (%.0f%%)", output.Severity(inc.ConfidenceLevel), inc.Confidence*100),
			output.Severity(inc.Severity),
			string(inc.Status),
			inc.LastSeen.Format("2006-01-02 15:04:05"),
		})
	}
	table.Render()
}

func renderIncident(inc *models.Incident) {
	output.Info("Incident: %s (%s)", inc.Reference, inc.ID)
	output.Info("Pattern: %s (%s)", inc.PatternName, inc.PatternID)
	output.Info("Entity: %s", inc.EntityKey)
	output.Info("Phases: %s (%d/%d)", strings.Join(inc.PhasesMatched, ", "), len(inc.PhasesMatched), inc.TotalPhases)
	output.Info("Confidence: %s (%.0f%%)", output.Severity(inc.ConfidenceLevel), inc.Confidence*100)
	output.Info("Severity: %s", output.Severity(inc.Severity))
	output.Info("Status: %s", inc.Status)
	if inc.Assignee != nil {
		output.Info("Assignee: %s", *inc.Assignee)
	}
	output.Info("First seen: %s", inc.FirstSeen.Format("2006-01-02 15:04:05"))
	output.Info("Last seen: %s", inc.LastSeen.Format("2006-01-02 15:04:05"))

	if len(inc.ContributingEvents) == 0 {
		return
	}
	output.Info("\nContributing events (%d):", inc.EventCount)
	table := output.NewTable([]string{"Phase", "Matched At", "Event", "Product", "Type"})
	for _, occ := range inc.ContributingEvents {
		table.AddRow([]string{
			occ.Phase,
			occ.MatchedAt.Format("2006-01-02 15:04:05"),
			occ.Event.EventID,
			occ.Event.Product,
			occ.Event.EventType,
		})
	}
	table.Render()
}

func init() {
	rootCmd.AddCommand(incidentsCmd)
	incidentsCmd.AddCommand(incidentsListCmd)
	incidentsCmd.AddCommand(incidentsShowCmd)
	incidentsCmd.AddCommand(incidentsUpdateCmd)

	incidentsListCmd.Flags().Int("page", 1, "page number")
	incidentsListCmd.Flags().Int("limit", 20, "incidents per page")
	incidentsListCmd.Flags().String("status", "", "filter by status")
	incidentsListCmd.Flags().String("pattern", "", "filter by pattern id")
	incidentsListCmd.Flags().String("entity", "", "filter by entity key")
	incidentsListCmd.Flags().String("severity", "", "filter by severity")
	incidentsListCmd.Flags().StringP("query", "q", "", "full-text search")

	incidentsUpdateCmd.Flags().String("status", "", "open, investigating, contained, resolved or false_positive")
	incidentsUpdateCmd.Flags().String("assignee", "", "analyst to assign")
	incidentsUpdateCmd.Flags().String("severity", "", "new severity")
}
