package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/chainhawk/common/logging"

	"github.com/telhawk-systems/chainhawk/correlate/cli/pkg/output"
	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
	"github.com/telhawk-systems/chainhawk/correlate/internal/engine"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
	"github.com/telhawk-systems/chainhawk/correlate/internal/outbox"
	"github.com/telhawk-systems/chainhawk/correlate/internal/suppression"
)

// defaultBatchSize stays well below the server's batch limit.
const defaultBatchSize = 500

var replayCmd = &cobra.Command{
	Use:   "replay [files...]",
	Short: "Replay raw events through the correlation engine",
	Long: `Replay JSON or NDJSON event files (or stdin) through a local engine built
from a pattern directory, and print the incidents it raises.

With --remote the events are posted to the correlate service instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := readEventFiles(args)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			output.Warn("No events to replay")
			return nil
		}

		remote, _ := cmd.Flags().GetBool("remote")
		if remote {
			return replayRemote(cmd, events)
		}
		return replayLocal(cmd, events)
	},
}

// replayReport is the JSON output of a replay.
type replayReport struct {
	Events    int                `json:"events"`
	Stats     *models.Stats      `json:"stats,omitempty"`
	Incidents []*models.Incident `json:"incidents"`
	Errors    []string           `json:"errors,omitempty"`
}

// incidentCollector keeps every incident the local engine commits.
type incidentCollector struct {
	mu        sync.Mutex
	incidents []*models.Incident
}

func (c *incidentCollector) PersistIncident(_ context.Context, inc *models.Incident) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incidents = append(c.incidents, inc)
	return nil
}

func (c *incidentCollector) all() []*models.Incident {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.Incident(nil), c.incidents...)
}

func cliLogger(cmd *cobra.Command) *logging.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return logging.NewWithWriter(os.Stderr, level, "text")
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func loadCatalog(ctx context.Context, dir string, logger *logging.Logger) (*catalog.Catalog, *catalog.Snapshot, error) {
	cat := catalog.New(catalog.NewDirLoader(dir, logger), logger)
	snap, err := cat.Reload(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load patterns from %s: %w", dir, err)
	}
	if snap.Len() == 0 {
		return nil, nil, fmt.Errorf("no patterns found in %s", dir)
	}
	return cat, snap, nil
}

func replayLocal(cmd *cobra.Command, events []models.RawEvent) error {
	ctx := cmdContext(cmd)
	logger := cliLogger(cmd)

	dir, _ := cmd.Flags().GetString("patterns")
	cat, _, err := loadCatalog(ctx, dir, logger)
	if err != nil {
		return err
	}

	collector := &incidentCollector{}
	sinkOpts := []outbox.Option{outbox.WithPersister(collector), outbox.WithLogger(logger)}
	if redisURL, _ := cmd.Flags().GetString("redis"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rc := redis.NewClient(opts)
		defer rc.Close()
		sinkOpts = append(sinkOpts, outbox.WithSuppressor(suppression.NewStore(rc, true)))
	}
	sink, err := outbox.NewSink(cat, sinkOpts...)
	if err != nil {
		return err
	}

	eng, err := engine.New(cat, sink, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	report := replayReport{Events: len(events)}
	for _, res := range eng.ProcessBatch(ctx, events) {
		for _, e := range res.Errors {
			report.Errors = append(report.Errors, res.EventID+": "+e)
		}
	}
	stats := eng.Stats()
	report.Stats = &stats
	report.Incidents = collector.all()

	return printReplay(cmd, report)
}

func replayRemote(cmd *cobra.Command, events []models.RawEvent) error {
	c := apiClient(cmd)
	size, _ := cmd.Flags().GetInt("batch-size")

	report := replayReport{Events: len(events)}
	for _, batch := range chunk(events, size) {
		results, _, err := c.IngestBatch(batch)
		if err != nil {
			return fmt.Errorf("failed to send events: %w", err)
		}
		for _, res := range results {
			report.Incidents = append(report.Incidents, res.Incidents...)
			for _, e := range res.Errors {
				report.Errors = append(report.Errors, res.EventID+": "+e)
			}
		}
	}
	return printReplay(cmd, report)
}

func printReplay(cmd *cobra.Command, report replayReport) error {
	if report.Incidents == nil {
		report.Incidents = []*models.Incident{}
	}
	if jsonOutput(cmd) {
		return output.JSON(report)
	}

	output.Info("Replayed %d events", report.Events)
	if report.Stats != nil {
		output.Info("Duplicates: %d  Phase matches: %d  Suppressed: %d",
			report.Stats.DuplicatesIgnored, report.Stats.PhaseMatches, report.Stats.IncidentsSuppressed)
	}
	for _, e := range report.Errors {
		output.Warn("%s", e)
	}

	if len(report.Incidents) == 0 {
		output.Info("No incidents raised")
		return nil
	}
	renderIncidents(report.Incidents)
	output.Success("%d incident(s) raised", len(report.Incidents))
	return nil
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().String("patterns", "patterns", "pattern catalog directory for local replay")
	replayCmd.Flags().String("redis", "", "redis URL for suppression windows during local replay")
	replayCmd.Flags().Bool("remote", false, "send events to the correlate service instead of replaying locally")
	replayCmd.Flags().Int("batch-size", defaultBatchSize, "events per request with --remote")
	replayCmd.Flags().BoolP("verbose", "v", false, "log engine activity to stderr")
}
