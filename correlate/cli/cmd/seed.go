package cmd

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/chainhawk/correlate/cli/internal/seeder"
	"github.com/telhawk-systems/chainhawk/correlate/cli/pkg/output"
	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate synthetic attack chains for the loaded patterns",
	Long: `Generate one event per phase for each pattern, all sharing a user and host so
they correlate to one entity, plus optional background noise.

Events are written as NDJSON to --out (or stdout) or posted to the service with --send.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("patterns")
		only, _ := cmd.Flags().GetStringSlice("pattern")
		chains, _ := cmd.Flags().GetInt("chains")
		noise, _ := cmd.Flags().GetInt("noise")
		seed, _ := cmd.Flags().GetInt64("seed")
		outPath, _ := cmd.Flags().GetString("out")
		send, _ := cmd.Flags().GetBool("send")

		_, snap, err := loadCatalog(cmdContext(cmd), dir, cliLogger(cmd))
		if err != nil {
			return err
		}
		patterns := selectPatterns(snap, only)
		if len(patterns) == 0 {
			return fmt.Errorf("none of %v found in %s", only, dir)
		}

		gen := seeder.New(seeder.Config{
			ChainsPerPattern: chains,
			Noise:            noise,
			End:              time.Now().UTC(),
			Seed:             seed,
		})
		generated, events := gen.Generate(patterns)

		for _, p := range patterns {
			if missing := seeder.Unmatched(events, p); len(missing) > 0 {
				output.Warn("%s: no generated event matches phase(s) %v", p.ID, missing)
			}
		}

		if send {
			return replayRemote(cmd, events)
		}

		w := os.Stdout
		if outPath != "" && outPath != "-" {
			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outPath, err)
			}
			defer f.Close()
			w = f
		}
		if err := writeEvents(w, events); err != nil {
			return fmt.Errorf("failed to write events: %w", err)
		}
		if w != os.Stdout {
			output.Success("Wrote %d events (%d chains) to %s", len(events), len(generated), outPath)
		}
		return nil
	},
}

func selectPatterns(snap *catalog.Snapshot, ids []string) []*catalog.AttackPattern {
	if len(ids) == 0 {
		return snap.Patterns
	}
	var out []*catalog.AttackPattern
	for _, p := range snap.Patterns {
		if slices.Contains(ids, p.ID) {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().String("patterns", "patterns", "pattern catalog directory")
	seedCmd.Flags().StringSlice("pattern", nil, "only generate chains for these pattern ids")
	seedCmd.Flags().Int("chains", 1, "chains per pattern")
	seedCmd.Flags().Int("noise", 0, "unrelated background events")
	seedCmd.Flags().Int64("seed", 0, "random seed for reproducible output (0 = random)")
	seedCmd.Flags().String("out", "", "output file (default: stdout)")
	seedCmd.Flags().Bool("send", false, "post the events to the correlate service")
	seedCmd.Flags().Int("batch-size", defaultBatchSize, "events per request with --send")
	seedCmd.Flags().BoolP("verbose", "v", false, "log catalog warnings to stderr")
}
