package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LINBIT/fastfstests/internal/config"
	cliout "github.com/LINBIT/fastfstests/internal/output/cli"
)

// recordCommand snapshots latest/ into recordings/<label>/, defaulting
// the label to a timestamp, read off whichever --results-dir the run
// itself used.
func recordCommand() *cobra.Command {
	var label, resultsDir string

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Snapshot the latest/ results tree into a named recording",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.ResolvePath())
			if err != nil {
				return err
			}
			config.ApplyStringFlag(cmd, "results-dir", resultsDir, &cfg.ResultsDir)
			if cfg.ResultsDir == "" {
				return fmt.Errorf("config error: --results-dir is required")
			}

			if label == "" {
				label = time.Now().Format("2006-01-02_15-04-05")
			}

			out := cliout.New(cfg.ResultsDir, cliout.Options{})
			if err := out.SaveRecording(label); err != nil {
				return fmt.Errorf("record %s: %w", label, err)
			}
			fmt.Printf("recorded latest/ as recordings/%s\n", label)
			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "recording label (defaults to a timestamp)")
	cmd.Flags().StringVar(&resultsDir, "results-dir", "", "directory results were written under")
	return cmd
}
