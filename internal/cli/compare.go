package cli

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/LINBIT/fastfstests/internal/config"
	"github.com/LINBIT/fastfstests/pkg/runner"
)

// compareCommand prints the structured diff between two recordings,
// defaulting to the two most recent ones. Styled with the same
// go-pretty table internal/output/cli uses for PrintSummary.
func compareCommand() *cobra.Command {
	var baseline, changed, resultsDir string

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Print the structured diff between two recordings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.ResolvePath())
			if err != nil {
				return err
			}
			config.ApplyStringFlag(cmd, "results-dir", resultsDir, &cfg.ResultsDir)
			config.ApplyStringFlag(cmd, "baseline", baseline, &cfg.Baseline)
			config.ApplyStringFlag(cmd, "changed", changed, &cfg.Changed)
			if cfg.ResultsDir == "" {
				return fmt.Errorf("config error: --results-dir is required")
			}

			if cfg.Baseline == "" || cfg.Changed == "" {
				labels, err := runner.ListRecordings(cfg.ResultsDir)
				if err != nil {
					return err
				}
				if len(labels) < 2 {
					return fmt.Errorf("need at least two recordings to compare, found %d", len(labels))
				}
				if cfg.Baseline == "" {
					cfg.Baseline = labels[len(labels)-2]
				}
				if cfg.Changed == "" {
					cfg.Changed = labels[len(labels)-1]
				}
			}

			layout := runner.NewLayout(cfg.ResultsDir)
			a, err := runner.LoadRecording(layout.RecordingDir(cfg.Baseline))
			if err != nil {
				return fmt.Errorf("load baseline %s: %w", cfg.Baseline, err)
			}
			b, err := runner.LoadRecording(layout.RecordingDir(cfg.Changed))
			if err != nil {
				return fmt.Errorf("load changed %s: %w", cfg.Changed, err)
			}

			printComparison(cfg.Baseline, cfg.Changed, runner.Compare(a, b))
			return nil
		},
	}

	cmd.Flags().StringVar(&baseline, "baseline", "", "baseline recording label (defaults to the 2nd most recent)")
	cmd.Flags().StringVar(&changed, "changed", "", "changed recording label (defaults to the most recent)")
	cmd.Flags().StringVar(&resultsDir, "results-dir", "", "directory results were written under")
	return cmd
}

func printComparison(baseline, changed string, entries []runner.CompareEntry) {
	if len(entries) == 0 {
		fmt.Printf("no differences between %s and %s\n", baseline, changed)
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("TEST"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("CATEGORY"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint(baseline),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint(changed),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("DELTA(s)"),
	})

	for _, e := range entries {
		categories := ""
		for i, c := range e.Categories {
			if i > 0 {
				categories += ","
			}
			categories += categoryColor(c).Sprint(string(c))
		}
		t.AppendRow(table.Row{
			e.Name,
			categories,
			statusOrDash(e.OldStatus),
			statusOrDash(e.NewStatus),
			fmt.Sprintf("%+.1f", e.DurationDeltaS),
		})
	}

	t.Render()
}

func statusOrDash(s runner.TestStatus) string {
	if s == "" {
		return "-"
	}
	return string(s)
}

func categoryColor(c runner.CompareCategory) text.Colors {
	switch c {
	case runner.CategoryRegression:
		return text.Colors{text.FgHiRed, text.Bold}
	case runner.CategoryFix:
		return text.Colors{text.FgHiGreen}
	case runner.CategoryFlaky:
		return text.Colors{text.FgHiYellow}
	case runner.CategoryNew:
		return text.Colors{text.FgHiCyan}
	case runner.CategoryRemoved:
		return text.Colors{text.Faint}
	case runner.CategoryTiming:
		return text.Colors{text.FgHiMagenta}
	default:
		return text.Colors{}
	}
}
