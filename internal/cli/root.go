// Package cli is the cobra command tree: run (default), record, and
// compare. It is the only package that wires a concrete Supervisor and
// Output implementation into pkg/runner's abstract interfaces;
// pkg/runner itself never imports internal/output/cli or
// internal/supervisors/*.
package cli

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LINBIT/fastfstests/internal/logging"
)

// Execute sets up the standard logger and runs the root command.
func Execute() {
	logging.Init(false)

	root := rootCommand()
	root.AddCommand(runCommand())
	root.AddCommand(recordCommand())
	root.AddCommand(compareCommand())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

// rootCommand carries the "run" flags directly so `fastfstests
// --fstests PATH ...` (no subcommand) behaves exactly like `fastfstests
// run --fstests PATH ...`.
func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "fastfstests",
		Short: "Run an fstests-style regression suite against a pool of VMs",
	}
	rf := addRunFlags(root)
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runRun(cmd, args, rf)
	}
	return root
}
