// Command fastfstests runs an fstests-style regression suite against a
// pool of VMs. See internal/cli for the command tree.
package main

import "github.com/LINBIT/fastfstests/internal/cli"

func main() {
	cli.Execute()
}
