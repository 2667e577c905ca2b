// Command skitterd is the skitter binary: "skitter master", "skitter
// worker", and "skitter local" are the two (plus one convenience) CLI
// entry points spec.md §6 names.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/softwarelanguageslab/skitter/cmd/skitterd/run"
)

// Populated via the linker at release build time.
var (
	version = "dev"
	commit  = "unknown"
	branch  = "unknown"
)

func main() {
	app := &cli.App{
		Name:                 "skitter",
		Usage:                "distributed stream-processing runtime",
		Version:              fmt.Sprintf("%s (%s@%s)", version, branch, commit),
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			run.MasterCommand(),
			run.WorkerCommand(),
			run.LocalCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		cli.HandleExitCoder(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
