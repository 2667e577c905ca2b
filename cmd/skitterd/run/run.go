// Package run implements the "skitter master"/"skitter worker"/
// "skitter local" subcommands spec.md §6 names. Each builds a
// *cli.Command (github.com/urfave/cli/v2) that loads a config.Config,
// pins its Mode to the subcommand invoked, starts a server.Node, and
// blocks until an interrupt or the node fails.
package run

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/softwarelanguageslab/skitter/config"
	"github.com/softwarelanguageslab/skitter/server"
)

const logo = `
 ..######..##....##.####.########.########.########.########.
 .##....##.##...##...##.....##....##.......##.......##.....##
 .##.......##..##....##.....##....##.......##.......##.....##
 ..######..#####.....##.....##....######...######...########.
 .......##.##..##....##.....##....##.......##.......##...##..
 .##....##.##...##...##.....##....##.......##.......##....##.
 ..######..##....##.####....##....########.##.......##.....##
`

var flags = []cli.Flag{
	&cli.StringFlag{Name: "config", Usage: "path to a skitter TOML config file"},
	&cli.StringFlag{Name: "nodename", Usage: "overrides SKITTER_NODENAME"},
	&cli.StringFlag{Name: "cookie", Usage: "overrides SKITTER_COOKIE"},
	&cli.StringFlag{Name: "listen", Usage: "cluster transport listen address"},
}

// MasterCommand returns the "skitter master" subcommand: starts a
// master node, whose own worker list comes from SKITTER_WORKERS/the
// config file's [workers] entry (spec.md §6).
func MasterCommand() *cli.Command {
	return &cli.Command{
		Name:  "master",
		Usage: "start a master node that owns deployment decisions",
		Flags: append(flags, &cli.StringFlag{Name: "status", Usage: "deployment status HTTP listen address"}),
		Action: func(c *cli.Context) error {
			return runNode(c, config.ModeMaster)
		},
	}
}

// WorkerCommand returns the "skitter worker" subcommand: starts a
// worker node, which must be told where its master is (SKITTER_MASTER
// or -master) and what capability tags it advertises (SKITTER_TAGS).
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "start a worker node that advertises tags and hosts workers",
		Flags: append(flags,
			&cli.StringFlag{Name: "master", Usage: "dial address of the master to join"},
			&cli.StringSliceFlag{Name: "tags", Usage: "capability tags this node advertises"},
		),
		Action: func(c *cli.Context) error {
			return runNode(c, config.ModeWorker)
		},
	}
}

// LocalCommand returns the "skitter local" subcommand: a single
// process acting as its own master and worker, for development and
// the end-to-end scenarios in spec.md §8 that need no real cluster.
func LocalCommand() *cli.Command {
	return &cli.Command{
		Name:  "local",
		Usage: "start a single-process node that is its own master and worker",
		Flags: flags,
		Action: func(c *cli.Context) error {
			return runNode(c, config.ModeLocal)
		},
	}
}

// runNode loads configuration, pins it to mode (overridable by
// SKITTER_MODE for a demoted/promoted restart of the same config
// file), starts a server.Node, and blocks until a signal or the node
// itself fails.
func runNode(c *cli.Context, mode config.Mode) error {
	fmt.Fprint(c.App.Writer, logo)

	cfg := config.NewConfig()
	cfg.Mode = mode
	if err := cfg.Parse(c.String("config")); err != nil {
		return &ExitError{Code: 64, Err: fmt.Errorf("parsing config: %w", err)}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return &ExitError{Code: 64, Err: fmt.Errorf("applying environment: %w", err)}
	}
	applyFlagOverrides(c, cfg)

	if err := cfg.Validate(); err != nil {
		return &ExitError{Code: 64, Err: err}
	}

	n, err := server.NewNode(cfg)
	if err != nil {
		return &ExitError{Code: 70, Err: fmt.Errorf("building node: %w", err)}
	}
	if err := n.Open(); err != nil {
		var joinErr *server.ErrClusterJoin
		if errors.As(err, &joinErr) {
			return &ExitError{Code: 65, Err: err}
		}
		return &ExitError{Code: 70, Err: err}
	}
	defer n.Close()

	fmt.Fprintf(c.App.Writer, "skitter %s node %q listening on %s\n", cfg.Mode, cfg.NodeName, cfg.Listen)

	waitForSignal()
	return nil
}

// applyFlagOverrides layers explicit CLI flags on top of file+env
// config, in that precedence order: file, then env, then flags.
func applyFlagOverrides(c *cli.Context, cfg *config.Config) {
	if v := c.String("nodename"); v != "" {
		cfg.NodeName = v
	}
	if v := c.String("cookie"); v != "" {
		cfg.Cookie = v
	}
	if v := c.String("listen"); v != "" {
		cfg.Listen = v
	}
	if v := c.String("status"); v != "" {
		cfg.Status = v
	}
	if v := c.String("master"); v != "" {
		cfg.Master = v
	}
	if v := c.StringSlice("tags"); len(v) > 0 {
		cfg.Tags = v
	}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

// ExitError carries the spec.md §6 exit code a failure should produce
// (64 invalid config, 65 cluster join failure, 70 internal invariant
// violation) through urfave/cli's error return, which otherwise only
// ever exits 1.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }
func (e *ExitError) ExitCode() int { return e.Code }
