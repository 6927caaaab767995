// Package main implements pctl, the command-line client for protocold.
package main

import (
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds the flags shared by every command.
type cli struct {
	serverURL string
	timeout   time.Duration
	jsonOut   bool
	out       io.Writer
	errOut    io.Writer
}

func (c *cli) client() *client {
	return newClient(c.serverURL, c.timeout)
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:   "pctl",
		Short: "CLI for protocold protocol instances",
		Long: `pctl drives protocol instances on a protocold server.

It starts instances, reports phase and branch completion, answers halted
instances and prints the next directive. The graph commands work offline on
definition files.

Examples:
  # Start a research protocol and print its first directive
  pctl start research s1 --context '{"goal":"compare brokers"}'

  # Report that phase A finished
  pctl advance research s1 A --output @out.json

  # Show what to do next
  pctl next research s1`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVar(&c.serverURL, "server", "http://127.0.0.1:9191", "protocold server URL")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print raw JSON responses")

	root.AddCommand(
		newStartCmd(c),
		newAdvanceCmd(c),
		newHaltCmd(c),
		newAnswerCmd(c),
		newAbandonCmd(c),
		newStatusCmd(c),
		newNextCmd(c),
		newListCmd(c),
		newBranchCmd(c),
		newGraphCmd(c),
		newHealthCmd(c),
	)

	return root
}
