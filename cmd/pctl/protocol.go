package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/protocold/internal/directive"
	httpapi "github.com/fyrsmithlabs/protocold/internal/http"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// jsonArg resolves a JSON flag value: "" is absent, "@file" reads a file
// and "-" reads stdin.
func jsonArg(cmd *cobra.Command, value string) (json.RawMessage, error) {
	var data []byte
	switch {
	case value == "":
		return nil, nil
	case value == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		data = b
	case strings.HasPrefix(value, "@"):
		b, err := os.ReadFile(value[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", value[1:], err)
		}
		data = b
	default:
		data = []byte(value)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid JSON: %.40q", data)
	}
	return json.RawMessage(data), nil
}

// result sends a state-changing request and prints what came back.
func (c *cli) result(cmd *cobra.Command, method, path string, body any) error {
	var (
		res httpapi.ResultResponse
		raw []byte
	)
	err := c.client().do(cmd.Context(), method, path, body, &res, &raw)
	if c.jsonOut && len(raw) > 0 {
		fmt.Fprintln(c.out, strings.TrimSpace(string(raw)))
		return err
	}
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Body.Code == httpapi.CodeBlocked {
			printBlocked(c.out, apiErr.Body)
		}
		if r := resultOf(err); r != nil {
			_ = printResult(c.out, r)
		}
		return err
	}
	return printResult(c.out, &res)
}

func newStartCmd(c *cli) *cobra.Command {
	var initial string
	cmd := &cobra.Command{
		Use:   "start KIND SESSION",
		Short: "Start a protocol instance",
		Long: `Start a protocol instance and print its first directive.

Examples:
  pctl start research s1
  pctl start research s1 --context '{"goal":"compare brokers"}'
  pctl start research s1 --context @context.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctxJSON, err := jsonArg(cmd, initial)
			if err != nil {
				return err
			}
			return c.result(cmd, http.MethodPost, instancePath(args[0], args[1]),
				httpapi.StartRequest{Context: ctxJSON})
		},
	}
	cmd.Flags().StringVar(&initial, "context", "", "initial context as JSON, @file or - for stdin")
	return cmd
}

func newAdvanceCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "advance KIND SESSION PHASE",
		Short: "Report that a phase finished",
		Long: `Report that PHASE finished and print the next directive. The phase
artifact must already be written when the phase requires one.

Examples:
  pctl advance research s1 plan
  pctl advance research s1 plan --output '{"sources":3}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := jsonArg(cmd, output)
			if err != nil {
				return err
			}
			return c.result(cmd, http.MethodPost, instancePath(args[0], args[1], "advance"),
				httpapi.AdvanceRequest{Phase: args[2], Output: out})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "phase output as JSON, @file or - for stdin")
	return cmd
}

func newHaltCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "halt KIND SESSION REASON...",
		Short: "Halt an instance until it is answered",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.result(cmd, http.MethodPost, instancePath(args[0], args[1], "halt"),
				httpapi.HaltRequest{Reason: strings.Join(args[2:], " ")})
		},
	}
}

func newAnswerCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "answer KIND SESSION ANSWER",
		Short: "Answer a halted instance and resume it",
		Long: `Answer a halted instance. ANSWER is sent as JSON when it parses as
JSON and as a string otherwise.

Examples:
  pctl answer research s1 "use the second source"
  pctl answer research s1 '{"choice":2}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			answer := json.RawMessage(args[2])
			if !json.Valid(answer) {
				quoted, err := json.Marshal(args[2])
				if err != nil {
					return err
				}
				answer = quoted
			}
			return c.result(cmd, http.MethodPost, instancePath(args[0], args[1], "answer"),
				httpapi.AnswerRequest{Answer: answer})
		},
	}
}

func newAbandonCmd(c *cli) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon KIND SESSION",
		Short: "Abandon an instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.result(cmd, http.MethodDelete, instancePath(args[0], args[1]),
				httpapi.HaltRequest{Reason: reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the instance is abandoned")
	return cmd
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status KIND SESSION",
		Short: "Show the persisted state of an instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				st  protocol.State
				raw []byte
			)
			if err := c.client().do(cmd.Context(), http.MethodGet, instancePath(args[0], args[1]), nil, &st, &raw); err != nil {
				return err
			}
			if c.jsonOut {
				fmt.Fprintln(c.out, strings.TrimSpace(string(raw)))
				return nil
			}
			printState(c.out, &st)
			return nil
		},
	}
}

func newNextCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "next KIND SESSION",
		Short: "Print the current directive",
		Long: `Print the directive for the current state without changing it.
Repeated calls print the same directive until the instance moves.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				d   directive.Directive
				raw []byte
			)
			if err := c.client().do(cmd.Context(), http.MethodGet, instancePath(args[0], args[1], "directive"), nil, &d, &raw); err != nil {
				return err
			}
			if c.jsonOut {
				fmt.Fprintln(c.out, strings.TrimSpace(string(raw)))
				return nil
			}
			return printDirective(c.out, &d)
		},
	}
}

func newListCmd(c *cli) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List protocol instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/protocols"
			if kind != "" {
				path += "?kind=" + url.QueryEscape(kind)
			}
			var (
				resp httpapi.ListResponse
				raw  []byte
			)
			if err := c.client().do(cmd.Context(), http.MethodGet, path, nil, &resp, &raw); err != nil {
				return err
			}
			if c.jsonOut {
				fmt.Fprintln(c.out, strings.TrimSpace(string(raw)))
				return nil
			}
			if len(resp.Instances) == 0 {
				fmt.Fprintln(c.out, dimStyle.Render("no instances"))
				return nil
			}
			for _, k := range resp.Instances {
				fmt.Fprintln(c.out, k.String())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only list instances of this protocol kind")
	return cmd
}

func newBranchCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Work with the branches of a parallel phase",
	}

	var (
		outcome  string
		artifact string
		findings []string
		reason   string
	)
	report := &cobra.Command{
		Use:   "report KIND SESSION BRANCH",
		Short: "Report the outcome of a branch",
		Long: `Report that BRANCH of the current parallel phase succeeded or failed.

Examples:
  pctl branch report research s1 1A --outcome succeeded --finding "NATS wins on latency"
  pctl branch report research s1 1B --outcome failed --reason "source offline"`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			o := protocol.Outcome(outcome)
			if o != protocol.OutcomeSucceeded && o != protocol.OutcomeFailed {
				return fmt.Errorf("--outcome must be %q or %q", protocol.OutcomeSucceeded, protocol.OutcomeFailed)
			}
			return c.result(cmd, http.MethodPost, instancePath(args[0], args[1], "branches", args[2]),
				httpapi.BranchRequest{Outcome: o, Artifact: artifact, Findings: findings, Reason: reason})
		},
	}
	report.Flags().StringVar(&outcome, "outcome", string(protocol.OutcomeSucceeded), "succeeded or failed")
	report.Flags().StringVar(&artifact, "artifact", "", "artifact path written by the branch")
	report.Flags().StringArrayVar(&findings, "finding", nil, "a finding (repeatable)")
	report.Flags().StringVar(&reason, "reason", "", "failure reason")

	cmd.AddCommand(report)
	return cmd
}

func newHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check protocold server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpapi.HealthResponse
			if err := c.client().do(cmd.Context(), http.MethodGet, "/health", nil, &resp, nil); err != nil {
				return err
			}
			style := okStyle
			if resp.Status != "ok" {
				style = warnStyle
			}
			field(c.out, "status", style.Render(resp.Status))
			field(c.out, "server", c.serverURL)
			field(c.out, "kinds", strings.Join(resp.Kinds, ", "))
			return nil
		},
	}
}
