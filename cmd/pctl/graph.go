package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/protocold/internal/graph"
)

func newGraphCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect and validate protocol graph definitions",
		Long: `Inspect and validate protocol graph definitions. These commands do not
contact the server; they load the built-in graphs plus the given files.`,
	}
	cmd.AddCommand(newGraphValidateCmd(c), newGraphShowCmd(c), newGraphListCmd(c))
	return cmd
}

func newGraphValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check that definition files build into valid graphs",
		Long: `Parse and build each YAML or TOML definition file, then check that the
files load together with the built-in graphs.

Examples:
  pctl graph validate review.yaml
  pctl graph validate review.yaml deploy.toml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := graph.NewBuilder(nil)
			var errs []error
			for _, path := range args {
				def, err := graph.LoadFile(path)
				if err == nil {
					var g *graph.Graph
					if g, err = b.Build(def); err == nil {
						fmt.Fprintf(c.out, "%s %s %s\n", okStyle.Render("ok"), path,
							dimStyle.Render(fmt.Sprintf("(%s, %d phases)", g.Kind(), len(g.Phases()))))
						continue
					}
				}
				fmt.Fprintf(c.out, "%s %s: %v\n", errorStyle.Render("invalid"), path, err)
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
			}
			if len(errs) > 0 {
				return errors.Join(errs...)
			}
			if _, err := graph.LoadCatalog(nil, args...); err != nil {
				return fmt.Errorf("definitions conflict: %w", err)
			}
			return nil
		},
	}
}

func newGraphShowCmd(c *cli) *cobra.Command {
	var (
		files  []string
		format string
	)
	cmd := &cobra.Command{
		Use:   "show KIND",
		Short: "Print the definition of a protocol kind",
		Long: `Print the definition of KIND as YAML or JSON.

Examples:
  pctl graph show agent
  pctl graph show review --file review.yaml --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := graph.LoadCatalog(nil, files...)
			if err != nil {
				return err
			}
			g, err := catalog.Get(args[0])
			if err != nil {
				return err
			}
			var data []byte
			switch format {
			case "yaml":
				data, err = graph.MarshalYAML(g.Definition())
			case "json":
				data, err = json.MarshalIndent(g.Definition(), "", "  ")
				data = append(data, '\n')
			default:
				return fmt.Errorf("unknown format %q (want yaml or json)", format)
			}
			if err != nil {
				return fmt.Errorf("failed to encode definition: %w", err)
			}
			_, err = c.out.Write(data)
			return err
		},
	}
	cmd.Flags().StringArrayVar(&files, "file", nil, "extra definition file (repeatable)")
	cmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml or json")
	return cmd
}

func newGraphListCmd(c *cli) *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the known protocol kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := graph.LoadCatalog(nil, files...)
			if err != nil {
				return err
			}
			for _, kind := range catalog.Kinds() {
				g, _ := catalog.Get(kind)
				fmt.Fprintf(c.out, "%s %s\n", valueStyle.Render(kind), dimStyle.Render(g.Description()))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&files, "file", nil, "extra definition file (repeatable)")
	return cmd
}
