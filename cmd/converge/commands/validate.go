package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/providers/file"
)

func newValidateCommand() *cobra.Command {
	var (
		workflowPath string
		dot          bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a workflow definition",
		Long: `Validate a workflow definition and print its execution plan.

This command checks:
  - YAML syntax and required fields
  - Known dependent resource kinds and their params
  - Starlark condition syntax
  - Unknown dependencies and dependency cycles`,
		Example: `  # Print levels and order
  converge validate --workflow website.yaml

  # Render the graph with graphviz
  converge validate --workflow website.yaml --dot | dot -Tsvg > website.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.LoadDefinition(workflowPath)
			if err != nil {
				return err
			}

			wf, err := def.Build(file.NewRegistry(nil), config.NewStarlarkEvaluator(0))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dot {
				fmt.Fprint(out, wf.ToDOT())
				return nil
			}

			fmt.Fprintf(out, "workflow %s: %d dependent resources\n", wf.Name(), wf.Size())
			for i, level := range wf.Levels() {
				names := make([]string, len(level))
				for j, node := range level {
					names[j] = fmt.Sprintf("%s (%s)", node.Name(), node.Kind())
				}
				fmt.Fprintf(out, "  level %d: %s\n", i, strings.Join(names, ", "))
			}

			order := make([]string, 0, wf.Size())
			for _, node := range wf.Order() {
				order = append(order, node.Name())
			}
			fmt.Fprintf(out, "reconcile order: %s\n", strings.Join(order, " -> "))
			if !wf.HasCleaner() {
				fmt.Fprintln(out, "no dependent resource is deleted on cleanup")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "workflow definition file")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the graph in DOT format")
	_ = cmd.MarkFlagRequired("workflow")

	return cmd
}
