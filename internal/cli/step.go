package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewStepCmd создаёт группу команд для просмотра и разбора шагов.
func NewStepCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Inspect steps",
	}

	cmd.AddCommand(
		newStepListCmd(clientFn, outputFn),
		newStepShowCmd(clientFn, outputFn),
		newStepTreeCmd(clientFn, outputFn),
		newStepResolveCmd(clientFn, outputFn),
	)

	return cmd
}

var stepHeaders = []string{"ID", "JOB", "GROUP", "STATE", "RETRIES", "HOST", "ERROR"}

func stepRow(s StepResponse) []string {
	return []string{
		strconv.FormatInt(s.ID, 10), s.JobClass, s.Group, s.State,
		strconv.Itoa(s.Retries), s.Hostname, truncate(s.ErrorMessage, 60),
	}
}

func newStepListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListStepsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := clientFn().ListSteps(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(steps))
			for i, s := range steps {
				rows[i] = stepRow(s)
			}
			outputFn().Print(stepHeaders, rows, steps)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Group, "group", "", "Filter by dispatch group")
	cmd.Flags().StringVar(&opts.State, "state", "", "Filter by state, comma-separated (e.g. RUNNING,DISPATCHED)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "Maximum number of steps")

	return cmd
}

func newStepShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show step details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := clientFn().GetStep(args[0])
			if err != nil {
				return err
			}

			outputFn().Print(
				append(stepHeaders, "BLOCK", "INDEX", "DISPATCH_AFTER"),
				[][]string{append(stepRow(*step), step.BlockUUID, strconv.Itoa(step.Index), step.DispatchAfter)},
				step,
			)
			return nil
		},
	}
}

func newStepTreeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "tree ID",
		Short: "Show a step with all of its descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := clientFn().GetStepTree(args[0])
			if err != nil {
				return err
			}

			var rows [][]string
			flattenTree(*node, 0, &rows)
			outputFn().Print([]string{"STEP", "STATE", "RETRIES", "ERROR"}, rows, node)
			return nil
		},
	}
}

// flattenTree раскладывает дерево в строки таблицы с отступом по глубине.
func flattenTree(node StepNode, depth int, rows *[][]string) {
	s := node.Step
	*rows = append(*rows, []string{
		fmt.Sprintf("%s%d %s [%d]", strings.Repeat("  ", depth), s.ID, s.JobClass, s.Index),
		s.State, strconv.Itoa(s.Retries), truncate(s.ErrorMessage, 60),
	})
	for _, child := range node.Children {
		flattenTree(child, depth+1, rows)
	}
}

func newStepResolveCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve ID",
		Short: "Return a NOT_RUNNABLE step to PENDING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := clientFn().ResolveStep(args[0])
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Step resolved: %d", step.ID))
			out.Print(stepHeaders, [][]string{stepRow(*step)}, step)
			return nil
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
