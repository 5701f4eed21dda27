package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewBreakerCmd создаёт группу команд circuit breaker.
func NewBreakerCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Control step dispatch",
	}

	cmd.AddCommand(
		newBreakerStatusCmd(clientFn, outputFn),
		newBreakerToggleCmd(clientFn, outputFn, true),
		newBreakerToggleCmd(clientFn, outputFn, false),
	)

	return cmd
}

func newBreakerStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show dispatch flag and in-flight steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := clientFn().BreakerStatus(group)
			if err != nil {
				return err
			}
			printBreaker(outputFn(), st)
			return nil
		},
	}

	cmd.Flags().StringVar(&group, "group", "", "Count in-flight steps of one group only")

	return cmd
}

func newBreakerToggleCmd(clientFn func() *Client, outputFn func() *Output, enabled bool) *cobra.Command {
	use, short, msg := "enable", "Resume step dispatch", "Dispatch enabled"
	if !enabled {
		use, short, msg = "disable", "Stop dispatching new steps", "Dispatch disabled, in-flight steps keep running"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := clientFn().SetBreaker(enabled)
			if err != nil {
				return err
			}
			out := outputFn()
			out.Success(msg)
			printBreaker(out, st)
			return nil
		},
	}
}

func printBreaker(out *Output, st *BreakerStatus) {
	out.Print(
		[]string{"ENABLED", "TICKING", "RUNNING", "DISPATCHED", "SAFE_TO_RESTART"},
		[][]string{{
			strconv.FormatBool(st.Enabled), strconv.Itoa(st.Ticking), strconv.Itoa(st.Running),
			strconv.Itoa(st.Dispatched), strconv.FormatBool(st.Safe),
		}},
		st,
	)
}
