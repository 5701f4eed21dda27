package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// ErrNotSafeToRestart — отправка включена или шаги ещё в полёте.
var ErrNotSafeToRestart = errors.New("not safe to restart")

// NewRestartCmd создаёт группу команд для безопасного перезапуска воркеров.
func NewRestartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Coordinate worker restarts",
	}
	cmd.AddCommand(newRestartCheckCmd(clientFn, outputFn))
	return cmd
}

func newRestartCheckCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		group    string
		wait     bool
		interval time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether workers can be restarted",
		Long: `Checks that dispatch is disabled and no step is RUNNING or DISPATCHED.
Exits non-zero while it is not safe. With --wait polls until safe or timeout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if wait && timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			out := outputFn()
			st, err := waitSafe(ctx, clientFn(), group, wait, interval, func(st *BreakerStatus) {
				out.Success(fmt.Sprintf("waiting: enabled=%t ticking=%d running=%d dispatched=%d",
					st.Enabled, st.Ticking, st.Running, st.Dispatched))
			})
			if st != nil {
				printBreaker(out, st)
			}
			if err != nil {
				return err
			}
			out.Success("Safe to restart")
			return nil
		},
	}

	cmd.Flags().StringVar(&group, "group", "", "Check one dispatch group only")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until safe")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Polling interval for --wait")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Give up waiting after this long (0 = never)")

	return cmd
}

// waitSafe опрашивает safe-to-restart. Без wait делает одну попытку.
func waitSafe(ctx context.Context, client *Client, group string, wait bool, interval time.Duration, onPending func(*BreakerStatus)) (*BreakerStatus, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := client.SafeToRestart(group)
		if err != nil {
			return nil, err
		}
		if st.Safe {
			return st, nil
		}
		if !wait {
			return st, ErrNotSafeToRestart
		}
		if onPending != nil {
			onPending(st)
		}

		select {
		case <-ctx.Done():
			return st, fmt.Errorf("%w: %v", ErrNotSafeToRestart, ctx.Err())
		case <-ticker.C:
		}
	}
}
