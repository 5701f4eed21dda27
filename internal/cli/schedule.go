package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewScheduleCmd создаёт группу команд для управления schedules.
func NewScheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring root steps",
	}

	cmd.AddCommand(
		newScheduleListCmd(clientFn, outputFn),
		newScheduleCreateCmd(clientFn, outputFn),
		newScheduleShowCmd(clientFn, outputFn),
		newScheduleUpdateCmd(clientFn, outputFn),
		newScheduleDeleteCmd(clientFn, outputFn),
		newScheduleEnableCmd(clientFn, outputFn),
		newScheduleDisableCmd(clientFn, outputFn),
	)

	return cmd
}

var scheduleHeaders = []string{"ID", "NAME", "JOB", "GROUP", "CRON", "INTERVAL", "ENABLED", "NEXT_DUE"}

func scheduleRow(s ScheduleResponse) []string {
	return []string{
		s.ID, s.Name, s.JobClass, s.Group, s.CronExpr,
		formatInterval(s.IntervalSec), strconv.FormatBool(s.Enabled), s.NextDueAt,
	}
}

func newScheduleListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var enabledOnly, disabledOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *bool
			switch {
			case enabledOnly && disabledOnly:
				return fmt.Errorf("--enabled and --disabled are mutually exclusive")
			case enabledOnly:
				filter = &enabledOnly
			case disabledOnly:
				v := false
				filter = &v
			}

			schedules, err := clientFn().ListSchedules(filter)
			if err != nil {
				return err
			}

			rows := make([][]string, len(schedules))
			for i, s := range schedules {
				rows[i] = scheduleRow(s)
			}
			outputFn().Print(scheduleHeaders, rows, schedules)
			return nil
		},
	}

	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "Only enabled schedules")
	cmd.Flags().BoolVar(&disabledOnly, "disabled", false, "Only disabled schedules")

	return cmd
}

func newScheduleCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		name        string
		jobClass    string
		group       string
		cronExpr    string
		intervalSec int
		timezone    string
		kvArgs      []string
		argsJSON    string
		disabled    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule that spawns a root step",
		Example: `  stepwise schedule create --name funding --job funding.collect --cron "0 */8 * * *" --arg exchange=binance
  stepwise schedule create --name ping --job http.call --interval 60 --args-json '{"url":"https://api.bybit.com/v5/market/time"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments, err := parseArguments(kvArgs, argsJSON)
			if err != nil {
				return err
			}

			schedule, err := clientFn().CreateSchedule(CreateScheduleRequest{
				Name:        name,
				CronExpr:    cronExpr,
				IntervalSec: intervalSec,
				Timezone:    timezone,
				Enabled:     !disabled,
				JobClass:    jobClass,
				Arguments:   arguments,
				Group:       group,
			})
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Schedule created: %s", schedule.ID))
			out.Print(scheduleHeaders, [][]string{scheduleRow(*schedule)}, schedule)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Schedule name (required)")
	cmd.Flags().StringVar(&jobClass, "job", "", "Job class of the root step (required)")
	cmd.Flags().StringVar(&group, "group", "", "Dispatch group (default: server default)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression (e.g. '0 * * * *')")
	cmd.Flags().IntVar(&intervalSec, "interval", 0, "Interval in seconds")
	cmd.Flags().StringVar(&timezone, "timezone", "", "Timezone (e.g. 'Europe/Moscow')")
	cmd.Flags().StringSliceVar(&kvArgs, "arg", nil, "Job argument as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&argsJSON, "args-json", "", "Job arguments as a JSON object")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the schedule disabled")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("job")

	return cmd
}

func newScheduleShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show schedule details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule, err := clientFn().GetSchedule(args[0])
			if err != nil {
				return err
			}

			lastStep := ""
			if schedule.LastStepID != nil {
				lastStep = strconv.FormatInt(*schedule.LastStepID, 10)
			}
			outputFn().Print(
				append(scheduleHeaders, "TIMEZONE", "LAST_RUN", "LAST_STEP"),
				[][]string{append(scheduleRow(*schedule), schedule.Timezone, schedule.LastRunAt, lastStep)},
				schedule,
			)
			return nil
		},
	}
}

func newScheduleUpdateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		name        string
		jobClass    string
		group       string
		cronExpr    string
		intervalSec int
		timezone    string
		kvArgs      []string
		argsJSON    string
	)

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Update a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			req := UpdateScheduleRequest{}
			if flags.Changed("name") {
				req.Name = &name
			}
			if flags.Changed("job") {
				req.JobClass = &jobClass
			}
			if flags.Changed("group") {
				req.Group = &group
			}
			if flags.Changed("cron") {
				req.CronExpr = &cronExpr
			}
			if flags.Changed("interval") {
				req.IntervalSec = &intervalSec
			}
			if flags.Changed("timezone") {
				req.Timezone = &timezone
			}
			if flags.Changed("arg") || flags.Changed("args-json") {
				arguments, err := parseArguments(kvArgs, argsJSON)
				if err != nil {
					return err
				}
				req.Arguments = &arguments
			}

			schedule, err := clientFn().UpdateSchedule(args[0], req)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success("Schedule updated")
			out.Print(scheduleHeaders, [][]string{scheduleRow(*schedule)}, schedule)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New schedule name")
	cmd.Flags().StringVar(&jobClass, "job", "", "New job class")
	cmd.Flags().StringVar(&group, "group", "", "New dispatch group")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "New cron expression")
	cmd.Flags().IntVar(&intervalSec, "interval", 0, "New interval in seconds")
	cmd.Flags().StringVar(&timezone, "timezone", "", "New timezone")
	cmd.Flags().StringSliceVar(&kvArgs, "arg", nil, "Replace job arguments, KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&argsJSON, "args-json", "", "Replace job arguments with a JSON object")

	return cmd
}

func newScheduleDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeleteSchedule(args[0]); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Schedule deleted: %s", args[0]))
			return nil
		},
	}
}

func newScheduleEnableCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "enable ID",
		Short: "Enable a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := clientFn().EnableSchedule(args[0]); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Schedule enabled: %s", args[0]))
			return nil
		},
	}
}

func newScheduleDisableCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "disable ID",
		Short: "Disable a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := clientFn().DisableSchedule(args[0]); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Schedule disabled: %s", args[0]))
			return nil
		},
	}
}

// parseArguments собирает аргументы job из --args-json и пар KEY=VALUE.
// Пары применяются поверх JSON.
func parseArguments(kv []string, rawJSON string) (map[string]any, error) {
	arguments := make(map[string]any)
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &arguments); err != nil {
			return nil, fmt.Errorf("invalid --args-json: %w", err)
		}
	}
	for _, pair := range kv {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument format %q, expected KEY=VALUE", pair)
		}
		arguments[key] = value
	}
	if len(arguments) == 0 {
		return nil, nil
	}
	return arguments, nil
}

func formatInterval(sec int) string {
	if sec <= 0 {
		return ""
	}
	return strconv.Itoa(sec) + "s"
}
